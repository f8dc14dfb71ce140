package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// corsPreflightMaxAge caches preflight responses for an hour (seconds).
const corsPreflightMaxAge = 3600

// CORS returns middleware for browser front ends served from another
// origin. Only allowedOrigins get CORS headers; ["*"] allows any origin.
// Tokens travel in headers, never cookies, so credentials stay off and
// preflights advertise both token headers.
func CORS(allowedOrigins []string) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderContentType,
			echo.HeaderAuthorization,
			"X-Auth-Token",
		},
		// Let browser clients read these from cross-origin responses.
		ExposeHeaders: []string{
			echo.HeaderXRequestID,
			"Retry-After",
		},
		MaxAge: corsPreflightMaxAge,
	})
}
