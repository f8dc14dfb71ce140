// Package app is the application bootstrap and dependency injection root.
// It creates and holds all shared infrastructure (DB pool, Redis client,
// Echo instance, metrics registry) and wires together all plugins.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/coursehub/internal/apperror"
	"github.com/keyxmakerx/coursehub/internal/config"
	"github.com/keyxmakerx/coursehub/internal/middleware"
)

// maxBodySize caps request bodies. Every endpoint takes a small JSON object.
const maxBodySize = "64K"

// App holds all shared dependencies and the Echo HTTP server instance.
// Created once at startup in main.go and used to register all routes.
type App struct {
	// Config holds the loaded application configuration.
	Config *config.Config

	// DB is the MariaDB connection pool shared by all plugins.
	DB *sql.DB

	// Redis backs the identity cache and the credential throttle. Nil when
	// Redis is not configured.
	Redis *redis.Client

	// Echo is the HTTP server instance.
	Echo *echo.Echo

	// Registry holds every Prometheus collector served on /metrics.
	Registry *prometheus.Registry

	metrics *middleware.Metrics
}

// New creates a new App instance with the given dependencies and configures
// the Echo server with global middleware and error handling.
func New(cfg *config.Config, db *sql.DB, rdb *redis.Client) *App {
	e := echo.New()

	// Disable Echo's default banner and startup message -- we log our own.
	e.HideBanner = true
	e.HidePort = true

	// Configure trusted reverse proxy IPs so c.RealIP() returns the actual
	// client IP instead of the proxy's IP.
	middleware.TrustedProxies(e, cfg.TrustedProxies)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if db != nil {
		reg.MustRegister(collectors.NewDBStatsCollector(db, "coursehub"))
	}

	app := &App{
		Config:   cfg,
		DB:       db,
		Redis:    rdb,
		Echo:     e,
		Registry: reg,
		metrics:  middleware.NewMetrics(reg),
	}

	// Register global middleware in order of execution.
	app.setupMiddleware()

	// Register the custom error handler that maps AppErrors to HTTP responses.
	e.HTTPErrorHandler = app.errorHandler

	return app
}

// setupMiddleware registers global middleware on the Echo instance.
// Order matters: the request ID comes first so every later layer can log it,
// metrics wrap the logger so they see the final status, and recovery sits
// inside the logger so a panic is logged as a 500.
func (a *App) setupMiddleware() {
	a.Echo.Use(echomw.RequestID())
	a.Echo.Use(a.metrics.Middleware())
	a.Echo.Use(middleware.RequestLogger())
	a.Echo.Use(middleware.Recovery())

	// Security headers -- CSP, X-Frame-Options, X-Content-Type-Options, etc.
	a.Echo.Use(middleware.SecurityHeaders(a.Config.IsProduction()))

	// CORS for browser front ends on another origin.
	a.Echo.Use(middleware.CORS(a.Config.CORSOrigins))

	a.Echo.Use(echomw.BodyLimit(maxBodySize))
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Type   string                `json:"type"`
	Errors []apperror.FieldError `json:"errors"`
}

// errorHandler is the custom Echo error handler. It maps domain errors
// (AppError) and Echo's own HTTP errors to the JSON error body. Anything
// else is an unexpected failure and is reported as a generic 500.
func (a *App) errorHandler(err error, c echo.Context) {
	// Don't double-write if response is already committed.
	if c.Response().Committed {
		return
	}

	appErr := toAppError(err)

	// Log server-side failures with the underlying cause.
	if appErr.Code >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("type", appErr.Type),
			slog.Any("error", err),
			slog.String("method", c.Request().Method),
			slog.String("route", c.Path()),
		)
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(appErr.Code)
	} else {
		writeErr = c.JSON(appErr.Code, errorResponse{
			Type:   appErr.Type,
			Errors: appErr.Details(),
		})
	}
	if writeErr != nil {
		slog.Warn("writing error response failed", slog.Any("error", writeErr))
	}
}

// toAppError converts any handler error into an AppError.
func toAppError(err error) *apperror.AppError {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	// Echo's built-in HTTP errors (404 from the router, 413 from the body
	// limit, etc.).
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		message := http.StatusText(echoErr.Code)
		if msg, ok := echoErr.Message.(string); ok && msg != "" {
			message = msg
		}
		if echoErr.Code >= http.StatusInternalServerError {
			return apperror.NewInternal(err)
		}
		return &apperror.AppError{
			Code:    echoErr.Code,
			Type:    httpErrorType(echoErr.Code),
			Message: message,
		}
	}

	return apperror.NewInternal(err)
}

// httpErrorType returns the machine-readable type for an Echo HTTP error.
func httpErrorType(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "http_error"
	}
}

// Start begins listening for HTTP requests on the configured port.
func (a *App) Start() error {
	addr := fmt.Sprintf(":%d", a.Config.Port)
	slog.Info("starting coursehub server",
		slog.String("addr", addr),
		slog.String("env", a.Config.Env),
	)
	return a.Echo.Start(addr)
}
