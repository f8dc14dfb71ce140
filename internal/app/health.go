package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// readinessTimeout bounds each dependency ping in /readyz.
const readinessTimeout = 2 * time.Second

// healthResponse is the body of /healthz and /readyz.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthz reports that the process is up. It never touches dependencies.
func (a *App) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// readyz reports whether MariaDB and Redis answer. Failure details go to the
// log, not the response.
func (a *App) readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if a.DB != nil {
		checks["database"] = "ok"
		if err := a.DB.PingContext(ctx); err != nil {
			slog.Warn("readiness: database ping failed", slog.Any("error", err))
			checks["database"] = "down"
			ready = false
		}
	}

	if a.Redis != nil {
		checks["redis"] = "ok"
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			slog.Warn("readiness: redis ping failed", slog.Any("error", err))
			checks["redis"] = "down"
			ready = false
		}
	}

	if !ready {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Checks: checks})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Checks: checks})
}
