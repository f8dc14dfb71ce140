package app

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyxmakerx/coursehub/internal/middleware"
	"github.com/keyxmakerx/coursehub/internal/plugins/admin"
	"github.com/keyxmakerx/coursehub/internal/plugins/audit"
	"github.com/keyxmakerx/coursehub/internal/plugins/auth"
	"github.com/keyxmakerx/coursehub/internal/plugins/smtp"
)

// credentialThrottleScope namespaces the credential endpoint counters.
const credentialThrottleScope = "credentials"

// stores holds the persistence and delivery backends the plugins are built
// on. Production wiring uses MariaDB and the configured mail relay.
type stores struct {
	users auth.UserRepository
	audit audit.AuditRepository
	mail  smtp.MailService
}

// RegisterRoutes sets up all application routes. It registers the
// operational endpoints directly and delegates to each plugin's route
// registration function.
//
// This is the single place where all routes are aggregated. When a new
// plugin is added, its routes are registered here.
func (a *App) RegisterRoutes() {
	a.mount(stores{
		users: auth.NewUserRepository(a.DB),
		audit: audit.NewAuditRepository(a.DB),
		mail:  smtp.New(a.Config.SMTP),
	})
}

// mount builds every plugin on top of s and registers its routes.
func (a *App) mount(s stores) {
	e := a.Echo
	cfg := a.Config

	// --- Operational Routes ---
	e.GET("/healthz", a.healthz)
	e.GET("/readyz", a.readyz)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))

	// --- Audit Plugin ---
	auditService := audit.NewAuditService(s.audit)

	// --- Auth Plugin ---
	authService := auth.NewAuthService(
		s.users,
		auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL),
		auth.NewPasswordHasher(cfg.Auth.BcryptCost),
		auth.ServiceConfig{
			ResetTokenTTL:  cfg.Auth.ResetTokenTTL,
			StoreTimeout:   cfg.Auth.StoreTimeout,
			FirstUserAdmin: cfg.Auth.FirstUserAdmin,
		},
	)
	auth.ConfigureMailSender(authService, s.mail, cfg.BaseURL)
	auth.ConfigureCache(authService, auth.NewRedisUserCache(a.Redis, cfg.Auth.CacheTTL))
	auth.ConfigureAudit(authService, auditService)
	auth.RegisterRoutes(e, auth.NewHandler(authService), authService, a.credentialThrottle()...)

	// --- Admin Plugin ---
	// The admin group carries the admin gate; audit and mail routes hang
	// off it.
	adminGroup := admin.RegisterRoutes(e, admin.NewHandler(authService, s.mail), authService)
	audit.RegisterRoutes(adminGroup, audit.NewHandler(auditService))
	smtp.RegisterRoutes(adminGroup, smtp.NewHandler(s.mail))
}

// credentialThrottle returns the rate limit middleware for the credential
// endpoints, or nothing when the throttle is disabled. Counters live in
// Redis when it is available so replicas share one budget.
func (a *App) credentialThrottle() []echo.MiddlewareFunc {
	rl := a.Config.RateLimit
	if rl.Requests <= 0 {
		return nil
	}

	var limiter middleware.Limiter
	if a.Redis != nil {
		limiter = middleware.NewRedisLimiter(a.Redis, credentialThrottleScope, rl.Requests, rl.Window)
	} else {
		limiter = middleware.NewMemoryLimiter(rl.Requests, rl.Window)
	}
	return []echo.MiddlewareFunc{middleware.RateLimit(limiter)}
}
