// Package api wires the HTTP surface of the gateway.
//
// Every page and procedure the dashboard serves is reached through here. Role
// routes run the access guard before the request is proxied to the renderer,
// auth pages and assets are proxied unguarded, and a handful of JSON endpoints
// (/api/v1/me, /api/v1/organization, /api/v1/audit-events) are answered
// directly.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/access"
	"github.com/freightdesk/freightdesk/internal/audit"
	"github.com/freightdesk/freightdesk/internal/auth"
	"github.com/freightdesk/freightdesk/internal/config"
	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/middleware"
	"github.com/freightdesk/freightdesk/internal/storage"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// OrganizationReader loads organizations by ID.
type OrganizationReader interface {
	GetByID(ctx context.Context, id string) (*models.Organization, error)
}

// Services are the collaborators the routes need. Archive, Recorder, Limiter
// and Upstream are optional.
type Services struct {
	DB            Pinger
	Archive       storage.Storage
	Organizations OrganizationReader
	Resolver      *auth.Resolver
	Memberships   *access.MembershipResolver
	Guard         *access.Guard
	Recorder      *audit.Recorder
	Limiter       middleware.Limiter
	Upstream      http.Handler
}

// Build registers middleware and routes on a new engine.
func Build(cfg *config.Config, svc *Services) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		// Validate rejects bad entries; trust nobody if one slips through.
		slog.Error("invalid trusted proxies, ignoring X-Forwarded-For", "error", err)
		_ = router.SetTrustedProxies(nil)
	}

	tls := cfg.Security.TLS.Enabled
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(
		middleware.PageSecurityHeadersConfig(tls),
		middleware.APISecurityHeadersConfig(tls),
	))
	router.Use(middleware.PathHintMiddleware())
	router.Use(middleware.SessionMiddleware(svc.Resolver))
	if svc.Limiter != nil {
		router.Use(middleware.RateLimitMiddleware(svc.Limiter))
	}

	router.GET("/health", healthCheckHandler(svc.DB))
	router.GET("/ready", readinessHandler(svc.DB, svc.Archive))

	forward := upstreamHandler(svc.Upstream)

	guarded := func(req access.Requirement) []gin.HandlerFunc {
		chain := []gin.HandlerFunc{middleware.GuardMiddleware(svc.Guard, req)}
		if svc.Recorder != nil {
			chain = append(chain, middleware.AuditMiddleware(svc.Recorder, &cfg.Audit))
		}
		return chain
	}

	// Pages
	onboarding := router.Group("/onboarding", guarded(access.RequireNoOrganization)...)
	{
		onboarding.GET("", forward)
		onboarding.Any("/*path", forward)
	}

	router.GET("/dashboard", middleware.GuardMiddleware(svc.Guard, access.RequireAnyOrganization), dashboardHomeHandler())

	shipperPages := router.Group("/dashboard/shipper", guarded(access.RequireShipper)...)
	{
		shipperPages.GET("", forward)
		shipperPages.Any("/*path", forward)
	}

	forwarderPages := router.Group("/dashboard/forwarder", guarded(access.RequireForwarder)...)
	{
		forwarderPages.GET("", forward)
		forwarderPages.Any("/*path", forward)
	}

	// JSON API
	v1 := router.Group("/api/v1")
	{
		v1.GET("/me", meHandler(svc.Memberships))

		anyOrg := v1.Group("", middleware.GuardMiddleware(svc.Guard, access.RequireAnyOrganization))
		anyOrg.GET("/organization", organizationHandler(svc.Organizations))
		anyOrg.POST("/audit-events", auditIntakeHandler(svc.Recorder))

		v1.Group("/shipper", guarded(access.RequireShipper)...).Any("/*path", forward)
		v1.Group("/forwarder", guarded(access.RequireForwarder)...).Any("/*path", forward)
	}

	// Auth pages, public pages and assets go to the renderer unguarded.
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		forward(c)
	})

	return router
}

// LoggerMiddleware emits one structured record per request. The handler
// installed by telemetry.SetupLogger decides between JSON and text output.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.RequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		}
		if userID := c.GetString(middleware.UserIDKey); userID != "" {
			attrs = append(attrs, slog.String("user_id", userID))
		}
		if orgID := c.GetString(middleware.OrganizationIDKey); orgID != "" {
			attrs = append(attrs, slog.String("organization_id", orgID))
		}
		slog.LogAttrs(c.Request.Context(), slog.LevelInfo, "http request", attrs...)
	}
}

// CORSMiddleware handles CORS. Only exactly listed origins are echoed and
// sent credentials. A "*" entry, which config validation refuses, still
// never carries credentials: it answers with a literal "*" so browsers
// withhold the session cookie.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowOrigin, credentials := "", false
		if origin != "" {
			for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
				if allowedOrigin == origin {
					allowOrigin, credentials = origin, true
					break
				}
				if allowedOrigin == "*" {
					allowOrigin = "*"
				}
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Vary", "Origin")
			if credentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
