package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/freightdesk/freightdesk/internal/access"
	"github.com/freightdesk/freightdesk/internal/audit"
	"github.com/freightdesk/freightdesk/internal/auth"
	"github.com/freightdesk/freightdesk/internal/auth/oidc"
	"github.com/freightdesk/freightdesk/internal/config"
	"github.com/freightdesk/freightdesk/internal/db/repositories"
	"github.com/freightdesk/freightdesk/internal/jobs"
	"github.com/freightdesk/freightdesk/internal/middleware"
	"github.com/freightdesk/freightdesk/internal/safego"
	"github.com/freightdesk/freightdesk/internal/storage"

	// Import storage backends to register them
	_ "github.com/freightdesk/freightdesk/internal/storage/azure"
	_ "github.com/freightdesk/freightdesk/internal/storage/gcs"
	_ "github.com/freightdesk/freightdesk/internal/storage/local"
	_ "github.com/freightdesk/freightdesk/internal/storage/s3"
)

// BackgroundServices holds what must be stopped during graceful shutdown.
// cmd/server calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	verifier      *jobs.AuditChainVerifier
	memoryLimiter *middleware.MemoryLimiter
	recorder      *audit.Recorder
	archive       storage.Storage
	redisClient   *redis.Client
}

// Shutdown stops the verifier and rate limiter, drains pending audit writes
// until ctx is done, and closes the archive store and Redis client.
func (bg *BackgroundServices) Shutdown(ctx context.Context) error {
	slog.Info("stopping background services")

	if bg.verifier != nil {
		bg.verifier.Stop()
	}
	if bg.memoryLimiter != nil {
		bg.memoryLimiter.Stop()
	}

	var errs []error
	if bg.recorder != nil {
		if err := bg.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit recorder: %w", err))
		}
	}
	if bg.archive != nil {
		if err := bg.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive storage: %w", err))
		}
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	slog.Info("all background services stopped")
	return errors.Join(errs...)
}

// NewRouter builds every service from cfg, starts the background jobs and
// returns the configured engine.
func NewRouter(ctx context.Context, cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}
	fail := func(err error) (*gin.Engine, *BackgroundServices, error) {
		_ = bg.Shutdown(context.Background())
		return nil, nil, err
	}

	sqlxDB := sqlx.NewDb(db, cfg.Database.Driver)
	orgRepo := repositories.NewOrganizationRepository(sqlxDB)
	auditRepo := repositories.NewAuditRepository(db)
	memberships := access.NewMembershipResolver(orgRepo)

	resolver, err := newResolver(ctx, &cfg.Auth)
	if err != nil {
		return fail(err)
	}

	if cfg.Storage.DefaultBackend != "" {
		archive, err := storage.NewStorage(cfg)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize archive storage: %w", err))
		}
		bg.archive = archive
		slog.Info("initialized audit archive storage", "backend", cfg.Storage.DefaultBackend)
	}

	if cfg.Audit.Enabled {
		recorder, chain, err := newRecorder(&cfg.Audit, auditRepo, bg.archive)
		if err != nil {
			return fail(err)
		}
		bg.recorder = recorder

		if chain != nil && cfg.Audit.VerifyInterval > 0 {
			bg.verifier = jobs.NewAuditChainVerifier(auditRepo, chain, cfg.Audit.VerifyInterval)
			safego.Go(func() { bg.verifier.Start(context.Background()) })
		}
	}

	limiter, err := newLimiter(&cfg.Security.RateLimiting, bg)
	if err != nil {
		return fail(err)
	}

	svc := &Services{
		DB:            db,
		Organizations: orgRepo,
		Resolver:      resolver,
		Memberships:   memberships,
		Guard:         access.NewGuard(memberships),
		Archive:       bg.archive,
		Recorder:      bg.recorder,
		Limiter:       limiter,
	}

	proxy, err := NewUpstreamProxy(&cfg.Upstream)
	if err != nil {
		return fail(err)
	}
	if proxy != nil {
		svc.Upstream = proxy
	} else {
		slog.Warn("no upstream configured, guarded pages answer with the access context (development mode)")
	}

	return Build(cfg, svc), bg, nil
}

// newResolver chains the first-party session provider with the OIDC
// provider when one is enabled.
func newResolver(ctx context.Context, cfg *config.AuthConfig) (*auth.Resolver, error) {
	providers := []auth.IdentityProvider{auth.NewJWTProvider(cfg.Session.Issuer)}

	if cfg.OIDC.Enabled {
		p, err := oidc.NewOIDCProviderWithContext(ctx, &cfg.OIDC)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
		}
		providers = append(providers, p)
		slog.Info("OIDC session provider enabled", "issuer", cfg.OIDC.IssuerURL)
	}

	return auth.NewResolver(cfg.Session.CookieName, providers...), nil
}

func newRecorder(cfg *config.AuditConfig, store *repositories.AuditRepository, archive storage.Storage) (*audit.Recorder, *audit.Chain, error) {
	var chain *audit.Chain
	if cfg.ChainSecret != "" {
		c, err := audit.NewChain(cfg.ChainSecret)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize audit chain: %w", err)
		}
		chain = c
	} else {
		slog.Warn("audit.chain_secret is not set, audit entries are not hash-chained")
	}

	shippers, err := audit.NewMultiShipper(cfg.Shippers, audit.ShipperDeps{
		ChainSecret: cfg.ChainSecret,
		Archive:     archive,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}

	var shipper audit.Shipper
	if shippers.Len() > 0 {
		shipper = shippers
		slog.Info("audit shipping enabled", "shippers", shippers.Len())
	}

	return audit.NewRecorder(store, chain, shipper, cfg.WriteTimeout), chain, nil
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(cfg *config.RateLimitingConfig, bg *BackgroundServices) (middleware.Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RequestsPerMinute > 0 {
		rl.RequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.Burst > 0 {
		rl.BurstSize = cfg.Burst
	}

	switch cfg.Backend {
	case "", "memory":
		bg.memoryLimiter = middleware.NewMemoryLimiter(rl)
		return bg.memoryLimiter, nil
	case "redis":
		bg.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return middleware.NewRedisLimiter(redis_rate.NewLimiter(bg.redisClient), rl), nil
	}
	return nil, fmt.Errorf("unsupported rate limiting backend: %s", cfg.Backend)
}
