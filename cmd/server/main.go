// Package main is the entry point for the freightdesk gateway binary.
// It dispatches its subcommands with a switch on the first argument and
// parses per-command flags with pflag. The serve command runs migrations on
// startup so a fresh deployment never needs a separate migration step.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- served only on the dedicated profiling port, never on the gateway listener.
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/freightdesk/freightdesk/internal/api"
	"github.com/freightdesk/freightdesk/internal/audit"
	"github.com/freightdesk/freightdesk/internal/auth"
	"github.com/freightdesk/freightdesk/internal/config"
	"github.com/freightdesk/freightdesk/internal/db"
	"github.com/freightdesk/freightdesk/internal/db/repositories"
	"github.com/freightdesk/freightdesk/internal/jobs"
	"github.com/freightdesk/freightdesk/internal/telemetry"
)

const version = "0.1.0"

const usage = `usage: %s <command> [flags]

commands:
  serve          run the gateway (default)
  migrate        up|down|force VERSION
  gen-secret     print a random secret for FD_JWT_SECRET or audit.chain_secret
  audit-verify   verify audit hash chains [--org ID] [--page-size N]
  version        print the version
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "version":
		fmt.Printf("freightdesk gateway v%s\n", version)
		return nil
	case "gen-secret":
		return genSecret()
	}

	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	orgID := fs.String("org", "", "verify a single organization (audit-verify)")
	pageSize := fs.Int("page-size", jobs.DefaultChainPageSize, "rows read per query (audit-verify)")
	fs.Usage = func() { fmt.Fprintf(os.Stderr, usage, os.Args[0]) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg, *configPath)
	case "migrate":
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: %s migrate <up|down|force VERSION>", os.Args[0])
		}
		return runMigrations(cfg, fs.Args())
	case "audit-verify":
		return verifyAudit(cfg, *orgID, *pageSize)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fails outside development mode when FD_JWT_SECRET is unset or weak.
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database",
		"driver", cfg.Database.Driver, "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	if configPath != "" {
		err := config.Watch(configPath, func(next *config.Config) {
			telemetry.SetLevel(next.Logging.Level)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}

	// Metrics and pprof live on their own ports so they are never reachable
	// through the public ingress.
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go listenSide("metrics", fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort), mux, 10*time.Second)
	}
	if cfg.Telemetry.Profiling.Enabled {
		go listenSide("pprof", fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port), http.DefaultServeMux, 30*time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, bg, err := api.NewRouter(ctx, cfg, database)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting gateway",
			"addr", server.Addr,
			"base_url", cfg.Server.BaseURL,
			"upstream", cfg.Upstream.URL,
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = bg.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	}

	slog.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := drain(shutdownCtx, server, bg); err != nil {
		return err
	}

	slog.Info("gateway stopped")
	return nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// drain stops the HTTP server and then the background services. The
// background services are stopped even when the server did not drain in
// time, so pending audit writes still get their flush window.
func drain(ctx context.Context, server, bg shutdowner) error {
	serverErr := server.Shutdown(ctx)
	if serverErr != nil {
		slog.Error("server did not drain before the shutdown deadline", "error", serverErr)
	}
	if err := bg.Shutdown(ctx); err != nil {
		slog.Error("background services did not stop cleanly", "error", err)
	}
	if serverErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", serverErr)
	}
	return nil
}

func listenSide(name, addr string, h http.Handler, timeout time.Duration) {
	slog.Info("starting "+name+" server", "addr", addr)
	srv := &http.Server{ // #nosec G112 -- internal-only port
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error(name+" server error", "error", err)
	}
}

func runMigrations(cfg *config.Config, args []string) error {
	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if args[0] == "force" {
		if len(args) < 2 {
			return fmt.Errorf("usage: %s migrate force VERSION", os.Args[0])
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid migration version %q: %w", args[1], err)
		}
		slog.Warn("forcing migration version", "version", v)
		if err := db.ForceMigrationVersion(database, v); err != nil {
			return err
		}
	} else {
		slog.Info("running migrations", "direction", args[0])
		if err := db.RunMigrations(database, args[0]); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}

// genSecret prints 32 random bytes, base64url encoded, which passes
// auth.ValidateJWTSecret.
func genSecret() error {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("failed to generate secret: %w", err)
	}
	fmt.Println(base64.RawURLEncoding.EncodeToString(b))
	return nil
}

// verifyAudit re-derives the hash chain of one organization, or of every
// organization that has audit rows, and fails when any chain is broken.
func verifyAudit(cfg *config.Config, orgID string, pageSize int) error {
	if cfg.Audit.ChainSecret == "" {
		return fmt.Errorf("audit.chain_secret is not configured; entries are not chained")
	}
	chain, err := audit.NewChain(cfg.Audit.ChainSecret)
	if err != nil {
		return err
	}

	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	repo := repositories.NewAuditRepository(database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orgs := []string{orgID}
	if orgID == "" {
		if orgs, err = repo.ListActiveOrganizations(ctx, time.Time{}); err != nil {
			return fmt.Errorf("failed to list organizations: %w", err)
		}
	}

	broken := 0
	for _, id := range orgs {
		res, err := jobs.VerifyOrganization(ctx, repo, chain, id, pageSize)
		if err != nil {
			return fmt.Errorf("verify %s: %w", id, err)
		}
		if res.Break != nil {
			broken++
			fmt.Printf("%s\tBROKEN\tverified=%d\t%v\n", id, res.Verified, res.Break)
			continue
		}
		fmt.Printf("%s\tok\tverified=%d\thead=%d\n", id, res.Verified, res.HeadSeq)
	}

	if broken > 0 {
		return fmt.Errorf("%d of %d audit chains are broken", broken, len(orgs))
	}
	return nil
}
