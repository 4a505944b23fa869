// Package app wires syncstorage-go's configuration into a runnable process:
// the tokenserver HTTP surface, the storage HTTP surface, or the
// background worker, selected by cfg.Mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mozilla-services/syncstorage-go/internal/clock"
	"github.com/mozilla-services/syncstorage-go/internal/config"
	"github.com/mozilla-services/syncstorage-go/internal/db"
	"github.com/mozilla-services/syncstorage-go/internal/httpserver"
	"github.com/mozilla-services/syncstorage-go/internal/platform"
	"github.com/mozilla-services/syncstorage-go/internal/telemetry"
	"github.com/mozilla-services/syncstorage-go/pkg/hawk"
	"github.com/mozilla-services/syncstorage-go/pkg/storage"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/batch"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/bso"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/collections"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/ledger"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/nodes"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/token"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/verifier"
)

// serviceName is the logical node-pool identity both C2 (allocation) and
// C4 (token issuance) key off of; syncstorage-go only ever runs one sync
// service generation, unlike the multi-service original.
const serviceName = "sync-1.5"

// Run dispatches to the run mode selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch cfg.Mode {
	case "tokenserver":
		return runTokenserver(ctx, cfg)
	case "storage":
		return runStorage(ctx, cfg)
	case "worker":
		return runWorker(ctx, cfg)
	default:
		return fmt.Errorf("unknown SYNCSTORAGE_MODE %q", cfg.Mode)
	}
}

func runTokenserver(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger("tokenserver", cfg.LogFormat, cfg.LogLevel)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	v, err := buildVerifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building verifier: %w", err)
	}

	nodeStore := nodes.NewPGStore(pool)
	allocator := nodes.NewAllocator(nodeStore, cfg.NodeReleaseRate, cfg.DedicatedNodeURL)

	userLedger := ledger.New(ledger.NewPGStore(pool), tokenserver.NewAllocatorAdapter(allocator))

	chain := token.SplitChainConfig(cfg.TokenSecrets)
	issuer := token.NewIssuer(chain, cfg.DefaultTokenDuration)

	service := tokenserver.NewService(v, userLedger, issuer, chain, nodeStore, serviceName)

	opsAlert := telemetry.NewOpsNotifier(cfg.SlackOpsWebhookURL, logger)
	handler := tokenserver.NewHandler(logger, service, opsAlert)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(httpserver.ServerConfig{}, logger, metricsReg, map[string]httpserver.PingFunc{
		"postgres": pool.Ping,
	})
	srv.Router.Mount("/1.0", handler.Routes())

	return serve(ctx, cfg, logger, srv)
}

func runStorage(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger("storage", cfg.LogFormat, cfg.LogLevel)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPoolSize, time.Duration(cfg.RedisDialTimeoutMS)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	clk := clock.New()

	registry := collections.NewRegistry(collections.NewPGStore(pool))

	bsoLimits := bso.Limits{
		MaxRecordPayloadBytes: cfg.MaxRecordPayloadBytes,
		DefaultTTLSeconds:     int64(cfg.DefaultBSOTTLSeconds),
		QuotaSizeKB:           int64(cfg.QuotaSizeKB),
	}
	bsoStore := bso.NewPGStore(pool)
	bsoSvc := bso.NewService(bsoStore, registry, clk, bsoLimits)

	batchEngine := batch.NewEngine(pool, batch.NewPGStore(pool), registry, bsoLimits, clk)

	storageLimits := storage.Limits{
		MaxIDsPerRequest:      cfg.MaxIDsPerRequest,
		InternalPageCap:       cfg.InternalPageCap,
		MaxPostRecords:        cfg.MaxPostRecords,
		MaxPostBytes:          cfg.MaxPostBytes,
		MaxTotalRecords:       cfg.MaxTotalRecords,
		MaxTotalBytes:         cfg.MaxTotalBytes,
		MaxRecordPayloadBytes: cfg.MaxRecordPayloadBytes,
		MaxRequestBytes:       cfg.MaxRequestBytes,
		DefaultBSOTTLSeconds:  int64(cfg.DefaultBSOTTLSeconds),
		QuotaSizeKB:           int64(cfg.QuotaSizeKB),
		BatchTTLSeconds:       int64(cfg.BatchTTLSeconds),
	}
	handler := storage.NewHandler(logger, bsoSvc, batchEngine, registry, clk, storageLimits)

	chain := token.SplitChainConfig(cfg.TokenSecrets)
	issuer := token.NewIssuer(chain, cfg.DefaultTokenDuration)
	skew := time.Duration(cfg.HawkSkewToleranceSeconds) * time.Second
	nonces := hawk.NewRedisNonceCache(rdb)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, metricsReg, map[string]httpserver.PingFunc{
		"postgres": pool.Ping,
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	})
	srv.Router.Route("/1.5/{uid}", func(r chi.Router) {
		r.Use(hawk.Middleware(logger, issuer, chain, nonces, skew))
		r.Mount("/", handler.Routes())
	})

	return serve(ctx, cfg, logger, srv)
}

// sweepInterval is how often the worker mode runs its maintenance pass.
// The original cron-driven purge/release jobs ran roughly hourly; one
// long-lived loop with this period replaces the external scheduler.
const sweepInterval = time.Hour

// runWorker runs the periodic maintenance sweeps with no HTTP surface:
// purging expired BSOs, expiring stale uncommitted batches, and pruning
// old committed-batch tombstones. Node capacity release happens inline
// inside nodes.Allocator.Assign and needs no separate sweep; Hawk nonce
// reservations expire on their own via Redis TTL.
func runWorker(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger("worker", cfg.LogFormat, cfg.LogLevel)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	clk := clock.New()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	logger.Info("worker started", "sweep_interval", sweepInterval.String())

	for {
		runSweep(ctx, logger, pool, clk, cfg)

		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func runSweep(ctx context.Context, logger *slog.Logger, pool db.DBTX, clk *clock.Clock, cfg *config.Config) {
	now := clk.Centiseconds()

	if n, err := bso.NewPGStore(pool).PurgeExpired(ctx, now); err != nil {
		logger.Error("purging expired bsos", "error", err)
	} else if n > 0 {
		logger.Info("purged expired bsos", "count", n)
	}

	batchCutoff := now - int64(cfg.BatchTTLSeconds)*100
	if n, err := batch.DeleteExpiredUncommitted(ctx, pool, batchCutoff); err != nil {
		logger.Error("sweeping expired uncommitted batches", "error", err)
	} else if n > 0 {
		logger.Info("swept expired uncommitted batches", "count", n)
	}

	// Committed batch tombstones only need to survive long enough to
	// guarantee their id is never reissued; a week is comfortably longer
	// than any client's batch retry window.
	tombstoneCutoff := now - 7*24*3600*100
	if n, err := batch.PruneCommittedTombstones(ctx, pool, tombstoneCutoff); err != nil {
		logger.Error("pruning committed batch tombstones", "error", err)
	} else if n > 0 {
		logger.Info("pruned committed batch tombstones", "count", n)
	}
}

func buildVerifier(ctx context.Context, cfg *config.Config) (verifier.Verifier, error) {
	if cfg.VerifierURL != "" {
		return verifier.NewRemoteVerifier(cfg.VerifierURL, cfg.RequiredScope, 10*time.Second), nil
	}
	if cfg.OIDCIssuerURL != "" {
		return verifier.NewJWKVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.RequiredScope)
	}
	return nil, fmt.Errorf("neither TOKENSERVER_VERIFIER_URL nor TOKENSERVER_OIDC_ISSUER_URL is configured")
}

// serve runs srv until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, srv *httpserver.Server) error {
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr(), "mode", cfg.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	}
}
