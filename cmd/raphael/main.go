// Command raphael runs the local-first trace and wide-event viewer: OTLP
// ingest, drop-scoped query API, live WebSocket fan-out, and the retention
// pruner, all against a single embedded database file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/raphael-dev/raphael/internal/auth"
	"github.com/raphael-dev/raphael/internal/config"
	"github.com/raphael-dev/raphael/internal/drops"
	"github.com/raphael-dev/raphael/internal/hub"
	"github.com/raphael-dev/raphael/internal/ingest"
	"github.com/raphael-dev/raphael/internal/pruner"
	"github.com/raphael-dev/raphael/internal/query"
	"github.com/raphael-dev/raphael/internal/ratelimit"
	"github.com/raphael-dev/raphael/internal/secrets"
	"github.com/raphael-dev/raphael/internal/server"
	"github.com/raphael-dev/raphael/internal/storage"
	"github.com/raphael-dev/raphael/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RAPHAEL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("raphael starting", "version", version, "port", cfg.Port, "db", cfg.DBPath)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the embedded row store. Schema creation and migrations run here.
	store, err := storage.Open(ctx, cfg.DBPath, storage.Options{
		Synchronous:            cfg.Synchronous,
		BusyTimeout:            cfg.BusyTimeout,
		WALAutocheckpointPages: cfg.WALAutocheckpointPages,
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	// Secrets key: env override or the 0600 key file beside the database.
	key, err := secrets.LoadKey(cfg.DataDir, cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	keeper, err := secrets.NewKeeper(key)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	// Session validation and the request principal resolver.
	sessions, err := auth.NewJWTSessions(cfg.SessionPrivateKey, cfg.SessionPublicKey, cfg.SessionExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	resolver := auth.NewResolver(store, sessions, cfg.AuthEnabled, cfg.AdminEmail, cfg.PasswordLoginEnabled, logger)
	if cfg.AuthEnabled {
		logger.Info("auth enabled", "admin_email", cfg.AdminEmail != "")
	} else {
		logger.Warn("auth disabled, all requests are privileged")
	}

	registry := drops.NewRegistry(store, logger)
	liveHub := hub.New(logger)
	pipeline := ingest.NewPipeline(store, liveHub, ingest.Options{
		MaxBroadcastItems: cfg.BroadcastMaxItems,
		BroadcastChunk:    cfg.BroadcastBatchSize,
	}, logger)
	engine := query.NewEngine(store)

	prune := pruner.New(store, pruner.Options{
		Interval: cfg.PruneInterval,
		Deadline: cfg.PruneMaxRuntime,
		Batch:    cfg.PruneBatchSize,
	}, logger)
	registry.SetPruner(prune)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		Registry:            registry,
		Pipeline:            pipeline,
		Engine:              engine,
		Hub:                 liveHub,
		Resolver:            resolver,
		Keeper:              keeper,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := prune.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("raphael shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		return srv.Shutdown(httpCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("raphael stopped")
	return nil
}
