package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/gostream-edge/internal/api/handler"
	"github.com/hszk-dev/gostream-edge/internal/api/middleware"
	"github.com/hszk-dev/gostream-edge/internal/background"
	"github.com/hszk-dev/gostream-edge/internal/chunkstore"
	"github.com/hszk-dev/gostream-edge/internal/coalescer"
	"github.com/hszk-dev/gostream-edge/internal/config"
	"github.com/hszk-dev/gostream-edge/internal/debugui"
	"github.com/hszk-dev/gostream-edge/internal/edgecache"
	"github.com/hszk-dev/gostream-edge/internal/eventbus"
	"github.com/hszk-dev/gostream-edge/internal/fallback"
	"github.com/hszk-dev/gostream-edge/internal/infrastructure/postgres"
	"github.com/hszk-dev/gostream-edge/internal/orchestrator"
	"github.com/hszk-dev/gostream-edge/internal/pathmatch"
	"github.com/hszk-dev/gostream-edge/internal/policy"
	"github.com/hszk-dev/gostream-edge/internal/transformer"
	"github.com/hszk-dev/gostream-edge/internal/versionstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	policyStore, err := loadPolicyStore(cfg, logger)
	if err != nil {
		return err
	}
	pol := policyStore.Get()

	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	logger.Info("connected to PostgreSQL")

	versions, err := versionstore.New(pgClient.Pool(), cfg.Server.DiagCacheSize)
	if err != nil {
		return fmt.Errorf("failed to construct version store: %w", err)
	}
	if err := versions.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to provision version store schema: %w", err)
	}

	chunks, err := chunkstore.NewStore(ctx, chunkstore.ClientConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	}, pol.MaxChunks, pol.ChunkWriteConcurrency, pol.ChunkLockMaxHold, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	logger.Info("connected to MinIO")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	edge := edgecache.New(redisClient)
	logger.Info("connected to Redis")

	bus, err := eventbus.NewBus(ctx, eventbus.DefaultClientConfig(cfg.RabbitMQ.URL()), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer bus.Close()
	logger.Info("connected to RabbitMQ")

	bgPool := background.NewPool(cfg.Server.FallbackPoolConcurrency, logger)
	defer bgPool.Shutdown(cfg.Server.ShutdownTimeout)

	fallbackStreamer := fallback.New(chunks, bgPool, logger,
		pol.HardSkipThreshold, pol.ChunkThreshold, pol.StandardChunkSize)

	upstream, err := transformer.New(transformer.Config{
		BaseURL: cfg.Transformer.BaseURL,
		Timeout: cfg.Transformer.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to configure transformer client: %w", err)
	}

	coalescerInstance := coalescer.New()
	orch := orchestrator.New(orchestrator.Config{
		Versions:  versions,
		Chunks:    chunks,
		Edge:      edge,
		Coalescer: coalescerInstance,
		Fallback:  fallbackStreamer,
		BgPool:    bgPool,
		Events:    bus,
		Origin:    upstream,
		Policy:    policyStore,
		Logger:    logger,
	})

	patterns, err := compilePatterns(cfg.Server.PathPatterns)
	if err != nil {
		return err
	}

	gatewayHandler := handler.NewGatewayHandler(orch, upstream, patterns, logger)
	adminHandler := handler.NewAdminHandler(orch, logger)
	debugHandler := debugui.New(orchestratorDiagnostician{orch}, coalescerAdapter{coalescerInstance.CurrentStats})

	r := setupRouter(logger, gatewayHandler, http.HandlerFunc(adminHandler.Invalidate), debugHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gateway", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down gateway", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func setupRouter(logger *slog.Logger, gatewayHandler, adminHandler, debugHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.Health)
	r.Get("/_debug/cache", debugHandler.ServeHTTP)
	r.Post("/admin/invalidate/{key}", adminHandler.ServeHTTP)
	r.Handle("/*", gatewayHandler)

	return r
}

func loadPolicyStore(cfg *config.Config, logger *slog.Logger) (*policy.Store, error) {
	pol, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	store := policy.NewStore(pol)

	if cfg.Policy.Path != "" && cfg.Policy.WatchFile {
		watcher, err := policy.Watch(cfg.Policy.Path, store, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch policy file: %w", err)
		}
		_ = watcher // left running for the process lifetime; never closed on this path
	}
	return store, nil
}

// orchestratorDiagnostician adapts orchestrator.Orchestrator's
// GetDiagnostics (which returns orchestrator.Diagnostics, carrying a
// time.Time) to debugui.Diagnostician (which wants a pre-formatted
// string), since Go does not let a named orchestrator.Diagnostics value
// satisfy an interface declared against debugui's own identically-shaped
// type.
type orchestratorDiagnostician struct {
	orch *orchestrator.Orchestrator
}

func (a orchestratorDiagnostician) GetDiagnostics(ctx context.Context, key string) (debugui.Diagnostics, error) {
	d, err := a.orch.GetDiagnostics(ctx, key)
	if err != nil {
		return debugui.Diagnostics{}, err
	}
	lastSeen := ""
	if !d.LastSeen.IsZero() {
		lastSeen = d.LastSeen.UTC().Format(time.RFC3339)
	}
	return debugui.Diagnostics{Version: d.Version, LastSeen: lastSeen}, nil
}

// coalescerAdapter adapts a func returning coalescer.Stats to
// debugui.Coalescer, for the same reason as orchestratorDiagnostician
// above.
type coalescerAdapter struct {
	statsFn func() coalescer.Stats
}

func (a coalescerAdapter) CurrentStats() debugui.Stats {
	s := a.statsFn()
	return debugui.Stats{InFlightFingerprints: s.InFlightFingerprints}
}

func compilePatterns(raw []string) ([]pathmatch.Pattern, error) {
	patterns := make([]pathmatch.Pattern, 0, len(raw))
	for _, p := range raw {
		compiled, err := pathmatch.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile path pattern %q: %w", p, err)
		}
		patterns = append(patterns, compiled)
	}
	return patterns, nil
}
