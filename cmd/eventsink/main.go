package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hszk-dev/gostream-edge/internal/config"
	"github.com/hszk-dev/gostream-edge/internal/eventbus"
	"github.com/hszk-dev/gostream-edge/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	bus, err := eventbus.NewBus(ctx, eventbus.DefaultClientConfig(cfg.RabbitMQ.URL()), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer bus.Close()
	logger.Info("connected to RabbitMQ")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting event sink, consuming cache events")
		err := bus.Consume(ctx, func(evt eventbus.Event) error {
			wg.Add(1)
			defer wg.Done()
			return handleEvent(logger, evt)
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down event sink", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.EventSink.ShutdownTimeout)
	defer shutdownCancel()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all in-flight events processed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, some events may not have been processed")
	}

	logger.Info("event sink stopped")
	return nil
}

// handleEvent logs and counts a single cache-lifecycle event. It never
// returns an error for a recognized event type -- logging/counting
// cannot meaningfully fail, so there is nothing for eventbus's
// republish-with-retry-count path to retry. Unrecognized types are logged once
// and dropped.
func handleEvent(logger *slog.Logger, evt eventbus.Event) error {
	fields := []any{
		slog.String("fingerprint", evt.Fingerprint),
		slog.Int("version", evt.Version),
		slog.String("detail", evt.Detail),
	}
	switch evt.Type {
	case eventbus.EventCacheMiss:
		logger.Info("cache miss", fields...)
		metrics.EventSinkEventsTotal.WithLabelValues(metrics.EventSinkCacheMiss).Inc()
	case eventbus.EventVersionBumped:
		logger.Info("version bumped", fields...)
		metrics.EventSinkEventsTotal.WithLabelValues(metrics.EventSinkVersionBumped).Inc()
	case eventbus.EventFallback:
		logger.Warn("fallback triggered", fields...)
		metrics.EventSinkEventsTotal.WithLabelValues(metrics.EventSinkFallback).Inc()
	case eventbus.EventIntegrityError:
		logger.Error("integrity error", fields...)
		metrics.EventSinkEventsTotal.WithLabelValues(metrics.EventSinkIntegrityError).Inc()
	default:
		logger.Warn("unrecognized event type", append(fields, slog.String("type", string(evt.Type)))...)
		metrics.EventSinkEventsTotal.WithLabelValues(metrics.EventSinkUnrecognized).Inc()
	}
	return nil
}
