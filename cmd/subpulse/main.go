// Command subpulse runs the live progress engine: it polls the pipeline API
// for running jobs, holds one push subscription per job, and serves the
// aggregated progress state over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/subpulse/subpulse/internal/api"
	"github.com/subpulse/subpulse/internal/config"
	"github.com/subpulse/subpulse/internal/jobsource"
	"github.com/subpulse/subpulse/internal/logging"
	"github.com/subpulse/subpulse/internal/metrics"
	"github.com/subpulse/subpulse/internal/progress"
	"github.com/subpulse/subpulse/internal/progress/sinks"
	"github.com/subpulse/subpulse/internal/stream"
	"github.com/subpulse/subpulse/internal/tracker"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "subpulse:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	streamClient, err := stream.NewClient(stream.Config{
		BaseURL:    cfg.Source.BaseURL,
		Token:      cfg.Source.Token,
		BufferSize: cfg.Stream.BufferSize,
		Logger:     logger.Named("stream"),
	})
	if err != nil {
		return fmt.Errorf("build stream client: %w", err)
	}

	trk := tracker.New(tracker.Config{
		EventLogCap:        cfg.Tracker.EventLogCap,
		RateWindow:         cfg.RateWindow(),
		TickInterval:       cfg.TickInterval(),
		ResubscribeOnError: cfg.Stream.ResubscribeOnError,
		ClampPhaseDisplay:  cfg.Tracker.ClampPhaseDisplay,
		Logger:             logger.Named("tracker"),
		Recorder:           recorder,
		Sinks:              []progress.Sink{sinks.NewLogSink(logger.Named("events"))},
	}, tracker.SubscriberFunc(func(ctx context.Context, jobID string) (tracker.Subscription, error) {
		return streamClient.Subscribe(ctx, jobID)
	}))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := trk.Close(closeCtx); err != nil {
			logger.Warn("tracker close", zap.Error(err))
		}
	}()

	source, err := jobsource.NewClient(jobsource.Config{
		BaseURL: cfg.Source.BaseURL,
		Token:   cfg.Source.Token,
		Timeout: cfg.SourceTimeout(),
	})
	if err != nil {
		return fmt.Errorf("build job source: %w", err)
	}

	poller := jobsource.NewPoller(source, trk, cfg.PollInterval(), cfg.SourceTimeout(), logger.Named("poller"))
	go poller.Run(ctx)

	server := api.NewServer(trk, source, metrics.Handler(registry), logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("subpulse started",
		zap.String("source", cfg.Source.BaseURL),
		zap.Duration("poll_interval", cfg.PollInterval()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
