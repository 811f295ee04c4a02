package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/api"
	"github.com/taskmesh/orchestrator/server/internal/assignment"
	"github.com/taskmesh/orchestrator/server/internal/config"
	"github.com/taskmesh/orchestrator/server/internal/enrichment"
	"github.com/taskmesh/orchestrator/server/internal/metrics"
	"github.com/taskmesh/orchestrator/server/internal/queue"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/server/internal/session"
	"github.com/taskmesh/orchestrator/server/internal/statusrelay"
	"github.com/taskmesh/orchestrator/server/internal/store"
	"github.com/taskmesh/orchestrator/shared/types"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskmesh-server",
		Short: "taskmesh orchestrator — brokers scraping work between the backend and a worker fleet",
		Long: `taskmesh-server is the control plane of the orchestrator. It accepts
task submissions over HTTP, holds a priority queue per worker type, and
dispatches work to connected scraper workers over a websocket session
protocol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskmesh-server %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting taskmesh server",
		zap.String("version", version),
		zap.String("host", cfg.Host),
		zap.String("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer st.Close()

	var q *queue.Queue
	reg := registry.New(st, cfg.WorkerTokens, cfg.WorkerTimeout, 3*cfg.WorkerTimeout, logger, func(workerID, taskID string) {
		q.Fail(ctx, taskID, "worker heartbeat timed out")
	})
	q = queue.New(st, reg, cfg.TaskTimeout, cfg.RetryLimit, logger)

	asgn, err := assignment.New(q, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to create assignment loop: %w", err)
	}
	if err := asgn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start assignment loop: %w", err)
	}
	defer func() {
		if err := asgn.Stop(); err != nil {
			logger.Warn("assignment loop shutdown error", zap.Error(err))
		}
	}()

	relay := statusrelay.New(cfg.BackendStatusURL, logger)

	enrichMgr, err := enrichment.New(cfg.BackendURL, reg, q, logger)
	if err != nil {
		return fmt.Errorf("failed to create enrichment manager: %w", err)
	}
	relay.SetEnrichmentHook(enrichMgr)
	if err := enrichMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start enrichment manager: %w", err)
	}
	defer func() {
		if err := enrichMgr.Stop(); err != nil {
			logger.Warn("enrichment manager shutdown error", zap.Error(err))
		}
	}()

	go reg.RunHeartbeatMonitor(ctx, cfg.HeartbeatInterval)

	collector := metrics.New(func(ctx context.Context) (map[string]types.WorkerStats, map[string]int) {
		workerStats := reg.Stats("")
		queueStats := q.Stats(ctx)
		pending := make(map[string]int, len(queueStats))
		for apiType, s := range queueStats {
			pending[apiType] = s.Pending
		}
		return workerStats, pending
	})
	prometheus.MustRegister(collector)

	sessionHandler := &session.Handler{
		Registry: reg,
		Queue:    q,
		Relay:    relay,
		Logger:   logger,
	}

	router := api.NewRouter(api.RouterConfig{
		Handlers: &api.Handlers{
			Queue:    q,
			Registry: reg,
			APITypes: config.APITypes,
			Logger:   logger,
		},
		SessionHandler: sessionHandler,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down taskmesh server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("taskmesh server stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
