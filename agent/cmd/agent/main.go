// Package main is the entry point for the taskmesh worker agent binary.
// It wires the session client, executor, and local status receiver
// together and runs until SIGINT/SIGTERM.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Probe the local scraper API's health endpoint until it answers
//  4. Build executor and session client
//  5. Start the local status receiver and the session's connect loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	agentconfig "github.com/taskmesh/orchestrator/agent/internal/config"
	"github.com/taskmesh/orchestrator/agent/internal/executor"
	"github.com/taskmesh/orchestrator/agent/internal/localapi"
	"github.com/taskmesh/orchestrator/agent/internal/metrics"
	"github.com/taskmesh/orchestrator/agent/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskmesh-agent",
		Short: "taskmesh worker agent",
		Long: `taskmesh-agent connects a wrapped scraper to the orchestrator.
It authenticates over a persistent websocket session, executes assigned
tasks by calling the scraper's local HTTP API, and survives reconnects
without dropping or duplicating work.`,
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
			fmt.Printf("taskmesh-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg := agentconfig.Load()

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.WorkerToken == "" {
		logger.Warn("WORKER_TOKEN not set, authentication will be rejected by the orchestrator")
	}

	logger.Info("starting taskmesh agent",
		zap.String("version", version),
		zap.String("orchestrator_url", cfg.OrchestratorURL),
		zap.String("api_type", cfg.APIType),
		zap.String("local_api_url", cfg.LocalAPIURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := waitForLocalAPI(ctx, cfg.LocalAPIURL, cfg.StartupProbeTimeout, cfg.StartupProbeDeadline, logger); err != nil {
		return err
	}

	exec := executor.New(cfg.LocalAPIURL, logger)

	client := session.New(session.Config{
		OrchestratorURL:   cfg.OrchestratorURL,
		APIType:           cfg.APIType,
		Token:             cfg.WorkerToken,
		AgentName:         "taskmesh-agent",
		AgentVersion:      version,
		LocalAPIURL:       cfg.LocalAPIURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectCap:      cfg.ReconnectCap,
		MetricsFn: func() map[string]string {
			mctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return metrics.Collect(mctx).ToMetadata()
		},
	}, exec, logger)

	statusSrv := localapi.New(client, logger)
	httpSrv := &http.Server{Addr: cfg.LocalStatusURL, Handler: statusSrv.Router()}

	go func() {
		logger.Info("local status receiver listening", zap.String("addr", cfg.LocalStatusURL))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("local status receiver stopped unexpectedly", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	client.Run(ctx)

	logger.Info("taskmesh agent stopped")
	return nil
}

// waitForLocalAPI polls the local scraper API's health endpoint until it
// answers or deadline elapses. The agent must not accept tasks before its
// wrapped scraper is actually reachable.
func waitForLocalAPI(ctx context.Context, localAPIURL string, probeTimeout, deadline time.Duration, logger *zap.Logger) error {
	client := &http.Client{Timeout: probeTimeout}
	deadlineAt := time.Now().Add(deadline)

	for {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, localAPIURL+"/health", nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 500 {
					cancel()
					logger.Info("local API healthy, proceeding to connect")
					return nil
				}
			}
		}
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadlineAt) {
			return fmt.Errorf("local API at %s did not become healthy within %s", localAPIURL, deadline)
		}

		logger.Info("waiting for local API to become healthy", zap.String("url", localAPIURL))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeTimeout):
		}
	}
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
