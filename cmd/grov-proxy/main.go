// Package main is the entry point for the grov-proxy binary: an intercepting
// proxy between a coding agent and its upstream LLM API that injects team
// knowledge, tracks sessions, and watches for goal drift.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/common/config"
	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/common/tracing"
	"github.com/grovhq/grov-proxy/internal/drift"
	"github.com/grovhq/grov-proxy/internal/events"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/orchestrator"
	"github.com/grovhq/grov-proxy/internal/proxy/adapter"
	"github.com/grovhq/grov-proxy/internal/proxy/cache"
	"github.com/grovhq/grov-proxy/internal/server"
	"github.com/grovhq/grov-proxy/internal/session/manager"
	"github.com/grovhq/grov-proxy/internal/session/repository"
)

const sessionSweepInterval = 10 * time.Minute

func main() {
	root := &cobra.Command{
		Use:           "grov-proxy",
		Short:         "Team-memory proxy for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var debug bool
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(debug)
		},
	}
	start.Flags().BoolVar(&debug, "debug", false, "enable verbose logging")
	root.AddCommand(start)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "grov-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run(debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting grov-proxy",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	repo, err := repository.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	sessions := manager.New(repo, eventBus, log)
	sessions.StartSweeper(ctx, sessionSweepInterval)

	memClient := memory.NewClient(cfg.Memory.ServiceURL, cfg.Memory.TimeoutDuration(), log)
	analysis := analyzer.NewHTTP(cfg.Memory.ServiceURL, cfg.Memory.TimeoutDuration(), log)

	orch := orchestrator.New(repo, analysis, memClient, sessions, eventBus, log)
	machine := drift.New(repo, analysis, eventBus, cfg.Pipeline.DriftCheckInterval, log)

	registry := adapter.NewRegistry()
	registry.Register(adapter.NewClaude(cfg.Upstream.AnthropicBaseURL, cfg.Upstream.TimeoutDuration(), log))
	registry.Register(adapter.NewCodex(cfg.Upstream.OpenAIBaseURL, cfg.Upstream.TimeoutDuration(), log))

	extCache, err := cache.New(cfg.Pipeline.ExtendedCacheEnabled, eventBus, log)
	if err != nil {
		return fmt.Errorf("failed to initialize extended cache: %w", err)
	}
	extCache.Run(ctx)

	srv := server.New(server.Deps{
		Config:   cfg,
		Registry: registry,
		State:    memory.NewEngine(log),
		Memories: memClient,
		Sessions: sessions,
		Orch:     orch,
		Drift:    machine,
		Analyzer: analysis,
		Repo:     repo,
		Cache:    extCache,
		Bus:      eventBus,
		Logger:   log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	srv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Debug("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Goodbye")
	return nil
}
