package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mcpd-dev/mcpd/internal/broadcast"
	"github.com/mcpd-dev/mcpd/internal/config"
	"github.com/mcpd-dev/mcpd/internal/contextstore"
	"github.com/mcpd-dev/mcpd/internal/logger"
	"github.com/mcpd-dev/mcpd/internal/metrics"
	"github.com/mcpd-dev/mcpd/internal/protocol"
	"github.com/mcpd-dev/mcpd/internal/server"
	"github.com/mcpd-dev/mcpd/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mcpd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "daemon config file (toml/yaml/json)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogColor)

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}
	contexts, err := contextstore.New(cfg.ContextDir, log)
	if err != nil {
		return err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sup := supervisor.New(manifest, supervisor.Options{
		StartGrace: cfg.StartGrace,
		StopWait:   cfg.StopWait,
		ServerLog:  cfg.ServerLog,
	}, log)

	sinks, err := cfg.History.Sinks()
	if err != nil {
		return fmt.Errorf("history sinks: %w", err)
	}
	sup.SetHistorySinks(sinks...)

	registry := protocol.NewRegistry()
	protocol.RegisterSupervisor(registry, sup)
	protocol.RegisterContextStore(registry, contexts)
	dispatcher := protocol.NewDispatcher(registry, contexts, cfg.DispatchWorkers, log)

	caster := broadcast.New(sup, cfg.BroadcastInterval, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go caster.Run(ctx)

	router := server.NewRouter(sup, contexts, dispatcher, caster, cfg.BasePath)
	srv := server.NewServer(cfg.Listen, router)
	log.Info("mcpd daemon started", "listen", cfg.Listen, "manifest", cfg.ManifestPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	cancel() // stops the broadcaster and closes subscribers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Warn("http shutdown", "error", err)
	}
	sup.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
	return nil
}
