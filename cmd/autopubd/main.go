package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/api"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/config"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/genai"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/logging"
	autopubmcp "github.com/minseochh02/egdesk-scratch-sub005/internal/mcp"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/notify"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/store"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/taxonomy"
	"github.com/minseochh02/egdesk-scratch-sub005/internal/wordpress"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	courier := &http.Client{Timeout: 2 * time.Minute}
	pipeline := &core.Pipeline{
		Content: func(p core.AIParams) core.ContentGenerator {
			return genai.NewClient(p, courier)
		},
		Images: func(ai core.AIParams, p core.ImageParams) core.ImageGenerator {
			return genai.NewImageClient(ai, p, courier)
		},
		Backend: func(p core.SiteParams) (core.SitePublisher, core.TermResolver) {
			client := wordpress.NewClient(p, courier)
			return client, taxonomy.NewResolver(client, logger)
		},
		Courier:  courier,
		Progress: storeInst,
		Logger:   logger,
	}

	notifier := buildNotifier(cfg, logger)
	scheduler := core.NewScheduler(storeInst, pipeline, notifier, logger, cfg.Scheduler.Tick)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	scheduler.Start(ctx)

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, scheduler, logger)
	case "mcp":
		runMCPMode(storeInst, scheduler, logger, cancel)
	case "both":
		runBothMode(cfg, storeInst, scheduler, logger)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	if !cfg.Bark.Enabled {
		return &notify.NoOpNotifier{}
	}
	bark, err := notify.NewBarkNotifier(cfg.Bark.URL)
	if err != nil {
		logger.Warn("bark notifier disabled", "err", err)
		return &notify.NoOpNotifier{}
	}
	return bark
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, scheduler, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdown(cfg, server, scheduler, logger)
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger, cancel context.CancelFunc) {
	mcpServer := autopubmcp.NewMCPServer(storeInst, scheduler, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
		scheduler.Stop()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts the HTTP server with the MCP server in the background.
func runBothMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger) {
	mcpServer := autopubmcp.NewMCPServer(storeInst, scheduler, logger)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, scheduler, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdown(cfg, server, scheduler, logger)
	logger.Info("shutdown complete")
}

func shutdown(cfg *config.Config, server *api.Server, scheduler *core.Scheduler, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("scheduler stop timed out")
	}
}
