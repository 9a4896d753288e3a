// Command capstand is the Capstan daemon: it loads plugin manifests, opens
// the instance store, and runs the worker supervisor behind the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/capstanhq/capstan/config"
	"github.com/capstanhq/capstan/events"
	"github.com/capstanhq/capstan/instance"
	"github.com/capstanhq/capstan/internal/version"
	"github.com/capstanhq/capstan/plugin"
	"github.com/capstanhq/capstan/server"
	"github.com/capstanhq/capstan/tool"
	"github.com/capstanhq/capstan/worker"
)

var configPath = flag.String("config", "capstan.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting capstand",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	descs, err := plugin.LoadDir(cfg.PluginsDir)
	if err != nil {
		log.Fatalf("load plugin manifests: %v", err)
	}
	logger.Info("plugins loaded", "count", len(descs), "dir", cfg.PluginsDir)

	store, err := instance.NewStore(filepath.Join(cfg.DataDir, "capstan.db"))
	if err != nil {
		log.Fatalf("open instance store: %v", err)
	}
	defer store.Close()

	policy, err := tool.NewPolicyStore(store.DB())
	if err != nil {
		log.Fatalf("open policy store: %v", err)
	}

	bus := events.NewBus()
	tokens := worker.NewTokenIssuer(cfg.Auth.JWTSecret, 24*time.Hour)
	containers := worker.NewContainerRunner(logger, cfg.Workers.StopGrace)
	defer containers.Close()

	sup := worker.NewSupervisor(worker.SupervisorOptions{
		Config:      cfg.Workers,
		BaseURL:     cfg.InternalBaseURL(),
		Descriptors: descs,
		Store:       store,
		Bus:         bus,
		Tokens:      tokens,
		Containers:  containers,
		Logger:      logger,
	})
	router := tool.NewRouter(tool.RouterOptions{
		Descriptors:      descs,
		Store:            store,
		Workers:          sup,
		Policy:           policy,
		Logger:           logger,
		DiscoveryTimeout: cfg.Workers.DiscoveryTimeout,
		ExecTimeout:      cfg.Workers.CallTimeout,
	})
	srv := server.New(server.Options{
		Config:      cfg,
		Descriptors: descs,
		Store:       store,
		Supervisor:  sup,
		Router:      router,
		Policy:      policy,
		Bus:         bus,
		Tokens:      tokens,
		Version:     version.String(),
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	sup.StopAll(shutdownCtx)
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop", "error", err)
	}
	logger.Info("shutdown complete")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
