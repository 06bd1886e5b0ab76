// Package main runs the SiteWatch rule engine. Detector frames arrive over
// the embedded NATS bus and verdicts go back out on it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Spatial-NVR/SiteWatch/internal/api"
	"github.com/Spatial-NVR/SiteWatch/internal/bridge"
	"github.com/Spatial-NVR/SiteWatch/internal/config"
	"github.com/Spatial-NVR/SiteWatch/internal/core"
	"github.com/Spatial-NVR/SiteWatch/internal/database"
	"github.com/Spatial-NVR/SiteWatch/internal/dispatch"
	"github.com/Spatial-NVR/SiteWatch/internal/events"
	"github.com/Spatial-NVR/SiteWatch/internal/logging"
	"github.com/Spatial-NVR/SiteWatch/internal/metrics"
	"github.com/Spatial-NVR/SiteWatch/internal/pipeline"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "config/sitewatch.yaml"), "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("SiteWatch failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logs, level := logging.Setup(logging.Options{
		Level:      cfg.System.Logging.Level,
		Format:     cfg.System.Logging.Format,
		BufferSize: cfg.System.Logging.BufferSize,
	})

	slog.Info("Starting SiteWatch",
		"version", version,
		"config_path", configPath,
		"streams", len(cfg.EnabledStreams()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.OpenAndMigrate(ctx, &database.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ports := core.NewPortManager()
	eventBus, err := core.NewEventBus(core.EventBusConfig{
		Host:        cfg.EventBus.Host,
		Port:        cfg.EventBus.Port,
		MaxPayload:  int32(cfg.EventBus.MaxPayloadMB) << 20,
		PortManager: ports,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer eventBus.Stop()

	m := metrics.New()
	eventService := events.NewService(db)

	retention := events.NewRetention(eventService, cfg.Events.RetentionDays, 0)
	retention.Start(ctx)
	defer retention.Stop()

	var remote *bridge.Bridge
	if cfg.Bridge.Enabled {
		remote = bridge.New(pipeline.BridgeConfig(cfg.Bridge), bridge.WithMetrics(m))
		remote.Start(ctx)
		defer remote.Stop()
	}

	dc, err := pipeline.DispatchConfig(cfg)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(dc, pipeline.SharedDeps(cfg, remote, m))
	if err != nil {
		return fmt.Errorf("failed to build rule engines: %w", err)
	}

	hub := api.NewHub(cfg.API.CORSOrigins...)
	go hub.Run(ctx)
	go forwardLogs(ctx, logs, hub)

	pipe := pipeline.New(pipeline.Deps{
		Config:     cfg,
		Dispatcher: dispatcher,
		Bus:        eventBus,
		Events:     eventService,
		Hub:        hub,
		Bridge:     remote,
		Metrics:    m,
	})
	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer pipe.Stop()

	cfg.OnChange(func(c *config.Config) {
		level.Set(logging.ParseLevel(c.System.Logging.Level))
		pipe.OnConfigChange(c)
	})
	if err := cfg.Watch(); err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	}

	checks := map[string]api.HealthCheck{
		"database":  db.Health,
		"event_bus": eventBus.HealthCheck,
	}
	if remote != nil {
		checks["bridge"] = func(context.Context) error {
			if s := remote.State(); s != bridge.Connected {
				return fmt.Errorf("remote detector %s", s)
			}
			return nil
		}
	}

	srv := api.NewServer(api.Deps{
		Streams:     dispatcher,
		Events:      eventService,
		Logs:        logs,
		Hub:         hub,
		Metrics:     m.Handler(),
		Checks:      checks,
		CORSOrigins: cfg.API.CORSOrigins,
		Version:     version,
		Schema:      db.SchemaVersion,
	})

	server := &http.Server{
		Addr:        cfg.API.Listen,
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: /api/logs/stream is long lived
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("Server starting", "address", cfg.API.Listen, "nats", eventBus.ClientURL())
	serverErr := startServer(server)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := awaitShutdown(sigChan, serverErr)

	if err := eventBus.Publish(core.SubjectSystemShutdown, map[string]string{"reason": "shutdown"}); err != nil {
		slog.Warn("Failed to announce shutdown", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
	return runErr
}

// startServer serves in the background. The channel carries the error that
// stopped the server, unless it was closed by Shutdown.
func startServer(server *http.Server) <-chan error {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	return serverErr
}

// awaitShutdown blocks until a signal arrives or the server fails. A server
// failure is returned so the process exits non-zero.
func awaitShutdown(sigs <-chan os.Signal, serverErr <-chan error) error {
	select {
	case sig := <-sigs:
		slog.Info("Shutting down", "signal", sig.String())
		return nil
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		return fmt.Errorf("api server: %w", err)
	}
}

// forwardLogs streams captured log entries to websocket clients. The hub's
// own entries are skipped so a full broadcast queue cannot feed itself.
func forwardLogs(ctx context.Context, logs *logging.RingBuffer, hub *api.Hub) {
	ch := logs.Subscribe()
	defer logs.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if entry.Component == "websocket-hub" {
				continue
			}
			hub.Broadcast(api.LogMessage(entry))
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
