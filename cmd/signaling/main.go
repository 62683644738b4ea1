// Command signaling runs the signaling process: the Peer Registry plus its
// two WebSocket upgrade endpoints (/ws/server for media workers, /ws/client
// for browser clients) and the admin HTTP surface (POST /call, /healthz,
// /metrics). Grounded on the teacher's cmd/server/main.go wiring order
// (config -> logger/metrics/health -> services -> HTTP listener in a
// goroutine -> signal-driven graceful shutdown), with the PostgreSQL/Redis
// infrastructure section dropped: this process has no persisted state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxrelay/voxrelay/internal/api"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/signalserver"
	"github.com/voxrelay/voxrelay/pkg/version"
)

func main() {
	configPath := os.Getenv("VOXRELAY_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:        cfg.GetLogLevel(),
		Format:       cfg.Logging.Format,
		OutputPath:   cfg.Logging.OutputPath,
		ErrorPath:    cfg.Logging.ErrorPath,
		EnableCaller: cfg.Logging.EnableCaller,
		EnableStack:  cfg.Logging.EnableStack,
		Service:      "voxrelay-signaling",
		Version:      version.Version,
	})

	logger.Info().Str("version", version.Version).Msg("starting voxrelay signaling server")

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(logger, version.Version)
	if cfg.Observability.HealthCacheTTL > 0 {
		health.SetCacheTTL(cfg.Observability.HealthCacheTTL)
	}

	reg := registry.New(logger)
	health.RegisterCheck("registry", observability.RegistryHealthCheck(func() error {
		_ = reg.WorkerCount()
		return nil
	}))

	sigServer := signalserver.New(reg, health, logger)
	adminServer := api.New(cfg.Signaling, reg, health, metrics, logger)

	wsAddr := fmt.Sprintf("%s:%d", cfg.Signaling.Host, cfg.Signaling.Port)
	wsHTTPServer := &http.Server{
		Addr:         wsAddr,
		Handler:      sigServer.Handler(),
		ReadTimeout:  cfg.Signaling.ReadTimeout,
		WriteTimeout: cfg.Signaling.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", wsAddr).Msg("websocket signaling listener started")
		if err := wsHTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server error: %w", err)
		}
	}()
	go func() {
		if err := adminServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin HTTP server error: %w", err)
		}
	}()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			if err := cfg.ReloadNonCore(configPath); err != nil {
				logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
				continue
			}
			logger.Info().Msg("configuration reloaded")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, initiating shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signaling.ShutdownTimeout)
	defer cancel()

	if err := wsHTTPServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket server shutdown error")
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin HTTP server shutdown error")
	}

	logger.Info().Msg("voxrelay signaling server shut down")
}
