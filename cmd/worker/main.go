// Command worker runs one media worker process: a single outbound uplink to
// the signaling server, a Message Bus routing inbound frames to per-client
// bots, and the audio pipeline each bot's remote track feeds. Grounded on
// cmd/signaling/main.go's wiring order, adapted for the worker's dependency
// graph (no HTTP listener of its own besides /healthz and /metrics).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/asr"
	"github.com/voxrelay/voxrelay/internal/audiopipeline"
	"github.com/voxrelay/voxrelay/internal/bot"
	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/rtcpeer"
	"github.com/voxrelay/voxrelay/internal/tts"
	"github.com/voxrelay/voxrelay/internal/uplink"
	"github.com/voxrelay/voxrelay/pkg/protocol"
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
		Service:      "voxrelay-worker",
		Version:      version.Version,
	})

	logger.Info().Str("version", version.Version).Str("server_id", cfg.Worker.ServerID).Msg("starting voxrelay media worker")

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(logger, version.Version)
	if cfg.Observability.HealthCacheTTL > 0 {
		health.SetCacheTTL(cfg.Observability.HealthCacheTTL)
	}

	var asrClient *asr.Client
	if cfg.ASR.Enabled {
		asrClient = asr.New(asr.Config{
			URL:     cfg.ASR.URL,
			APIKey:  cfg.ASR.APIKey,
			Model:   cfg.ASR.Model,
			Timeout: cfg.ASR.Timeout,
		}, logger)
	}

	var ttsClient *tts.Client
	if cfg.TTS.Enabled {
		ttsClient = tts.New(tts.Config{
			URL:     cfg.TTS.URL,
			APIKey:  cfg.TTS.APIKey,
			Voice:   cfg.TTS.Voice,
			Format:  cfg.TTS.Format,
			Timeout: cfg.TTS.Timeout,
		}, logger)
	}

	iceServers := iceServersFromConfig(cfg.Worker.ICEServers)

	builder := bot.NewBuilder(iceServers, audioSinkFactory(cfg, asrClient, logger, metrics), ttsClient, logger, metrics)

	mailboxCapacity := cfg.Worker.MailboxCapacity
	if mailboxCapacity <= 0 {
		mailboxCapacity = 100
	}
	outbound := mailbox.New[*protocol.Message](mailboxCapacity)
	theBus := bus.New(outbound, builder.Factory(), logger)

	u := uplink.New(uplink.Config{
		URL:                 cfg.Worker.SignalingURL,
		ServerID:            cfg.Worker.ServerID,
		Capacity:            cfg.Worker.Capacity,
		InitialInterval:     cfg.Worker.ReconnectInitial,
		MaxInterval:         cfg.Worker.ReconnectMax,
		RandomizationFactor: cfg.Worker.ReconnectRandomness,
	}, theBus, outbound, logger)

	health.RegisterCheck("uplink", observability.WebSocketHealthCheck(u.Connected))
	if cfg.Worker.AudioSinkDir != "" {
		health.RegisterCheck("audio_sink_disk", observability.DiskSpaceHealthCheck(cfg.Worker.AudioSinkDir, 100<<20))
	}

	ctx, cancel := context.WithCancel(context.Background())
	uplinkDone := make(chan struct{})
	go func() {
		defer close(uplinkDone)
		u.Run(ctx)
	}()

	healthPort := cfg.Worker.HealthPort
	if healthPort <= 0 {
		healthPort = 9528
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", healthPort),
		Handler: healthMux(health),
	}
	go func() {
		logger.Info().Str("addr", healthServer.Addr).Msg("worker health listener started")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("worker health listener error")
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
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()
	<-uplinkDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signaling.ShutdownTimeout)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker health listener shutdown error")
	}

	logger.Info().Msg("voxrelay media worker shut down")
}

// iceServersFromConfig converts the configured STUN/TURN URLs into
// webrtc.ICEServer entries, falling back to rtcpeer's public STUN defaults
// when none are configured.
func iceServersFromConfig(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return rtcpeer.DefaultICEServers
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, url := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return servers
}

// audioSinkFactory builds the per-bot audio capability chain: a VAD model
// chosen per cfg.Voice.VADModel, an ASR capability when enabled (echoing
// its transcript back through speak, when a TTS client is also configured),
// and a file-sink capability when a sink directory is configured.
func audioSinkFactory(cfg *config.Config, asrClient *asr.Client, logger zerolog.Logger, metrics *observability.Metrics) bot.AudioSinkFactory {
	return func(botID, clientID string, speak func(ctx context.Context, text string)) bot.AudioSink {
		model := vadModel(cfg, logger)

		var caps []audiopipeline.Capability
		if asrClient != nil {
			var onTranscript func(text string)
			if speak != nil {
				onTranscript = func(text string) { speak(context.Background(), text) }
			}
			caps = append(caps, audiopipeline.NewASRCapability(asrClient, 0, logger, onTranscript))
		}
		if cfg.Worker.AudioSinkDir != "" {
			caps = append(caps, audiopipeline.NewFileSinkCapability(cfg.Worker.AudioSinkDir, botID, logger))
		}

		pipeline, err := audiopipeline.New(botID, model, caps, logger, metrics)
		if err != nil {
			logger.Error().Err(err).Str("bot_id", botID).Msg("failed to construct audio pipeline, bot will discard audio")
			return nil
		}
		return pipeline
	}
}

func vadModel(cfg *config.Config, logger zerolog.Logger) audiopipeline.Model {
	if cfg.Voice.VADModel == "silero" {
		model, err := audiopipeline.NewSileroModel(audiopipeline.SileroModelConfig{
			SampleRate: 16000,
			Threshold:  cfg.Voice.VADThreshold,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to load silero vad model, falling back to energy model")
		} else {
			return model
		}
	}
	return audiopipeline.NewEnergyModel(audiopipeline.EnergyModelConfig{})
}

func healthMux(health *observability.HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		result := health.Check(r.Context())
		status := http.StatusOK
		if result.IsUnhealthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(result)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
