package config

import "time"

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "voxrelay",
			Version:     "0.1.0",
			Environment: "dev",
		},

		Signaling: SignalingConfig{
			Host:            "0.0.0.0",
			Port:            9527,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    60,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type"},
			},
			MailboxCapacity: 100,
		},

		Worker: WorkerConfig{
			SignalingURL:        "ws://localhost:9527/ws/server",
			ServerID:            "",
			Capacity:            50,
			MailboxCapacity:     100,
			ReconnectInitial:    time.Second,
			ReconnectMax:        30 * time.Second,
			ReconnectRandomness: 0.2,
			ICEServers:          []string{"stun:stun.l.google.com:19302"},
			AudioSinkDir:        "",
			HealthPort:          9528,
		},

		Voice: VoiceConfig{
			SampleRate:      48000,
			Channels:        1,
			VADModel:        "energy",
			VADThreshold:    0.3,
			PreRollCapacity: 100,
		},

		ASR: ASRConfig{
			Enabled: false,
			URL:     "",
			APIKey:  "",
			Model:   "whisper-1",
			Timeout: 10 * time.Second,
		},

		TTS: TTSConfig{
			Enabled: false,
			URL:     "",
			APIKey:  "",
			Voice:   "alloy",
			Format:  "opus",
			Timeout: 10 * time.Second,
		},

		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			OutputPath:   "stdout",
			ErrorPath:    "stderr",
			EnableCaller: false,
			EnableStack:  true,
		},

		Observability: ObservabilityConfig{
			HealthCacheTTL: 5 * time.Second,
		},
	}
}
