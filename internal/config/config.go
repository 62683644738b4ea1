// Package config loads voxrelay's configuration the way the teacher loads
// Concord's: defaults, then an optional JSON file, then environment
// variable overrides, then validation. Grounded on
// JohnPitter-concord/internal/config/config.go.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config is the complete configuration for either process this module
// builds: cmd/signaling (App, Signaling, Logging, Observability) or
// cmd/worker (App, Worker, Voice, ASR, TTS, Logging, Observability). Both
// processes load the same struct; each only reads the sections it needs.
type Config struct {
	App           AppConfig           `json:"app"`
	Signaling     SignalingConfig     `json:"signaling"`
	Worker        WorkerConfig        `json:"worker"`
	Voice         VoiceConfig         `json:"voice"`
	ASR           ASRConfig           `json:"asr"`
	TTS           TTSConfig           `json:"tts"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability"`
}

// AppConfig contains general application settings.
type AppConfig struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"` // dev, staging, production
}

// SignalingConfig controls the signaling process's HTTP/WebSocket listener.
// Host and Port are core connection settings: changing them requires a
// process restart.
type SignalingConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	RateLimitRPS    int           `json:"rate_limit_rps"`
	CORS            CORSConfig    `json:"cors"`
	MailboxCapacity int           `json:"mailbox_capacity"`
}

// CORSConfig contains CORS settings for the admin HTTP surface.
type CORSConfig struct {
	Enabled        bool     `json:"enabled"`
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers"`
}

// WorkerConfig controls one media worker process's uplink to the signaling
// server. SignalingURL and ServerID are core connection settings: changing
// them requires a process restart.
type WorkerConfig struct {
	SignalingURL        string        `json:"signaling_url"`
	ServerID            string        `json:"server_id"`
	Capacity            int           `json:"capacity"` // max bots this worker will host
	MailboxCapacity     int           `json:"mailbox_capacity"`
	ReconnectInitial    time.Duration `json:"reconnect_initial"`
	ReconnectMax        time.Duration `json:"reconnect_max"`
	ReconnectRandomness float64       `json:"reconnect_randomness"`
	ICEServers          []string      `json:"ice_servers"`
	AudioSinkDir        string        `json:"audio_sink_dir"` // for the file-sink capability, empty disables it
	HealthPort          int           `json:"health_port"`    // /healthz and /metrics for this worker process
}

// VoiceConfig contains the audio pipeline's VAD and codec settings.
type VoiceConfig struct {
	SampleRate      int     `json:"sample_rate"`       // Hz, input from Opus decode (48000)
	Channels        int     `json:"channels"`          // 1 = mono
	VADModel        string  `json:"vad_model"`         // "energy" or "silero"
	VADThreshold    float32 `json:"vad_threshold"`     // 0.0 - 1.0, energy model only
	PreRollCapacity int     `json:"pre_roll_capacity"` // frames buffered while silent
}

// ASRConfig configures the speech-to-text adapter.
type ASRConfig struct {
	Enabled bool          `json:"enabled"`
	URL     string        `json:"url"`
	APIKey  string        `json:"api_key"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`
}

// TTSConfig configures the text-to-speech adapter.
type TTSConfig struct {
	Enabled bool          `json:"enabled"`
	URL     string        `json:"url"`
	APIKey  string        `json:"api_key"`
	Voice   string        `json:"voice"`
	Format  string        `json:"format"`
	Timeout time.Duration `json:"timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level        string `json:"level"` // debug, info, warn, error
	Format       string `json:"format"`
	OutputPath   string `json:"output_path"`
	ErrorPath    string `json:"error_path"`
	EnableCaller bool   `json:"enable_caller"`
	EnableStack  bool   `json:"enable_stack"`
}

// ObservabilityConfig controls the health checker cache and metrics surface.
type ObservabilityConfig struct {
	HealthCacheTTL time.Duration `json:"health_cache_ttl"`
}

// Load loads configuration from file and environment variables.
// Priority: env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if err := cfg.Save(configPath); err != nil {
					return nil, fmt.Errorf("failed to create default config: %w", err)
				}
			} else {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ReloadNonCore re-reads configPath and env vars and copies every field
// except the core connection settings (Signaling.Host/Port,
// Worker.SignalingURL/ServerID) into c. Used by the SIGHUP watcher in
// cmd/signaling and cmd/worker; core settings are intentionally left
// untouched since rebinding a listener or reconnecting the uplink needs a
// restart, not a live swap.
func (c *Config) ReloadNonCore(configPath string) error {
	next := Default()
	if configPath != "" {
		if err := next.loadFromFile(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	next.loadFromEnv()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	host, port := c.Signaling.Host, c.Signaling.Port
	sigURL, serverID := c.Worker.SignalingURL, c.Worker.ServerID

	*c = *next

	c.Signaling.Host, c.Signaling.Port = host, port
	c.Worker.SignalingURL, c.Worker.ServerID = sigURL, serverID
	return nil
}

// loadFromFile loads configuration from a JSON file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv overrides configuration with environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("VOXRELAY_ENV"); v != "" {
		c.App.Environment = v
	}

	if v := os.Getenv("VOXRELAY_SIGNALING_HOST"); v != "" {
		c.Signaling.Host = v
	}
	if v := os.Getenv("VOXRELAY_SIGNALING_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.Signaling.Port = port
		}
	}

	if v := os.Getenv("VOXRELAY_SIGNALING_URL"); v != "" {
		c.Worker.SignalingURL = v
	}
	if v := os.Getenv("VOXRELAY_SERVER_ID"); v != "" {
		c.Worker.ServerID = v
	}

	if v := os.Getenv("VOXRELAY_ASR_URL"); v != "" {
		c.ASR.URL = v
	}
	if v := os.Getenv("VOXRELAY_ASR_API_KEY"); v != "" {
		c.ASR.APIKey = v
	}

	if v := os.Getenv("VOXRELAY_TTS_URL"); v != "" {
		c.TTS.URL = v
	}
	if v := os.Getenv("VOXRELAY_TTS_API_KEY"); v != "" {
		c.TTS.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parsePort(v string) (int, error) {
	var port int
	_, err := fmt.Sscanf(v, "%d", &port)
	return port, err
}

// Save saves configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.App.Environment != "dev" && c.App.Environment != "staging" && c.App.Environment != "production" {
		return fmt.Errorf("invalid environment: %s (must be dev, staging, or production)", c.App.Environment)
	}

	if c.Signaling.Port < 1 || c.Signaling.Port > 65535 {
		return fmt.Errorf("invalid signaling port: %d", c.Signaling.Port)
	}

	if c.Voice.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", c.Voice.SampleRate)
	}
	if c.Voice.VADModel != "energy" && c.Voice.VADModel != "silero" {
		return fmt.Errorf("invalid vad model: %s (must be energy or silero)", c.Voice.VADModel)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.ASR.Enabled && c.ASR.URL == "" {
		return errors.New("asr.url cannot be empty when asr is enabled")
	}
	if c.TTS.Enabled && c.TTS.URL == "" {
		return errors.New("tts.url cannot be empty when tts is enabled")
	}

	return nil
}

// GetLogLevel returns the zerolog level based on configuration.
func (c *Config) GetLogLevel() zerolog.Level {
	switch c.Logging.Level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "dev"
}
