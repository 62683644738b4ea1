// Package tts is the HTTP adapter to an external text-to-speech service. A
// bot that wants to speak into its outbound track synthesizes audio here
// first, then writes it as Opus samples onto its rtcpeer.Peer's
// OutboundTrack. Out of core scope per this repo's Non-goals, but the
// adapter boundary is fully specified.
//
// Grounded on the teacher's voice.TTSClient: a JSON request against an
// OpenAI-compatible speech endpoint.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config configures a Client.
type Config struct {
	URL     string
	APIKey  string
	Voice   string
	Format  string
	Timeout time.Duration
}

// Client synthesizes speech via an OpenAI-compatible HTTP endpoint.
type Client struct {
	http   *http.Client
	url    string
	apiKey string
	voice  string
	format string
	logger zerolog.Logger
}

type request struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// New constructs a Client.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	voice := cfg.Voice
	if voice == "" {
		voice = "alloy"
	}
	format := cfg.Format
	if format == "" {
		format = "opus"
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		voice:  voice,
		format: format,
		logger: logger.With().Str("component", "tts-client").Logger(),
	}
}

// Synthesize converts text to audio, returning raw bytes in the configured
// format (defaults to "opus" so a bot can stream the result with minimal
// transcoding).
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()

	body, err := json.Marshal(request{
		Model:          "tts-1",
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: c.format,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tts: endpoint returned status %d: %s", resp.StatusCode, respBody)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read response: %w", err)
	}

	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("text_len", len(text)).
		Int("audio_bytes", len(audio)).
		Msg("synthesis completed")

	return audio, nil
}
