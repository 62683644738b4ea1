// Package asr is the HTTP adapter to an external speech-to-text service.
// ASRCapability (internal/audiopipeline) streams committed utterances here;
// transcription itself is out of core scope per this repo's Non-goals, but
// the adapter boundary is fully specified.
//
// Grounded on the teacher's voice.STTClient: multipart upload of an OGG
// blob to a Whisper-compatible endpoint.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Result is a transcription result.
type Result struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Config configures a Client.
type Config struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client transcribes OGG/Opus audio via a Whisper-compatible HTTP endpoint.
type Client struct {
	http   *http.Client
	url    string
	apiKey string
	model  string
	logger zerolog.Logger
}

// New constructs a Client.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		logger: logger.With().Str("component", "asr-client").Logger(),
	}
}

// Transcribe sends an OGG-encoded utterance and returns its transcription.
func (c *Client) Transcribe(ctx context.Context, oggAudio []byte) (*Result, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "utterance.ogg")
	if err != nil {
		return nil, fmt.Errorf("asr: create form file: %w", err)
	}
	if _, err := part.Write(oggAudio); err != nil {
		return nil, fmt.Errorf("asr: write audio data: %w", err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return nil, fmt.Errorf("asr: write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("asr: write format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("asr: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, fmt.Errorf("asr: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asr: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("asr: endpoint returned status %d: %s", resp.StatusCode, respBody)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("asr: decode response: %w", err)
	}

	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("audio_bytes", len(oggAudio)).
		Int("text_len", len(result.Text)).
		Msg("transcription completed")

	return &result, nil
}
