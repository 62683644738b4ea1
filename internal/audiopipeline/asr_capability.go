package audiopipeline

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/asr"
	"github.com/voxrelay/voxrelay/internal/mailbox"
)

// utteranceJob is one committed utterance's Opus frames, queued for
// transcription.
type utteranceJob struct {
	opusFrames [][]byte
}

// ASRCapability buffers one utterance's Opus frames and, on EndUtterance,
// enqueues it for transcription against an external ASR service over its
// own bounded mailbox, so a slow or unavailable ASR backend never blocks
// the audio pipeline goroutine. Grounded on the teacher's
// voice.VoiceTranslator OGG-packing/STT-call shape, split into a
// Capability instead of a full translate pipeline.
type ASRCapability struct {
	client       *asr.Client
	onTranscript func(text string)
	logger       zerolog.Logger

	mu      sync.Mutex
	current [][]byte

	jobs *mailbox.Mailbox[utteranceJob]
	done chan struct{}
}

// NewASRCapability constructs an ASRCapability and starts its background
// transcription worker. capacity bounds how many committed utterances may
// be queued; EndUtterance logs and drops an utterance that finds the queue
// full. Process never reports busy.
// onTranscript, if non-nil, is called with each non-empty transcription
// result, off the pipeline goroutine; a worker wires this to a Speaker to
// echo the recognized speech back as synthesized audio.
func NewASRCapability(client *asr.Client, capacity int, logger zerolog.Logger, onTranscript func(text string)) *ASRCapability {
	if capacity <= 0 {
		capacity = 10
	}
	c := &ASRCapability{
		client:       client,
		onTranscript: onTranscript,
		logger:       logger.With().Str("component", "asr-capability").Logger(),
		jobs:         mailbox.New[utteranceJob](capacity),
		done:         make(chan struct{}),
	}
	go c.run()
	return c
}

// Process appends this frame's Opus payload to the current utterance.
func (c *ASRCapability) Process(_ context.Context, frame Frame) error {
	if len(frame.OpusPacket) == 0 {
		return nil
	}
	c.mu.Lock()
	c.current = append(c.current, frame.OpusPacket)
	c.mu.Unlock()
	return nil
}

// EndUtterance hands the buffered frames to the background worker, which
// packs them into an OGG container for transcription. When the queue is
// full the utterance is logged and dropped; it never blocks.
func (c *ASRCapability) EndUtterance(_ context.Context) {
	c.mu.Lock()
	frames := c.current
	c.current = nil
	c.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	if err := c.jobs.Send(utteranceJob{opusFrames: frames}); err != nil {
		c.logger.Warn().Err(err).Msg("asr queue full, utterance dropped")
	}
}

func (c *ASRCapability) run() {
	defer close(c.done)
	for job := range c.jobs.C() {
		oggData, err := framesToOGG(job.opusFrames)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to pack utterance into ogg")
			continue
		}
		result, err := c.client.Transcribe(context.Background(), oggData)
		if err != nil {
			c.logger.Warn().Err(err).Msg("transcription request failed")
			continue
		}
		c.logger.Info().Str("text", result.Text).Msg("utterance transcribed")
		if result.Text != "" && c.onTranscript != nil {
			c.onTranscript(result.Text)
		}
	}
}

// Name identifies this capability for metrics.
func (c *ASRCapability) Name() string { return "asr" }

// Close stops accepting new utterances and waits for the worker to drain.
func (c *ASRCapability) Close() {
	c.jobs.Close()
	<-c.done
}

// framesToOGG packs raw Opus frames into an OGG container, synthesizing RTP
// headers the same way the teacher's voice.VoiceTranslator.framesToOGG
// does.
func framesToOGG(frames [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("audiopipeline: create ogg writer: %w", err)
	}

	var seq uint16
	var ts uint32
	const frameSamples = OpusSampleRate / 1000 * 20 // 960 samples per 20ms frame

	for _, frame := range frames {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: frame,
		}
		if err := w.WriteRTP(pkt); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("audiopipeline: write rtp to ogg: %w", err)
		}
		seq++
		ts += frameSamples
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("audiopipeline: close ogg writer: %w", err)
	}
	return buf.Bytes(), nil
}
