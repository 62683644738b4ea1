// Package audiopipeline implements the worker-side audio path: Opus decode,
// resample to 16kHz, a VAD state machine with a pre-roll buffer, and
// fan-out to pluggable capabilities (ASR, file sink). One Pipeline is
// constructed per bot and satisfies internal/bot's AudioSink interface.
package audiopipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/observability"
)

// vadState is the VAD state machine's state.
type vadState int

const (
	stateSilent vadState = iota
	stateStartSpeaking
	stateSpeaking
	stateStopSpeaking
)

func (s vadState) String() string {
	switch s {
	case stateSilent:
		return "silent"
	case stateStartSpeaking:
		return "start_speaking"
	case stateSpeaking:
		return "speaking"
	case stateStopSpeaking:
		return "stop_speaking"
	default:
		return "unknown"
	}
}

const (
	// vadFrameSamples is 32ms at 16kHz, the VAD model's evaluation window.
	vadFrameSamples = 512
	// preRollCapacity bounds the ring buffer capturing frames while SILENT,
	// so the prefix of an utterance survives the VAD's reaction latency.
	preRollCapacity = 100
)

// Pipeline is the audio path for one bot. PushOpusPacket satisfies
// internal/bot.AudioSink.
type Pipeline struct {
	botID   string
	logger  zerolog.Logger
	metrics *observability.Metrics

	decoder    *opusDecoder
	downsample *downsampler
	model      Model
	caps       []Capability

	mu      sync.Mutex
	acc     []int16
	state   vadState
	preRoll []Frame

	closeOnce sync.Once
}

// New constructs a Pipeline for one bot. model and caps are owned by the
// Pipeline and closed/finalized when Close is called, if they implement an
// io.Closer-shaped Close method (the caller is responsible for closing a
// shared model across bots instead, if that's how it's wired).
func New(botID string, model Model, caps []Capability, logger zerolog.Logger, metrics *observability.Metrics) (*Pipeline, error) {
	decoder, err := newOpusDecoder()
	if err != nil {
		return nil, err
	}
	downsample, err := newDownsampler()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		botID:      botID,
		logger:     logger.With().Str("component", "audiopipeline").Str("bot_id", botID).Logger(),
		metrics:    metrics,
		decoder:    decoder,
		downsample: downsample,
		model:      model,
		caps:       caps,
	}, nil
}

// PushOpusPacket decodes one Opus RTP payload, resamples it, advances the
// VAD state machine over any complete 32ms windows it now contains, and
// dispatches the frame (pre-roll buffered, forwarded, or both) according to
// the resulting state.
func (p *Pipeline) PushOpusPacket(payload []byte) {
	pcm48k, err := p.decoder.decode(payload)
	if err != nil {
		p.logger.Debug().Err(err).Msg("opus decode failed, packet dropped")
		if p.metrics != nil {
			p.metrics.OpusDecodeErrorsTotal.WithLabelValues().Inc()
		}
		return
	}
	// decoder reuses its internal buffer; pin a private copy before it's
	// overwritten by the next decode call.
	pcm48kCopy := append([]int16(nil), pcm48k...)
	opusCopy := append([]byte(nil), payload...)

	pcm16k, err := p.downsample.process(pcm48kCopy)
	if err != nil {
		p.logger.Debug().Err(err).Msg("resample failed, frame dropped")
		return
	}

	frame := Frame{PCM: pcm16k, OpusPacket: opusCopy}

	prev, cur := p.advanceState(pcm16k)
	p.dispatch(prev, cur, frame)
}

// advanceState folds any newly available complete 32ms windows into the VAD
// model and returns the state before and after.
func (p *Pipeline) advanceState(pcm16k []int16) (prev, cur vadState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev = p.state
	p.acc = append(p.acc, pcm16k...)

	for len(p.acc) >= vadFrameSamples {
		window := p.acc[:vadFrameSamples]
		p.acc = p.acc[vadFrameSamples:]
		speech := p.model.IsSpeech(int16ToFloat32(window))
		p.state = nextVADState(p.state, speech)
	}
	cur = p.state
	return prev, cur
}

func nextVADState(prev vadState, speech bool) vadState {
	switch prev {
	case stateSilent:
		if speech {
			return stateStartSpeaking
		}
		return stateSilent
	case stateStartSpeaking:
		if speech {
			return stateSpeaking
		}
		return stateSilent
	case stateSpeaking:
		if speech {
			return stateSpeaking
		}
		return stateStopSpeaking
	case stateStopSpeaking:
		if speech {
			return stateStartSpeaking
		}
		return stateSilent
	default:
		return stateSilent
	}
}

// dispatch buffers or forwards frame per the VAD state machine's rules:
// pre-roll while SILENT, flush-then-forward on the transition into speech,
// forward while SPEAKING, and commit-then-clear on the transition out.
func (p *Pipeline) dispatch(prev, cur vadState, frame Frame) {
	if cur != prev && p.metrics != nil {
		p.metrics.VADTransitionsTotal.WithLabelValues(cur.String()).Inc()
	}

	switch cur {
	case stateSilent:
		p.bufferPreRoll(frame)

	case stateStartSpeaking:
		for _, buffered := range p.takePreRoll() {
			p.forward(buffered)
		}
		p.forward(frame)

	case stateSpeaking:
		p.forward(frame)

	case stateStopSpeaking:
		p.forward(frame)
		p.endUtterance()
		p.clearPreRoll()
	}
}

func (p *Pipeline) bufferPreRoll(frame Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preRoll = append(p.preRoll, frame)
	if len(p.preRoll) > preRollCapacity {
		p.preRoll = p.preRoll[len(p.preRoll)-preRollCapacity:]
	}
}

func (p *Pipeline) takePreRoll() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := p.preRoll
	p.preRoll = nil
	return frames
}

func (p *Pipeline) clearPreRoll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preRoll = nil
}

func (p *Pipeline) forward(frame Frame) {
	ctx := context.Background()
	for _, cap := range p.caps {
		if err := cap.Process(ctx, frame); err != nil {
			p.logger.Debug().Err(err).Str("capability", cap.Name()).Msg("capability dropped frame")
			if p.metrics != nil {
				p.metrics.CapabilityBusyTotal.WithLabelValues(cap.Name()).Inc()
			}
		}
	}
}

func (p *Pipeline) endUtterance() {
	ctx := context.Background()
	for _, cap := range p.caps {
		cap.EndUtterance(ctx)
	}
}

// Close releases the resampler, the model (when it has a Close method), and
// the capabilities. Safe to call once; repeat calls are no-ops.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if p.downsample != nil {
			if err := p.downsample.close(); err != nil {
				p.logger.Debug().Err(err).Msg("failed to close resampler")
			}
		}
		if closer, ok := p.model.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				p.logger.Debug().Err(err).Msg("failed to close vad model")
			}
		}
		for _, cap := range p.caps {
			cap.Close()
		}
	})
}

func int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
