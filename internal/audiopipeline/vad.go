package audiopipeline

import (
	"fmt"
	"math"

	"github.com/streamer45/silero-vad-go/speech"
)

// Model decides, for one 32ms/512-sample frame at 16kHz, whether it
// contains speech. The VAD state machine is agnostic to which Model backs
// it.
type Model interface {
	IsSpeech(pcm []float32) bool
	Reset()
}

// EnergyModel is an energy/noise-floor detector with hangover, adapted from
// the teacher's voice.VAD. Used as the deterministic model for tests and as
// a dependency-free fallback.
type EnergyModel struct {
	threshold      float64
	noiseFloor     float64
	hangoverFrames int
	hangoverCount  int
	active         bool
	adaptRate      float64
}

// EnergyModelConfig configures an EnergyModel.
type EnergyModelConfig struct {
	ThresholdDB    float64 // default -40
	HangoverFrames int     // default 5 (160ms at 32ms frames)
	AdaptRate      float64 // default 0.01
}

// NewEnergyModel constructs an EnergyModel with spec defaults applied to
// any zero field.
func NewEnergyModel(cfg EnergyModelConfig) *EnergyModel {
	if cfg.HangoverFrames == 0 {
		cfg.HangoverFrames = 5
	}
	if cfg.ThresholdDB == 0 {
		cfg.ThresholdDB = -40.0
	}
	if cfg.AdaptRate == 0 {
		cfg.AdaptRate = 0.01
	}
	return &EnergyModel{
		threshold:      cfg.ThresholdDB,
		noiseFloor:     -60.0,
		hangoverFrames: cfg.HangoverFrames,
		adaptRate:      cfg.AdaptRate,
	}
}

// IsSpeech reports whether pcm (expected in [-1.0, 1.0]) contains speech.
func (m *EnergyModel) IsSpeech(pcm []float32) bool {
	energyDB := energyToDB(rmsEnergy(pcm))

	if !m.active {
		m.noiseFloor = m.noiseFloor*(1-m.adaptRate) + energyDB*m.adaptRate
	}

	dynamicThreshold := m.noiseFloor + 15.0
	if dynamicThreshold < m.threshold {
		dynamicThreshold = m.threshold
	}

	if energyDB > dynamicThreshold {
		m.active = true
		m.hangoverCount = m.hangoverFrames
	} else if m.hangoverCount > 0 {
		m.hangoverCount--
	} else {
		m.active = false
	}

	return m.active
}

// Reset clears hangover and noise-floor adaptation state.
func (m *EnergyModel) Reset() {
	m.active = false
	m.hangoverCount = 0
	m.noiseFloor = -60.0
}

func rmsEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func energyToDB(energy float64) float64 {
	if energy <= 0 {
		return -100.0
	}
	return 20 * math.Log10(energy)
}

// SileroModel wraps the Silero VAD ONNX model. It is selected with the
// "silero" vad_model setting; the configured default is EnergyModel.
type SileroModel struct {
	detector *speech.Detector
}

// SileroModelConfig configures a SileroModel.
type SileroModelConfig struct {
	ModelPath           string
	SampleRate          int
	Threshold           float32
	MinSilenceDurationMs int
}

// NewSileroModel loads the ONNX model at cfg.ModelPath.
func NewSileroModel(cfg SileroModelConfig) (*SileroModel, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
	})
	if err != nil {
		return nil, fmt.Errorf("audiopipeline: load silero model: %w", err)
	}
	return &SileroModel{detector: d}, nil
}

// IsSpeech reports whether pcm contains speech per the Silero model.
func (m *SileroModel) IsSpeech(pcm []float32) bool {
	segments, err := m.detector.Detect(pcm)
	if err != nil {
		return false
	}
	return len(segments) > 0
}

// Reset clears the detector's internal state between utterances.
func (m *SileroModel) Reset() {
	_ = m.detector.Reset()
}

// Close releases the underlying ONNX runtime session.
func (m *SileroModel) Close() error {
	return m.detector.Destroy()
}
