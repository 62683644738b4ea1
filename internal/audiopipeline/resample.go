package audiopipeline

import (
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"
)

// vadSampleRate is the rate the VAD state machine and ASR capability expect
// their frames at.
const vadSampleRate = 16000

// downsampler converts 48kHz mono PCM (as decoded from Opus) to 16kHz mono
// PCM for the VAD/ASR path. One instance per bot, matching the decoder's
// per-connection discipline.
type downsampler struct {
	r *resampler.Resampler
}

func newDownsampler() (*downsampler, error) {
	r, err := resampler.New(OpusSampleRate, vadSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("audiopipeline: new resampler: %w", err)
	}
	return &downsampler{r: r}, nil
}

func (d *downsampler) process(pcm48k []int16) ([]int16, error) {
	out, err := d.r.Process(pcm48k)
	if err != nil {
		return nil, fmt.Errorf("audiopipeline: resample: %w", err)
	}
	return out, nil
}

func (d *downsampler) close() error {
	return d.r.Close()
}
