package audiopipeline

import (
	"fmt"

	"github.com/hraban/opus"
)

const (
	// OpusSampleRate is the negotiated WebRTC audio clock rate.
	OpusSampleRate = 48000
	// OpusChannels is fixed to mono throughout this repo.
	OpusChannels = 1
	// opusFrameSamples is the maximum samples a single Opus frame (up to
	// 60ms) can decode to at 48kHz mono; the decode buffer is sized to this so the
	// largest legal frame never truncates.
	opusFrameSamples = OpusSampleRate / 1000 * 60 // up to 60ms frames
)

// opusDecoder decodes one bot's Opus RTP payloads into PCM. One decoder per
// bot session, never shared across goroutines, mirroring the
// per-connection-decoder discipline used elsewhere in the pack's WebRTC
// audio adapters.
type opusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := opus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("audiopipeline: new opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, buf: make([]int16, opusFrameSamples)}, nil
}

// decode decodes one Opus payload, returning PCM truncated to the actual
// decoded sample count. The returned slice is only valid until the next
// call to decode.
func (d *opusDecoder) decode(payload []byte) ([]int16, error) {
	n, err := d.dec.Decode(payload, d.buf)
	if err != nil {
		return nil, err
	}
	return d.buf[:n], nil
}
