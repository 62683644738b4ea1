package audiopipeline

import (
	"context"
	"errors"
)

// ErrBusy is returned by Capability.Process when the capability's own
// bounded mailbox is full; the pipeline goroutine must never block on a
// capability.
var ErrBusy = errors.New("audiopipeline: capability busy")

// Frame is one slice of audio handed to a Capability: PCM at vadSampleRate
// for VAD/ASR consumption, and the original Opus payload it was decoded
// from for capabilities (the file sink) that want the compressed form.
type Frame struct {
	PCM        []int16
	OpusPacket []byte
}

// Capability accepts one audio frame and either processes it synchronously
// in bounded time or enqueues it onto its own bounded mailbox, returning
// ErrBusy on overflow. EndUtterance marks the current utterance's boundary
// (on STOP_SPEAKING) so a capability that buffers across frames (ASR, file
// sink) can flush.
type Capability interface {
	Process(ctx context.Context, frame Frame) error
	EndUtterance(ctx context.Context)
	// Name identifies this capability for the capability_busy_total metric.
	Name() string
	// Close finalizes any in-progress utterance and releases resources.
	Close()
}
