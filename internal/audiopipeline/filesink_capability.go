package audiopipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

// FileSinkCapability writes each committed utterance to its own OGG file
// under dir, named by bot id and start time. Grounded on the teacher's
// voice.VoiceTranslator Opus-accumulator-to-OGG path, adapted from an
// in-memory buffer (fed straight to an STT call) to a direct file sink.
type FileSinkCapability struct {
	dir    string
	botID  string
	logger zerolog.Logger

	mu   sync.Mutex
	seq  uint16
	ts   uint32
	file *os.File
	w    *oggwriter.OggWriter
}

// NewFileSinkCapability constructs a FileSinkCapability writing under dir.
func NewFileSinkCapability(dir, botID string, logger zerolog.Logger) *FileSinkCapability {
	return &FileSinkCapability{
		dir:    dir,
		botID:  botID,
		logger: logger.With().Str("component", "filesink-capability").Str("bot_id", botID).Logger(),
	}
}

// Process appends this frame's Opus payload to the current utterance's
// file, opening one lazily on the first frame of an utterance.
func (f *FileSinkCapability) Process(_ context.Context, frame Frame) error {
	if len(frame.OpusPacket) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.w == nil {
		if err := f.openLocked(); err != nil {
			return err
		}
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: f.seq,
			Timestamp:      f.ts,
		},
		Payload: frame.OpusPacket,
	}
	if err := f.w.WriteRTP(pkt); err != nil {
		return fmt.Errorf("audiopipeline: write rtp to file sink: %w", err)
	}
	f.seq++
	f.ts += OpusSampleRate / 1000 * 20
	return nil
}

func (f *FileSinkCapability) openLocked() error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("audiopipeline: create sink dir: %w", err)
	}
	name := fmt.Sprintf("%s-%d.ogg", f.botID, time.Now().UnixNano())
	path := filepath.Join(f.dir, name)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audiopipeline: create sink file: %w", err)
	}
	w, err := oggwriter.NewWith(file, OpusSampleRate, OpusChannels)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("audiopipeline: create ogg writer: %w", err)
	}

	f.file = file
	f.w = w
	f.seq = 0
	f.ts = 0
	f.logger.Debug().Str("path", path).Msg("opened utterance file")
	return nil
}

// EndUtterance closes the current utterance's file, if one is open.
func (f *FileSinkCapability) EndUtterance(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *FileSinkCapability) closeLocked() {
	if f.w == nil {
		return
	}
	if err := f.w.Close(); err != nil {
		f.logger.Warn().Err(err).Msg("failed to close ogg writer")
	}
	if err := f.file.Close(); err != nil {
		f.logger.Warn().Err(err).Msg("failed to close sink file")
	}
	f.w = nil
	f.file = nil
}

// Name identifies this capability for metrics.
func (f *FileSinkCapability) Name() string { return "file_sink" }

// Close finalizes any in-progress utterance.
func (f *FileSinkCapability) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}
