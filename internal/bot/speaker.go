package bot

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/tts"
)

// Speaker synthesizes text through an external TTS service and writes the
// result onto a bot's outbound Opus track. The server-side analogue of the
// teacher's VoiceTranslator, which instead emitted translated audio as a
// desktop UI event; here the bot speaks directly into the call.
type Speaker struct {
	client *tts.Client
	track  *webrtc.TrackLocalStaticSample
	logger zerolog.Logger
}

// NewSpeaker constructs a Speaker bound to one bot's outbound track.
func NewSpeaker(client *tts.Client, track *webrtc.TrackLocalStaticSample, logger zerolog.Logger) *Speaker {
	return &Speaker{
		client: client,
		track:  track,
		logger: logger.With().Str("component", "speaker").Logger(),
	}
}

// Speak synthesizes text and writes the result to the outbound track as a
// single sample. internal/tts.Client returns an opaque encoded blob rather
// than raw PCM, so the written duration is estimated from the input text
// instead of decoded from the audio itself.
func (s *Speaker) Speak(ctx context.Context, text string) {
	audio, err := s.client.Synthesize(ctx, text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tts synthesis failed")
		return
	}
	sample := media.Sample{Data: audio, Duration: estimateSpeechDuration(text)}
	if err := s.track.WriteSample(sample); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write synthesized audio to outbound track")
	}
}

// estimateSpeechDuration assumes a 150 words-per-minute speaking rate and a
// mean English word length of 5 characters.
func estimateSpeechDuration(text string) time.Duration {
	const wordsPerMinute = 150
	words := len([]rune(text)) / 5
	if words == 0 {
		words = 1
	}
	return time.Duration(words) * time.Minute / wordsPerMinute
}
