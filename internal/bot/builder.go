package bot

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/rtcpeer"
	"github.com/voxrelay/voxrelay/internal/tts"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

// AudioSinkFactory constructs the audio capability chain for one bot. It is
// called once per client connection, after the bot's identity is assigned.
// speak is non-nil only when a TTS client is configured; a capability that
// wants to talk back (e.g. echoing a transcript) calls it directly.
type AudioSinkFactory func(botID, clientID string, speak func(ctx context.Context, text string)) AudioSink

// Builder holds everything a new Bot needs besides its client-specific
// identity, and exposes a bus.Factory closure the Message Bus calls lazily
// on the first ClientConnect for an unknown client.
type Builder struct {
	iceServers  []webrtc.ICEServer
	sinkFactory AudioSinkFactory
	ttsClient   *tts.Client
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

// NewBuilder constructs a Builder. sinkFactory may be nil, in which case
// bots discard any audio they receive (used before the audio pipeline is
// wired up, and in tests). ttsClient may be nil, in which case the sink
// factory's speak callback is also nil.
func NewBuilder(iceServers []webrtc.ICEServer, sinkFactory AudioSinkFactory, ttsClient *tts.Client, logger zerolog.Logger, metrics *observability.Metrics) *Builder {
	return &Builder{
		iceServers:  iceServers,
		sinkFactory: sinkFactory,
		ttsClient:   ttsClient,
		logger:      logger,
		metrics:     metrics,
	}
}

// Factory returns a bus.Factory bound to this Builder's configuration.
func (b *Builder) Factory() bus.Factory {
	return func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) bus.Bot {
		return b.build(clientID, uplink)
	}
}

func (b *Builder) build(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) bus.Bot {
	id := uuid.New().String()
	logger := b.logger.With().Str("client_id", clientID).Str("bot_id", id).Logger()

	peer, err := rtcpeer.New(b.iceServers, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct peer connection, bot starting in failed state")
		return newFailedBot(id, clientID)
	}

	var speak func(ctx context.Context, text string)
	if b.ttsClient != nil {
		speak = NewSpeaker(b.ttsClient, peer.OutboundTrack(), logger).Speak
	}

	var sink AudioSink
	if b.sinkFactory != nil {
		sink = b.sinkFactory(id, clientID, speak)
	}

	return newBot(id, clientID, peer, uplink, sink, logger, b.metrics)
}

// newFailedBot returns a Bot whose Done channel is already closed, so the
// Message Bus immediately drops its route, without needing a variant of the
// bus.Bot interface that can report construction errors.
func newFailedBot(id, clientID string) *Bot {
	done := make(chan struct{})
	close(done)
	return &Bot{
		id:       id,
		clientID: clientID,
		inbound:  mailbox.New[*protocol.Message](1),
		state:    stateFailed,
		done:     done,
	}
}
