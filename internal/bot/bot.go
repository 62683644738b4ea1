// Package bot implements the Bot: the single cooperative task that owns one
// client's peer connection and drives the offer/answer/candidate
// negotiation state machine described by the protocol this repo implements.
//
// Grounded on the teacher's voice.Orchestrator callback-wiring shape
// (SetOnICECandidate, HandleOffer/HandleAnswer/CreateOffer delegating to an
// engine) collapsed into a single per-bot select loop that multiplexes its
// inbound signaling mailbox against the RTC Peer Wrapper's event channels,
// per this repo's cyclic-ownership rule: peer-connection callbacks hold
// only a send-only channel, never the bot itself.
package bot

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

// negotiationState is the bot's negotiation state machine: NEW -> ACTIVE ->
// FAILED|CLOSED.
type negotiationState int

const (
	stateNew negotiationState = iota
	stateActive
	stateFailed
	stateClosed
)

func (s negotiationState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateActive:
		return "active"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AudioSink receives Opus payloads read from the bot's remote audio track.
// Implemented by internal/audiopipeline.
type AudioSink interface {
	PushOpusPacket(payload []byte)
	Close()
}

type discardSink struct{}

func (discardSink) PushOpusPacket([]byte) {}
func (discardSink) Close()                {}

// peerConn is the subset of *rtcpeer.Peer the negotiation state machine
// depends on; abstracted so the FSM can be exercised without a real ICE
// agent in tests.
type peerConn interface {
	LocalCandidates() <-chan webrtc.ICECandidateInit
	RemoteTracks() <-chan *webrtc.TrackRemote
	StateChanges() <-chan webrtc.PeerConnectionState
	HandleOffer(sdp string) (string, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Bot is one client's negotiation task. It satisfies bus.Bot.
type Bot struct {
	id       string // bot_id: this bot's outbound signaling identity
	clientID string

	peer    peerConn
	uplink  *mailbox.Mailbox[*protocol.Message]
	inbound *mailbox.Mailbox[*protocol.Message]
	sink    AudioSink

	logger  zerolog.Logger
	metrics *observability.Metrics

	mu                   sync.Mutex
	state                negotiationState
	remoteDescriptionSet bool
	localCandidateBuf    []webrtc.ICECandidateInit
	remoteCandidateBuf   []webrtc.ICECandidateInit

	done chan struct{}
}

func newBot(id, clientID string, peer peerConn, uplink *mailbox.Mailbox[*protocol.Message], sink AudioSink, logger zerolog.Logger, metrics *observability.Metrics) *Bot {
	if sink == nil {
		sink = discardSink{}
	}
	b := &Bot{
		id:       id,
		clientID: clientID,
		peer:     peer,
		uplink:   uplink,
		inbound:  mailbox.New[*protocol.Message](100),
		sink:     sink,
		logger:   logger.With().Str("component", "bot").Str("bot_id", id).Str("client_id", clientID).Logger(),
		metrics:  metrics,
		done:     make(chan struct{}),
	}
	if metrics != nil {
		metrics.BotsActive.WithLabelValues().Inc()
	}
	go b.run()
	return b
}

// ID returns this bot's outbound signaling identity (bot_id).
func (b *Bot) ID() string { return b.id }

// Inbound returns the mailbox the Message Bus delivers signaling frames to.
func (b *Bot) Inbound() *mailbox.Mailbox[*protocol.Message] { return b.inbound }

// Done closes when the bot reaches FAILED or CLOSED.
func (b *Bot) Done() <-chan struct{} { return b.done }

// Stop requests termination; safe to call multiple times.
func (b *Bot) Stop() { b.inbound.Close() }

func (b *Bot) run() {
	defer close(b.done)
	defer b.peer.Close()
	defer b.inbound.Close()
	defer b.sink.Close()
	defer func() {
		if b.metrics != nil {
			b.metrics.BotsActive.WithLabelValues().Dec()
		}
	}()

	for {
		select {
		case msg, ok := <-b.inbound.C():
			if !ok {
				return
			}
			if b.dispatch(msg) {
				return
			}

		case cand, ok := <-b.peer.LocalCandidates():
			if ok {
				b.handleLocalCandidate(cand)
			}

		case track, ok := <-b.peer.RemoteTracks():
			if ok {
				go b.readRemoteTrack(track)
			}

		case state, ok := <-b.peer.StateChanges():
			if ok && b.handleStateChange(state) {
				return
			}
		}
	}
}

// dispatch processes one inbound signaling frame and reports whether the
// bot should now terminate.
func (b *Bot) dispatch(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeOffer:
		b.handleOffer(msg)
	case protocol.TypeAnswer:
		b.handleAnswer()
	case protocol.TypeIceCandidate:
		b.handleRemoteCandidate(msg)
	case protocol.TypeClientDisconnect:
		b.setState(stateClosed)
		return true
	case protocol.TypeError:
		b.logger.Debug().Msg("error frame received on inbound mailbox, terminating")
		b.setState(stateClosed)
		return true
	default:
		b.logger.Debug().Str("type", string(msg.Type)).Msg("unexpected message type for bot")
	}
	return b.currentState() == stateFailed
}

// handleOffer covers both the NEW->ACTIVE transition and in-ACTIVE
// renegotiation: both set the remote description, create a fresh answer,
// set the local description, and send it.
func (b *Bot) handleOffer(msg *protocol.Message) {
	if s := b.currentState(); s == stateFailed || s == stateClosed {
		return
	}

	var payload protocol.SDPPayload
	if err := msg.DecodePayload(&payload); err != nil {
		b.logger.Warn().Err(err).Msg("malformed offer payload, dropped")
		return
	}

	answerSDP, err := b.peer.HandleOffer(payload.SDP)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to process offer")
		b.setState(stateFailed)
		return
	}

	answer, err := protocol.New(protocol.TypeAnswer, b.id, b.clientID, protocol.SDPPayload{SDP: answerSDP})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to build answer")
		return
	}
	if err := b.uplink.Send(answer); err != nil {
		b.logger.Warn().Err(err).Msg("failed to enqueue answer")
	}

	wasNew := b.currentState() == stateNew
	b.setState(stateActive)

	b.mu.Lock()
	b.remoteDescriptionSet = true
	localBuf := b.localCandidateBuf
	b.localCandidateBuf = nil
	remoteBuf := b.remoteCandidateBuf
	b.remoteCandidateBuf = nil
	b.mu.Unlock()

	for _, cand := range localBuf {
		b.sendLocalCandidate(cand)
	}
	for _, cand := range remoteBuf {
		if err := b.peer.AddICECandidate(cand); err != nil {
			b.logger.Warn().Err(err).Msg("failed to add buffered remote candidate")
		}
	}

	if wasNew {
		b.logger.Info().Msg("negotiation active")
	} else {
		b.logger.Info().Msg("renegotiated")
	}
}

// handleAnswer: a bot is answerer-only, so an Answer while NEW is a
// protocol violation (logged, not fatal); while ACTIVE it is simply
// ignored, matching the design note that bots never send an Offer.
func (b *Bot) handleAnswer() {
	if b.currentState() == stateNew {
		b.logger.Warn().Msg("received answer while awaiting offer, ignored")
	}
}

// handleRemoteCandidate applies an ICE candidate from the client, or
// buffers it until the remote description has been applied.
func (b *Bot) handleRemoteCandidate(msg *protocol.Message) {
	if s := b.currentState(); s == stateFailed || s == stateClosed {
		return
	}

	var payload protocol.ICECandidatePayload
	if err := msg.DecodePayload(&payload); err != nil {
		b.logger.Warn().Err(err).Msg("malformed ice_candidate payload, dropped")
		return
	}
	cand := icePayloadToCandidate(payload)

	b.mu.Lock()
	ready := b.remoteDescriptionSet
	if !ready {
		b.remoteCandidateBuf = append(b.remoteCandidateBuf, cand)
	}
	b.mu.Unlock()

	if !ready {
		return
	}
	if err := b.peer.AddICECandidate(cand); err != nil {
		b.logger.Warn().Err(err).Msg("failed to add remote candidate")
	}
}

// handleLocalCandidate implements the critical ICE trickle-buffering rule:
// candidates discovered before the remote description is applied must be
// buffered and flushed only once the answer has been sent.
func (b *Bot) handleLocalCandidate(cand webrtc.ICECandidateInit) {
	b.mu.Lock()
	ready := b.remoteDescriptionSet
	if !ready {
		b.localCandidateBuf = append(b.localCandidateBuf, cand)
	}
	b.mu.Unlock()

	if !ready {
		if b.metrics != nil {
			b.metrics.ICECandidatesBuffered.WithLabelValues().Inc()
		}
		return
	}
	b.sendLocalCandidate(cand)
}

func (b *Bot) sendLocalCandidate(cand webrtc.ICECandidateInit) {
	payload := protocol.ICECandidatePayload{Candidate: cand.Candidate}
	if cand.SDPMid != nil {
		payload.SDPMid = *cand.SDPMid
	}
	if cand.SDPMLineIndex != nil {
		idx := *cand.SDPMLineIndex
		payload.SDPMLineIndex = &idx
	}
	msg, err := protocol.New(protocol.TypeIceCandidate, b.id, b.clientID, payload)
	if err != nil {
		return
	}
	if err := b.uplink.Send(msg); err != nil {
		b.logger.Warn().Err(err).Msg("failed to enqueue ice candidate")
	}
}

func (b *Bot) handleStateChange(state webrtc.PeerConnectionState) (terminate bool) {
	switch state {
	case webrtc.PeerConnectionStateFailed:
		b.setState(stateFailed)
		return true
	case webrtc.PeerConnectionStateClosed:
		b.setState(stateClosed)
		return true
	default:
		b.logger.Debug().Str("state", state.String()).Msg("peer connection state changed")
		return false
	}
}

func (b *Bot) readRemoteTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			b.logger.Debug().Err(err).Msg("remote track read ended")
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		b.sink.PushOpusPacket(pkt.Payload)
	}
}

func (b *Bot) setState(s negotiationState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.NegotiationTotal.WithLabelValues(s.String()).Inc()
	}
}

func (b *Bot) currentState() negotiationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func icePayloadToCandidate(payload protocol.ICECandidatePayload) webrtc.ICECandidateInit {
	cand := webrtc.ICECandidateInit{Candidate: payload.Candidate}
	if payload.SDPMid != "" {
		mid := payload.SDPMid
		cand.SDPMid = &mid
	}
	if payload.SDPMLineIndex != nil {
		idx := *payload.SDPMLineIndex
		cand.SDPMLineIndex = &idx
	}
	return cand
}
