// Package rtcpeer wraps one bot's WebRTC peer connection: media engine
// setup, the outbound Opus track added before SDP exchange, and the
// peer-connection callbacks surfaced as channels.
//
// Grounded on the teacher's voice.Engine.AddPeer (per-peer construction,
// OnTrack/OnICECandidate/OnICEConnectionStateChange wiring, CreateOffer/
// HandleOffer/HandleAnswer/AddICECandidate), collapsed from a map of peers
// to a single peer per wrapper since one bot owns exactly one connection.
//
// Per the cyclic-ownership discipline used throughout this repo, every
// PeerConnection callback only ever sends on a channel owned by Peer; it
// never reaches back into the owning bot. The ICE candidate trickle-buffer
// rule (spec.md's bot negotiation FSM) is the caller's responsibility: Peer
// only ever reports what the underlying stack produced, in order.
package rtcpeer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DefaultICEServers are the STUN servers used when no explicit ICE
// configuration is supplied. TURN deployment is out of scope for this repo.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

const opusClockRate = 48000

// Peer wraps a single WebRTC peer connection. It is answerer-only: bots
// never initiate an offer toward a browser client.
type Peer struct {
	pc            *webrtc.PeerConnection
	outboundTrack *webrtc.TrackLocalStaticSample
	logger        zerolog.Logger

	localCandidates chan webrtc.ICECandidateInit
	remoteTracks    chan *webrtc.TrackRemote
	stateChanges    chan webrtc.PeerConnectionState

	closeOnce sync.Once
}

// New constructs a Peer: a media engine with Opus 48kHz mono registered, a
// fresh peer connection, and an outbound Opus track added immediately so
// the eventual answer carries a send-direction audio m-line.
func New(iceServers []webrtc.ICEServer, logger zerolog.Logger) (*Peer, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  1,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("rtcpeer: register opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("rtcpeer: new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 1},
		"audio", "voxrelay-bot",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("rtcpeer: create outbound track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("rtcpeer: add outbound track: %w", err)
	}

	p := &Peer{
		pc:              pc,
		outboundTrack:   track,
		logger:          logger.With().Str("component", "rtcpeer").Logger(),
		localCandidates: make(chan webrtc.ICECandidateInit, 32),
		remoteTracks:    make(chan *webrtc.TrackRemote, 4),
		stateChanges:    make(chan webrtc.PeerConnectionState, 8),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		select {
		case p.localCandidates <- c.ToJSON():
		default:
			p.logger.Warn().Msg("local candidate channel full, candidate dropped")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		select {
		case p.remoteTracks <- track:
		default:
			p.logger.Warn().Msg("remote track channel full, track dropped")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		select {
		case p.stateChanges <- state:
		default:
		}
	})

	return p, nil
}

// LocalCandidates yields ICE candidates discovered by this peer connection,
// in discovery order.
func (p *Peer) LocalCandidates() <-chan webrtc.ICECandidateInit { return p.localCandidates }

// RemoteTracks yields remote audio tracks as they arrive.
func (p *Peer) RemoteTracks() <-chan *webrtc.TrackRemote { return p.remoteTracks }

// StateChanges yields peer connection state transitions.
func (p *Peer) StateChanges() <-chan webrtc.PeerConnectionState { return p.stateChanges }

// OutboundTrack returns the track bots write synthesized/relayed audio to.
func (p *Peer) OutboundTrack() *webrtc.TrackLocalStaticSample { return p.outboundTrack }

// HandleOffer applies a remote offer and returns the local answer SDP.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("rtcpeer: set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtcpeer: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtcpeer: set local description: %w", err)
	}

	return answer.SDP, nil
}

// AddICECandidate applies a remote ICE candidate.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// Close tears down the peer connection. Safe to call multiple times; all
// callback-spawned activity observes a clean termination once the
// underlying connection closes.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}
