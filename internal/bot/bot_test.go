package bot

import (
	"os"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
}

// fakePeer is a peerConn test double: it records calls and lets the test
// drive candidate/track/state events without a real ICE agent.
type fakePeer struct {
	localCandidates chan webrtc.ICECandidateInit
	remoteTracks    chan *webrtc.TrackRemote
	stateChanges    chan webrtc.PeerConnectionState

	offersHandled  []string
	answerSDP      string
	answerErr      error
	addedCandidate []webrtc.ICECandidateInit
	closed         bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		localCandidates: make(chan webrtc.ICECandidateInit, 8),
		remoteTracks:    make(chan *webrtc.TrackRemote, 1),
		stateChanges:    make(chan webrtc.PeerConnectionState, 1),
		answerSDP:       "v=0 answer",
	}
}

func (f *fakePeer) LocalCandidates() <-chan webrtc.ICECandidateInit { return f.localCandidates }
func (f *fakePeer) RemoteTracks() <-chan *webrtc.TrackRemote        { return f.remoteTracks }
func (f *fakePeer) StateChanges() <-chan webrtc.PeerConnectionState { return f.stateChanges }

func (f *fakePeer) HandleOffer(sdp string) (string, error) {
	f.offersHandled = append(f.offersHandled, sdp)
	return f.answerSDP, f.answerErr
}

func (f *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.addedCandidate = append(f.addedCandidate, candidate)
	return nil
}

func (f *fakePeer) Close() error {
	f.closed = true
	return nil
}

func newTestBot(peer peerConn) (*Bot, *mailbox.Mailbox[*protocol.Message]) {
	uplink := mailbox.New[*protocol.Message](100)
	b := newBot("bot-1", "client-1", peer, uplink, nil, testLogger(), nil)
	return b, uplink
}

func TestOfferTransitionsToActiveAndSendsAnswer(t *testing.T) {
	peer := newFakePeer()
	b, uplink := newTestBot(peer)
	defer b.Stop()

	offer, err := protocol.New(protocol.TypeOffer, "client-1", "bot-1", protocol.SDPPayload{SDP: "v=0 offer"})
	require.NoError(t, err)
	require.NoError(t, b.inbound.Send(offer))

	var answer *protocol.Message
	select {
	case answer = <-uplink.C():
	case <-time.After(time.Second):
		t.Fatal("expected an answer on the uplink mailbox")
	}

	assert.Equal(t, protocol.TypeAnswer, answer.Type)
	assert.Equal(t, "bot-1", answer.From)
	assert.Equal(t, "client-1", answer.To)

	require.Eventually(t, func() bool { return b.currentState() == stateActive }, time.Second, 5*time.Millisecond)
}

func TestLocalCandidateBufferedUntilRemoteDescriptionSet(t *testing.T) {
	peer := newFakePeer()
	b, uplink := newTestBot(peer)
	defer b.Stop()

	peer.localCandidates <- webrtc.ICECandidateInit{Candidate: "candidate:1 early"}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.localCandidateBuf) == 1
	}, time.Second, 5*time.Millisecond)

	select {
	case <-uplink.C():
		t.Fatal("candidate discovered before the offer must be buffered, not sent")
	case <-time.After(50 * time.Millisecond):
	}

	offer, _ := protocol.New(protocol.TypeOffer, "client-1", "bot-1", protocol.SDPPayload{SDP: "v=0 offer"})
	require.NoError(t, b.inbound.Send(offer))

	var seen []*protocol.Message
	for i := 0; i < 2; i++ {
		select {
		case msg := <-uplink.C():
			seen = append(seen, msg)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 frames on uplink, got %d", len(seen))
		}
	}

	var candidateMsg *protocol.Message
	for _, msg := range seen {
		if msg.Type == protocol.TypeIceCandidate {
			candidateMsg = msg
		}
	}
	require.NotNil(t, candidateMsg, "buffered candidate must be flushed after the answer is sent")

	var payload protocol.ICECandidatePayload
	require.NoError(t, candidateMsg.DecodePayload(&payload))
	assert.Equal(t, "candidate:1 early", payload.Candidate)
}

func TestRemoteCandidateBufferedUntilOfferProcessed(t *testing.T) {
	peer := newFakePeer()
	b, _ := newTestBot(peer)
	defer b.Stop()

	cand, _ := protocol.New(protocol.TypeIceCandidate, "client-1", "bot-1", protocol.ICECandidatePayload{Candidate: "candidate:2 remote"})
	require.NoError(t, b.inbound.Send(cand))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.remoteCandidateBuf) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, peer.addedCandidate, "candidate must not reach the peer connection before the offer is processed")

	offer, _ := protocol.New(protocol.TypeOffer, "client-1", "bot-1", protocol.SDPPayload{SDP: "v=0 offer"})
	require.NoError(t, b.inbound.Send(offer))

	require.Eventually(t, func() bool { return len(peer.addedCandidate) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "candidate:2 remote", peer.addedCandidate[0].Candidate)
}

func TestRenegotiationOnSecondOfferStaysActive(t *testing.T) {
	peer := newFakePeer()
	b, uplink := newTestBot(peer)
	defer b.Stop()

	offer1, _ := protocol.New(protocol.TypeOffer, "client-1", "bot-1", protocol.SDPPayload{SDP: "v=0 offer-1"})
	require.NoError(t, b.inbound.Send(offer1))
	<-uplink.C()
	require.Eventually(t, func() bool { return b.currentState() == stateActive }, time.Second, 5*time.Millisecond)

	offer2, _ := protocol.New(protocol.TypeOffer, "client-1", "bot-1", protocol.SDPPayload{SDP: "v=0 offer-2"})
	require.NoError(t, b.inbound.Send(offer2))

	select {
	case answer := <-uplink.C():
		assert.Equal(t, protocol.TypeAnswer, answer.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a second answer for the renegotiation")
	}

	assert.Equal(t, stateActive, b.currentState())
	assert.Len(t, peer.offersHandled, 2)
}

func TestClientDisconnectTerminatesBot(t *testing.T) {
	peer := newFakePeer()
	b, _ := newTestBot(peer)

	disconnect, _ := protocol.New(protocol.TypeClientDisconnect, "client-1", "bot-1", protocol.ClientConnectPayload{ClientID: "client-1"})
	require.NoError(t, b.inbound.Send(disconnect))

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("expected bot to terminate on client_disconnect")
	}
	assert.True(t, peer.closed, "peer connection must be closed on termination")
}

func TestPeerConnectionFailedTerminatesBot(t *testing.T) {
	peer := newFakePeer()
	b, _ := newTestBot(peer)

	peer.stateChanges <- webrtc.PeerConnectionStateFailed

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("expected bot to terminate on a failed peer connection")
	}
	assert.Equal(t, stateFailed, b.currentState())
}

func TestAnswerWhileNewIsIgnoredNotFatal(t *testing.T) {
	peer := newFakePeer()
	b, _ := newTestBot(peer)
	defer b.Stop()

	answer, _ := protocol.New(protocol.TypeAnswer, "client-1", "bot-1", protocol.SDPPayload{SDP: "v=0 answer"})
	require.NoError(t, b.inbound.Send(answer))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stateNew, b.currentState())
}
