package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

// fakeBot is a minimal Bot for exercising bus routing without a real
// negotiation state machine.
type fakeBot struct {
	inbound *mailbox.Mailbox[*protocol.Message]
	done    chan struct{}
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		inbound: mailbox.New[*protocol.Message](100),
		done:    make(chan struct{}),
	}
}

func (f *fakeBot) Inbound() *mailbox.Mailbox[*protocol.Message] { return f.inbound }
func (f *fakeBot) Done() <-chan struct{}                        { return f.done }

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestDispatchClientConnectCreatesBotOnce(t *testing.T) {
	var mu sync.Mutex
	created := make([]string, 0)

	factory := func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) Bot {
		mu.Lock()
		created = append(created, clientID)
		mu.Unlock()
		return newFakeBot()
	}

	uplink := mailbox.New[*protocol.Message](100)
	b := New(uplink, factory, testLogger())

	connect, err := protocol.New(protocol.TypeClientConnect, "c1", "c1", protocol.ClientConnectPayload{ClientID: "c1"})
	require.NoError(t, err)

	b.Dispatch(connect)
	b.Dispatch(connect) // idempotent re-registration is a no-op

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, created)
	assert.Equal(t, 1, b.RouteCount())
}

func TestDispatchOfferRoutesToBot(t *testing.T) {
	bot := newFakeBot()
	factory := func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) Bot { return bot }

	uplink := mailbox.New[*protocol.Message](100)
	b := New(uplink, factory, testLogger())

	connect, _ := protocol.New(protocol.TypeClientConnect, "c1", "c1", protocol.ClientConnectPayload{ClientID: "c1"})
	b.Dispatch(connect)

	offer, _ := protocol.New(protocol.TypeOffer, "c1", "bot-1", protocol.SDPPayload{SDP: "v=0..."})
	b.Dispatch(offer)

	select {
	case got := <-bot.inbound.C():
		assert.Equal(t, protocol.TypeOffer, got.Type)
	default:
		t.Fatal("expected offer to be routed to bot's inbound mailbox")
	}
}

func TestDispatchOfferUnknownClientDropped(t *testing.T) {
	factory := func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) Bot {
		t.Fatal("factory should not be invoked for an offer")
		return nil
	}
	uplink := mailbox.New[*protocol.Message](100)
	b := New(uplink, factory, testLogger())

	offer, _ := protocol.New(protocol.TypeOffer, "unknown-client", "bot-1", protocol.SDPPayload{SDP: "v=0..."})
	b.Dispatch(offer) // must not panic or create a route
	assert.Equal(t, 0, b.RouteCount())
}

func TestDispatchClientDisconnectRemovesRoute(t *testing.T) {
	bot := newFakeBot()
	factory := func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) Bot { return bot }

	uplink := mailbox.New[*protocol.Message](100)
	b := New(uplink, factory, testLogger())

	connect, _ := protocol.New(protocol.TypeClientConnect, "c1", "c1", protocol.ClientConnectPayload{ClientID: "c1"})
	b.Dispatch(connect)
	require.Equal(t, 1, b.RouteCount())

	disconnect, _ := protocol.New(protocol.TypeClientDisconnect, "c1", "c1", protocol.ClientConnectPayload{ClientID: "c1"})
	b.Dispatch(disconnect)

	assert.Equal(t, 0, b.RouteCount())
}

func TestBotTerminationDropsRoute(t *testing.T) {
	bot := newFakeBot()
	factory := func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) Bot { return bot }

	uplink := mailbox.New[*protocol.Message](100)
	b := New(uplink, factory, testLogger())

	connect, _ := protocol.New(protocol.TypeClientConnect, "c1", "c1", protocol.ClientConnectPayload{ClientID: "c1"})
	b.Dispatch(connect)
	require.Equal(t, 1, b.RouteCount())

	close(bot.done)

	require.Eventually(t, func() bool {
		return b.RouteCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchErrorNotForwarded(t *testing.T) {
	factory := func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) Bot {
		t.Fatal("factory should not be invoked for an error frame")
		return nil
	}
	uplink := mailbox.New[*protocol.Message](100)
	b := New(uplink, factory, testLogger())

	errMsg := protocol.NewError("signaling", "w1", "worker_gone", "bound worker disconnected")
	b.Dispatch(errMsg) // must not panic
	assert.Equal(t, 0, b.RouteCount())
}
