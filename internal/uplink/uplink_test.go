package uplink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeSignalingServer accepts exactly one connection, performs the
// register handshake, and exposes the accepted *websocket.Conn for the
// test to drive directly.
type fakeSignalingServer struct {
	got chan *websocket.Conn
}

func newFakeSignalingServer() *fakeSignalingServer {
	return &fakeSignalingServer{got: make(chan *websocket.Conn, 1)}
}

func (f *fakeSignalingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeServerRegister {
		return
	}

	ack, _ := protocol.New(protocol.TypeServerRegistered, "", "", protocol.ServerRegisteredPayload{ServerID: "w1"})
	encoded, _ := ack.Encode()
	_ = conn.WriteMessage(websocket.TextMessage, encoded)

	f.got <- conn
}

func wsURL(httpSrv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func TestUplinkConnectsAndDispatches(t *testing.T) {
	fake := newFakeSignalingServer()
	httpSrv := httptest.NewServer(fake)
	t.Cleanup(httpSrv.Close)

	outbound := mailbox.New[*protocol.Message](100)
	b := bus.New(outbound, func(clientID string, uplinkOut *mailbox.Mailbox[*protocol.Message]) bus.Bot {
		return newCapturingBot()
	}, testLogger())

	cfg := Config{URL: wsURL(httpSrv), ServerID: "w1", Capacity: 10}
	u := New(cfg, b, outbound, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go u.Run(ctx)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-fake.got:
	case <-time.After(2 * time.Second):
		t.Fatal("uplink never completed handshake")
	}

	require.Eventually(t, func() bool { return u.Connected() }, time.Second, 5*time.Millisecond)

	connect, err := protocol.New(protocol.TypeClientConnect, "c1", "c1", protocol.ClientConnectPayload{ClientID: "c1"})
	require.NoError(t, err)
	data, err := connect.Encode()
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool { return b.RouteCount() == 1 }, time.Second, 5*time.Millisecond)
}

// capturingBot is a minimal bus.Bot used only to prove the uplink's read
// loop reaches the Message Bus.
type capturingBot struct {
	inbound *mailbox.Mailbox[*protocol.Message]
	done    chan struct{}
}

func newCapturingBot() *capturingBot {
	return &capturingBot{
		inbound: mailbox.New[*protocol.Message](10),
		done:    make(chan struct{}),
	}
}

func (c *capturingBot) Inbound() *mailbox.Mailbox[*protocol.Message] { return c.inbound }
func (c *capturingBot) Done() <-chan struct{}                        { return c.done }

func TestUplinkReconnectsAfterDisconnect(t *testing.T) {
	attempts := make(chan struct{}, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		attempts <- struct{}{}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil || msg.Type != protocol.TypeServerRegister {
			return
		}
		ack, _ := protocol.New(protocol.TypeServerRegistered, "", "", protocol.ServerRegisteredPayload{ServerID: "w1"})
		encoded, _ := ack.Encode()
		_ = conn.WriteMessage(websocket.TextMessage, encoded)

		// Immediately drop the connection to force a reconnect.
		_ = conn.Close()
	})
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	outbound := mailbox.New[*protocol.Message](100)
	b := bus.New(outbound, func(clientID string, uplinkOut *mailbox.Mailbox[*protocol.Message]) bus.Bot {
		return nil
	}, testLogger())

	cfg := Config{
		URL:             wsURL(httpSrv),
		ServerID:        "w1",
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}
	u := New(cfg, b, outbound, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected at least 2 connection attempts, got %d", i)
		}
	}
}

func TestNonZeroDefaults(t *testing.T) {
	assert.Equal(t, time.Second, nonZero(0, time.Second))
	assert.Equal(t, 5*time.Second, nonZero(5*time.Second, time.Second))
	assert.Equal(t, 0.2, nonZeroF(0, 0.2))
}
