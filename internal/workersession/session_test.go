package workersession

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
}

// pipeConns returns a connected pair of *websocket.Conn backed by an
// in-memory, unbuffered net.Pipe, so a test can drive a Session without a
// real HTTP listener. Grounded on gorilla/websocket's NewConn, the escape
// hatch the library exposes for callers that negotiate the upgrade
// themselves; net.Pipe's synchronous Read/Write pairing is used
// deliberately below to control exactly when the write pump observes
// backpressure.
func pipeConns() (server, client *websocket.Conn) {
	serverRaw, clientRaw := net.Pipe()
	return websocket.NewConn(serverRaw, true, 0, 0), websocket.NewConn(clientRaw, false, 0, 0)
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readMsg(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestAwaitRegisterRejectsWrongFirstFrame(t *testing.T) {
	server, client := pipeConns()
	reg := registry.New(testLogger())
	done := make(chan struct{})
	go func() {
		New(server, reg, testLogger()).Run()
		close(done)
	}()

	offer, _ := protocol.New(protocol.TypeOffer, "c1", "w1", protocol.SDPPayload{SDP: "x"})
	writeMsg(t, client, offer)

	reply := readMsg(t, client)
	require.Equal(t, protocol.TypeError, reply.Type)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after invalid first frame")
	}
	require.Equal(t, 0, reg.WorkerCount())
}

func TestRegisterAcksAndForwardsNegotiationFrames(t *testing.T) {
	server, client := pipeConns()
	reg := registry.New(testLogger())
	go New(server, reg, testLogger()).Run()

	register, _ := protocol.New(protocol.TypeServerRegister, "", "", protocol.ServerRegisterPayload{ServerID: "w1"})
	writeMsg(t, client, register)

	ack := readMsg(t, client)
	require.Equal(t, protocol.TypeServerRegistered, ack.Type)
	require.Eventually(t, func() bool { return reg.WorkerCount() == 1 }, time.Second, 10*time.Millisecond)

	clientOutbound := mailbox.New[*protocol.Message](10)
	require.NoError(t, reg.RegisterClient("c1", clientOutbound))

	answer, _ := protocol.New(protocol.TypeAnswer, "bot_c1", "c1", protocol.SDPPayload{SDP: "answer-sdp"})
	writeMsg(t, client, answer)

	select {
	case forwarded := <-clientOutbound.C():
		require.Equal(t, protocol.TypeAnswer, forwarded.Type)
		require.Equal(t, "bot_c1", forwarded.From)
	case <-time.After(2 * time.Second):
		t.Fatal("answer was not forwarded to the bound client")
	}
}

func TestServerDisconnectEndsSessionAndRemovesWorker(t *testing.T) {
	server, client := pipeConns()
	reg := registry.New(testLogger())
	done := make(chan struct{})
	go func() {
		New(server, reg, testLogger()).Run()
		close(done)
	}()

	register, _ := protocol.New(protocol.TypeServerRegister, "", "", protocol.ServerRegisterPayload{ServerID: "w1"})
	writeMsg(t, client, register)
	_ = readMsg(t, client) // server_registered ack

	disconnect, _ := protocol.New(protocol.TypeServerDisconnect, "w1", "", nil)
	writeMsg(t, client, disconnect)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after server_disconnect")
	}
	require.Equal(t, 0, reg.WorkerCount())
}

// TestSlowWorkerIsDisconnected exercises scenario S6: a worker whose
// outbound mailbox fills to capacity because its physical connection drains
// slower than frames are forwarded to it is disconnected with
// Error{code=slow_consumer}, rather than left to block the forwarding
// goroutine or grow its queue unbounded.
func TestSlowWorkerIsDisconnected(t *testing.T) {
	server, client := pipeConns()
	reg := registry.New(testLogger())
	done := make(chan struct{})
	go func() {
		New(server, reg, testLogger()).Run()
		close(done)
	}()

	register, _ := protocol.New(protocol.TypeServerRegister, "", "", protocol.ServerRegisterPayload{ServerID: "w1"})
	writeMsg(t, client, register)
	_ = readMsg(t, client) // server_registered ack; unblocks the write pump

	// Flood the worker's outbound mailbox faster than this test drains it.
	// net.Pipe's Write is synchronous, so the write pump cannot make
	// progress until the loop below reads again; the mailbox (capacity
	// registry.DefaultMailboxCapacity) fills and the rest are dropped,
	// matching "after at most 100 queued messages" from the scenario.
	for i := 0; i < 200; i++ {
		offer, _ := protocol.New(protocol.TypeOffer, "c1", "w1", protocol.SDPPayload{SDP: "flood"})
		_ = reg.ForwardToWorker("w1", offer)
	}

	sawSlowConsumer := false
	for i := 0; i < registry.DefaultMailboxCapacity+2; i++ {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if msg.Type == protocol.TypeError {
			var payload protocol.ErrorPayload
			require.NoError(t, msg.DecodePayload(&payload))
			require.Equal(t, "slow_consumer", payload.Code)
			sawSlowConsumer = true
			break
		}
	}

	require.True(t, sawSlowConsumer, "expected a slow_consumer error before the mailbox drained")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after disconnecting the slow worker")
	}
}
