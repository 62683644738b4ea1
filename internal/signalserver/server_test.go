package signalserver

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
}

func setupServer(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()
	reg := registry.New(testLogger())
	srv := New(reg, nil, testLogger())
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return reg, httpSrv
}

func wsURL(httpSrv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestWorkerEndpointRegistersAndAcks(t *testing.T) {
	reg, httpSrv := setupServer(t)
	conn := dial(t, wsURL(httpSrv, "/ws/server"))

	register, err := protocol.New(protocol.TypeServerRegister, "", "", protocol.ServerRegisterPayload{ServerID: "worker-1"})
	require.NoError(t, err)
	data, err := register.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	ack := readMessage(t, conn)
	require.Equal(t, protocol.TypeServerRegistered, ack.Type)

	require.Eventually(t, func() bool {
		return reg.WorkerCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClientEndpointRejectsWithNoWorkerAvailable(t *testing.T) {
	_, httpSrv := setupServer(t)
	conn := dial(t, wsURL(httpSrv, "/ws/client"))

	connect, err := protocol.New(protocol.TypeClientConnect, "", "", protocol.ClientConnectPayload{ClientID: "client-1"})
	require.NoError(t, err)
	data, err := connect.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	reply := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, reply.Type)
}

func TestClientEndpointAssignsWorkerAfterRegistration(t *testing.T) {
	reg, httpSrv := setupServer(t)
	workerConn := dial(t, wsURL(httpSrv, "/ws/server"))

	register, _ := protocol.New(protocol.TypeServerRegister, "", "", protocol.ServerRegisterPayload{ServerID: "worker-1"})
	data, _ := register.Encode()
	require.NoError(t, workerConn.WriteMessage(websocket.TextMessage, data))
	_ = readMessage(t, workerConn) // server_registered ack

	require.Eventually(t, func() bool { return reg.WorkerCount() == 1 }, time.Second, 10*time.Millisecond)

	clientConn := dial(t, wsURL(httpSrv, "/ws/client"))
	connect, _ := protocol.New(protocol.TypeClientConnect, "", "", protocol.ClientConnectPayload{ClientID: "client-1"})
	data, _ = connect.Encode()
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, data))

	connected := readMessage(t, clientConn)
	require.Equal(t, protocol.TypeClientConnected, connected.Type)
	var payload protocol.ClientConnectedPayload
	require.NoError(t, connected.DecodePayload(&payload))
	require.Equal(t, "worker-1", payload.ServerID)

	forwarded := readMessage(t, workerConn)
	require.Equal(t, protocol.TypeClientConnect, forwarded.Type)
}

func TestHealthzEndpointWithoutHealthChecker(t *testing.T) {
	_, httpSrv := setupServer(t)

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}
