// Package clientsession implements the signaling-side state machine for one
// connected browser client: AWAITING_CONNECT -> ASSIGNED|NO_WORKER -> ACTIVE
// -> CLOSED.
//
// Grounded on the same teacher connection-handling shape as
// internal/workersession (read loop + write pump over a bounded mailbox),
// parameterized for the client role instead of the worker role.
package clientsession

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 15 * time.Second
	maxMessageSize = 64 * 1024
)

// Session owns one client's WebSocket connection for its entire lifetime.
type Session struct {
	conn     *websocket.Conn
	registry *registry.Registry
	logger   zerolog.Logger

	clientID string
	outbound *registry.Outbound
}

// New constructs a Session bound to an accepted WebSocket connection.
func New(conn *websocket.Conn, reg *registry.Registry, logger zerolog.Logger) *Session {
	return &Session{
		conn:     conn,
		registry: reg,
		logger:   logger.With().Str("component", "client-session").Logger(),
	}
}

// Run drives the session's state machine until the connection closes.
func (s *Session) Run() {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if !s.awaitConnect() {
		return
	}
	defer s.registry.RemoveClient(s.clientID)

	s.active()
}

// awaitConnect blocks for the first frame, which MUST be ClientConnect. On
// success it registers the client, assigns a worker, replies
// ClientConnected, and forwards the original ClientConnect to the worker so
// it can instantiate a bot.
func (s *Session) awaitConnect() bool {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Debug().Err(err).Msg("connection closed before connect")
		return false
	}

	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeClientConnect {
		s.writeDirect(protocol.NewError("", "", "expected_connect", "first frame must be client_connect"))
		return false
	}

	var payload protocol.ClientConnectPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.ClientID == "" {
		s.writeDirect(protocol.NewError("", "", "expected_connect", "invalid client_connect payload"))
		return false
	}

	s.clientID = payload.ClientID
	s.outbound = mailbox.New[*protocol.Message](registry.DefaultMailboxCapacity)

	if err := s.registry.RegisterClient(s.clientID, s.outbound); err != nil {
		s.writeDirect(protocol.NewError("", s.clientID, "duplicate_connect", err.Error()))
		return false
	}

	serverID, err := s.registry.Assign(s.clientID)
	if err != nil {
		s.writeDirect(protocol.NewError("", s.clientID, "no_worker", "no worker is currently available"))
		s.registry.RemoveClient(s.clientID)
		return false
	}

	s.startWritePump()

	connected, _ := protocol.New(protocol.TypeClientConnected, "", s.clientID, protocol.ClientConnectedPayload{ServerID: serverID})
	if err := s.outbound.Send(connected); err != nil {
		s.logger.Warn().Err(err).Msg("failed to enqueue client_connected ack")
	}

	forward, _ := protocol.New(protocol.TypeClientConnect, s.clientID, s.clientID, payload)
	if err := s.registry.ForwardToWorker(serverID, forward); err != nil {
		s.logger.Warn().Err(err).Str("server_id", serverID).Msg("failed to forward client_connect to worker")
	}

	s.logger.Info().Str("client_id", s.clientID).Str("server_id", serverID).Msg("client assigned to worker")
	return true
}

// active is the ACTIVE-state read loop: only Offer/Answer/IceCandidate are
// forwarded to the bound worker; other variants yield Error{unexpected} but
// do not close the connection.
func (s *Session) active() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Str("client_id", s.clientID).Msg("client disconnected")
			} else {
				s.logger.Warn().Err(err).Str("client_id", s.clientID).Msg("read error")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("client_id", s.clientID).Msg("malformed frame from client")
			continue
		}

		switch msg.Type {
		case protocol.TypeClientDisconnect:
			s.logger.Info().Str("client_id", s.clientID).Msg("client requested disconnect")
			msg.From = s.clientID
			if err := s.registry.ForwardToWorkerByClient(s.clientID, msg); err != nil {
				s.logger.Debug().Err(err).Str("client_id", s.clientID).Msg("could not forward disconnect to worker")
			}
			return

		case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate:
			msg.From = s.clientID
			if err := s.registry.ForwardToWorkerByClient(s.clientID, msg); err != nil {
				s.logger.Debug().Err(err).Str("client_id", s.clientID).Msg("could not forward to worker")
			}

		default:
			_ = s.outbound.Send(protocol.NewError("", s.clientID, "unexpected", "unexpected frame type in active state"))
		}
	}
}

func (s *Session) startWritePump() {
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case msg, ok := <-s.outbound.C():
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				data, err := msg.Encode()
				if err != nil {
					continue
				}
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.logger.Debug().Err(err).Str("client_id", s.clientID).Msg("write to client failed")
					return
				}
			case <-ticker.C:
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Debug().Err(err).Str("client_id", s.clientID).Msg("ping to client failed")
					return
				}
			}
		}
	}()
}

func (s *Session) writeDirect(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}
