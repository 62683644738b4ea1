// Package workersession implements the signaling-side state machine for one
// connected media worker: AWAITING_REGISTER -> ACTIVE -> DRAINING/CLOSED.
//
// Grounded on the teacher's internal/network/signaling.Server.handleConnection
// read loop and peerConn.startWritePump (ping ticker + bounded outbound
// channel + write deadline), generalized from "one connection per channel
// peer" to "one connection per worker, fleet-wide".
package workersession

import (
	"encoding/json"
	"errors"
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
	maxMessageSize = 256 * 1024
)

// Session owns one worker's WebSocket connection for its entire lifetime.
type Session struct {
	conn     *websocket.Conn
	registry *registry.Registry
	logger   zerolog.Logger

	serverID string
	outbound *registry.Outbound
}

// New constructs a Session bound to an accepted WebSocket connection. The
// session is not active on the registry until Run processes the first
// ServerRegister frame.
func New(conn *websocket.Conn, reg *registry.Registry, logger zerolog.Logger) *Session {
	return &Session{
		conn:     conn,
		registry: reg,
		logger:   logger.With().Str("component", "worker-session").Logger(),
	}
}

// Run drives the session's state machine until the connection closes. It
// blocks the calling goroutine; callers should invoke it from its own
// goroutine per accepted connection.
func (s *Session) Run() {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if !s.awaitRegister() {
		return
	}
	defer s.registry.RemoveWorker(s.serverID)

	s.active()
}

// awaitRegister blocks for the first frame. It MUST be ServerRegister; any
// other frame or a read error closes the connection.
func (s *Session) awaitRegister() bool {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Debug().Err(err).Msg("connection closed before registration")
		return false
	}

	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeServerRegister {
		s.writeDirect(protocol.NewError("", "", "expected_register", "first frame must be server_register"))
		return false
	}

	var payload protocol.ServerRegisterPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.ServerID == "" {
		s.writeDirect(protocol.NewError("", "", "expected_register", "invalid server_register payload"))
		return false
	}

	s.serverID = payload.ServerID
	s.outbound = mailbox.New[*protocol.Message](registry.DefaultMailboxCapacity)

	if err := s.registry.RegisterWorker(s.serverID, s.outbound); err != nil {
		s.writeDirect(protocol.NewError("", s.serverID, "duplicate_register", err.Error()))
		return false
	}

	s.startWritePump()

	ack, _ := protocol.New(protocol.TypeServerRegistered, "", s.serverID, protocol.ServerRegisteredPayload{ServerID: s.serverID})
	if err := s.outbound.Send(ack); err != nil {
		s.logger.Warn().Err(err).Msg("failed to enqueue server_registered ack")
	}

	s.logger.Info().Str("server_id", s.serverID).Msg("worker registered")
	return true
}

// active is the ACTIVE-state read loop: every inbound frame is forwarded to
// its addressed client when it is an Offer/Answer/IceCandidate.
func (s *Session) active() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Str("server_id", s.serverID).Msg("worker disconnected")
			} else {
				s.logger.Warn().Err(err).Str("server_id", s.serverID).Msg("read error")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("server_id", s.serverID).Msg("malformed frame from worker")
			continue
		}

		switch msg.Type {
		case protocol.TypeServerDisconnect:
			s.logger.Info().Str("server_id", s.serverID).Msg("worker requested graceful disconnect")
			return

		case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate:
			if msg.To == "" {
				s.logger.Warn().Str("type", string(msg.Type)).Msg("dropping negotiation frame with no destination")
				continue
			}
			if err := s.registry.ForwardToClient(msg.To, msg); err != nil {
				s.logger.Debug().Err(err).Str("to", msg.To).Msg("could not forward to client")
			}

		default:
			s.logger.Debug().Str("type", string(msg.Type)).Msg("unexpected frame from worker, ignoring")
		}
	}
}

// startWritePump fans the outbound mailbox into the socket, pinging on an
// idle ticker, exactly as the teacher's peerConn.startWritePump does.
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
					s.logger.Debug().Err(err).Str("server_id", s.serverID).Msg("write to worker failed")
					return
				}
				if s.outbound.Len() >= registry.DefaultMailboxCapacity-1 {
					s.logger.Warn().Err(errSlowConsumer).Str("server_id", s.serverID).Msg("worker mailbox near capacity, disconnecting")
					s.writeDirect(protocol.NewError("", s.serverID, "slow_consumer", "worker outbound mailbox is full"))
					_ = s.conn.Close()
					return
				}
			case <-ticker.C:
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Debug().Err(err).Str("server_id", s.serverID).Msg("ping to worker failed")
					return
				}
			}
		}
	}()
}

// writeDirect writes a single frame synchronously, used only before the
// outbound mailbox/write pump exist (during AWAITING_REGISTER).
func (s *Session) writeDirect(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

var errSlowConsumer = errors.New("workersession: slow consumer")
