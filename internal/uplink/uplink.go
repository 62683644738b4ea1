// Package uplink implements the Media Worker Uplink: the single outbound
// WebSocket connection from a media worker process to the signaling
// server. It registers the worker's server_id, dispatches inbound frames to
// the Message Bus, and carries every bot's outbound frames back out.
//
// Grounded on the teacher's reconnect-with-backoff shape
// (MrWong99-glyphoxa/internal/session.Reconnector: Connect, Monitor,
// exponential backoff on disconnect), generalized to use
// github.com/cenkalti/backoff/v4's ExponentialBackOff as the interval
// generator instead of hand-rolled doubling, and combined with the
// teacher's gorilla/websocket read/write pump shape from
// internal/network/signaling.
package uplink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 30 * time.Second
	pingPeriod      = 15 * time.Second
	maxMessageSize  = 256 * 1024
	registerTimeout = 5 * time.Second
)

// Config controls reconnect backoff. Zero values fall back to the spec's
// defaults (initial 1s, cap 30s, jitter +-20%).
type Config struct {
	URL                 string
	ServerID            string
	Capacity            int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
}

// Uplink owns one worker process's connection to the signaling server.
type Uplink struct {
	cfg      Config
	bus      *bus.Bus
	outbound *mailbox.Mailbox[*protocol.Message]
	logger   zerolog.Logger

	mu        sync.RWMutex
	connected bool
}

// New constructs an Uplink. outbound must be the same mailbox passed to
// bus.New as its uplink argument, so that bot-originated frames and this
// uplink's write pump share a single queue.
func New(cfg Config, b *bus.Bus, outbound *mailbox.Mailbox[*protocol.Message], logger zerolog.Logger) *Uplink {
	return &Uplink{
		cfg:      cfg,
		bus:      b,
		outbound: outbound,
		logger:   logger.With().Str("component", "uplink").Str("server_id", cfg.ServerID).Logger(),
	}
}

// Connected reports whether the uplink currently has a live connection.
func (u *Uplink) Connected() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.connected
}

func (u *Uplink) setConnected(v bool) {
	u.mu.Lock()
	u.connected = v
	u.mu.Unlock()
}

// Run drives the uplink until ctx is cancelled: connect, register, serve the
// connection until it fails, then reconnect with exponential backoff.
func (u *Uplink) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = nonZero(u.cfg.InitialInterval, time.Second)
	bo.MaxInterval = nonZero(u.cfg.MaxInterval, 30*time.Second)
	bo.RandomizationFactor = nonZeroF(u.cfg.RandomizationFactor, 0.2)
	bo.Multiplier = 2.0
	bo.MaxElapsedTime = 0 // retry indefinitely; the uplink never gives up

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := u.connect(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			u.logger.Warn().Err(err).Dur("backoff", wait).Msg("uplink connect failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		u.setConnected(true)
		u.serve(ctx, conn)
		u.setConnected(false)
	}
}

// connect dials the signaling server and performs the register handshake.
func (u *Uplink) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("uplink: dial: %w", err)
	}

	register, err := protocol.New(protocol.TypeServerRegister, u.cfg.ServerID, "", protocol.ServerRegisterPayload{
		ServerID: u.cfg.ServerID,
		Capacity: u.cfg.Capacity,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	data, err := register.Encode()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("uplink: send server_register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, resp, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("uplink: awaiting server_registered: %w", err)
	}
	ack, err := protocol.Decode(resp)
	if err != nil || ack.Type != protocol.TypeServerRegistered {
		_ = conn.Close()
		return nil, fmt.Errorf("uplink: unexpected handshake reply")
	}

	u.logger.Info().Msg("uplink connected and registered")
	return conn, nil
}

// serve runs the read and write pumps for one connection until either
// fails, then closes the connection and returns so Run can reconnect.
func (u *Uplink) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u.writePump(connCtx, conn)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			u.logger.Debug().Err(err).Msg("uplink connection read failed")
			cancel()
			break
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			u.logger.Warn().Err(err).Msg("malformed frame from signaling, dropped")
			continue
		}
		u.bus.Dispatch(msg)
	}

	wg.Wait()
}

// writePump drains the shared outbound mailbox onto the wire and keeps the
// connection alive with periodic pings.
func (u *Uplink) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-u.outbound.C():
			if !ok {
				return
			}
			data, err := msg.Encode()
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				u.logger.Debug().Err(err).Msg("uplink write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				u.logger.Debug().Err(err).Msg("uplink ping failed")
				return
			}
		}
	}
}

func nonZero(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func nonZeroF(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
