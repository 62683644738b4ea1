// Package bus implements the worker-side Message Bus: a client_id -> bot
// routing table with lazy bot creation, grounded on the same RWMutex
// locking discipline as internal/registry (sends take RLock, route
// insertion/removal take Lock).
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

// Bot is the subset of bot behavior the bus depends on: an inbound mailbox
// to deliver signaling frames addressed to this client, and a channel that
// closes when the bot reaches a terminal negotiation state (FAILED/CLOSED).
type Bot interface {
	Inbound() *mailbox.Mailbox[*protocol.Message]
	Done() <-chan struct{}
}

// Factory constructs a new Bot for clientID. uplink is the worker's single
// outbound mailbox toward the signaling connection; the bot uses it to emit
// Answer/IceCandidate frames addressed back to the client.
type Factory func(clientID string, uplink *mailbox.Mailbox[*protocol.Message]) Bot

// Bus owns the client_id -> bot route map for one worker process.
type Bus struct {
	mu      sync.RWMutex
	routes  map[string]Bot
	uplink  *mailbox.Mailbox[*protocol.Message]
	factory Factory
	logger  zerolog.Logger
}

// New constructs an empty Bus. uplink is shared with the Media Worker
// Uplink that owns the signaling connection; factory is how the bus builds
// a Bot the first time a given client_id appears.
func New(uplink *mailbox.Mailbox[*protocol.Message], factory Factory, logger zerolog.Logger) *Bus {
	return &Bus{
		routes:  make(map[string]Bot),
		uplink:  uplink,
		factory: factory,
		logger:  logger.With().Str("component", "bus").Logger(),
	}
}

// Dispatch routes one inbound signaling frame, received over the uplink,
// to the bot it addresses, creating the bot lazily on ClientConnect.
func (b *Bus) Dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeClientConnect:
		var payload protocol.ClientConnectPayload
		if err := msg.DecodePayload(&payload); err != nil || payload.ClientID == "" {
			b.logger.Warn().Err(err).Msg("malformed client_connect, dropped")
			return
		}
		b.ensureRoute(payload.ClientID)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate:
		if msg.From == "" {
			b.logger.Warn().Str("type", string(msg.Type)).Msg("message has no from, dropped")
			return
		}
		if !b.route(msg.From, msg) {
			b.logger.Debug().Str("client_id", msg.From).Msg("no bot for client, dropped")
		}

	case protocol.TypeClientDisconnect:
		var payload protocol.ClientConnectPayload
		clientID := msg.From
		if clientID == "" {
			if err := msg.DecodePayload(&payload); err == nil {
				clientID = payload.ClientID
			}
		}
		if clientID != "" {
			b.removeRoute(clientID)
		}

	case protocol.TypeError:
		b.logger.Debug().Str("from", msg.From).Msg("error frame received on uplink, not forwarded")

	default:
		b.logger.Debug().Str("type", string(msg.Type)).Msg("unexpected message type on uplink")
	}
}

// ensureRoute creates a bot for clientID if one does not already exist.
// Re-registering an existing client_id is a no-op (idempotent registration).
func (b *Bus) ensureRoute(clientID string) {
	b.mu.RLock()
	_, exists := b.routes[clientID]
	b.mu.RUnlock()
	if exists {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.routes[clientID]; exists {
		return
	}

	newBot := b.factory(clientID, b.uplink)
	b.routes[clientID] = newBot

	go b.awaitTermination(clientID, newBot)

	b.logger.Info().Str("client_id", clientID).Msg("bot created")
}

// route delivers msg to the bot bound to clientID via the route's inbound
// mailbox. Reports whether a route was found.
func (b *Bus) route(clientID string, msg *protocol.Message) bool {
	b.mu.RLock()
	target, ok := b.routes[clientID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if err := target.Inbound().Send(msg); err != nil {
		b.logger.Debug().Err(err).Str("client_id", clientID).Msg("could not enqueue to bot")
	}
	return true
}

// removeRoute drops the route for clientID, if any. Removing an unknown
// client_id is a no-op.
func (b *Bus) removeRoute(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routes, clientID)
}

// awaitTermination waits for a bot's terminal state and drops its route.
func (b *Bus) awaitTermination(clientID string, target Bot) {
	<-target.Done()
	b.removeRoute(clientID)
	b.logger.Info().Str("client_id", clientID).Msg("bot terminated, route dropped")
}

// RouteCount returns the number of active client_id -> bot routes.
func (b *Bus) RouteCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routes)
}
