// Package registry implements the signaling server's Peer Registry: the
// single authoritative, single-writer map of worker nodes, client bindings,
// and the least-loaded scheduler that glues the two together.
//
// Grounded on the locking discipline of the teacher's
// internal/network/signaling.Server (one sync.RWMutex guarding the channel
// map, mutations under Lock, forwards under RLock), generalized from a
// channel-keyed peer map to a worker-keyed fleet plus a client-binding map.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

// DefaultMailboxCapacity is the default bound for worker and client outbound
// mailboxes, per the system's mailbox policy (§5 of the spec this repo
// implements: "Mailboxes are bounded, default 100").
const DefaultMailboxCapacity = 100

var (
	ErrDuplicateWorker   = errors.New("registry: worker already registered")
	ErrDuplicateClient   = errors.New("registry: client already registered")
	ErrNoSuchWorker      = errors.New("registry: no such worker")
	ErrNoSuchClient      = errors.New("registry: no such client")
	ErrNoWorkerAvailable = errors.New("registry: no worker available")
	ErrClientUnbound     = errors.New("registry: client has no bound worker")
)

// Outbound is the mailbox type carried by both WorkerNode and ClientBinding.
type Outbound = mailbox.Mailbox[*protocol.Message]

// WorkerNode is the registry's record of one connected media worker.
type WorkerNode struct {
	ServerID       string
	Outbound       *Outbound
	ConnectedUsers int
	ClientIDs      map[string]struct{}
}

// ClientBinding is the registry's record of one connected client.
type ClientBinding struct {
	ClientID string
	Outbound *Outbound
	ServerID string // empty when unbound
}

// Registry is the Peer Registry. All mutating operations serialize through
// mu; forwards only need a read lock since they do not mutate the maps
// (sending into a mailbox is itself safe for concurrent callers).
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerNode
	clients map[string]*ClientBinding
	logger  zerolog.Logger
}

// New constructs an empty Registry. The registry is explicitly constructed
// and passed by reference to every session task; there is no module-level
// mutable state.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		workers: make(map[string]*WorkerNode),
		clients: make(map[string]*ClientBinding),
		logger:  logger.With().Str("component", "peer-registry").Logger(),
	}
}

// RegisterWorker adds a new worker. Re-registering an existing server_id
// returns ErrDuplicateWorker and leaves the existing entry untouched.
func (r *Registry) RegisterWorker(serverID string, outbound *Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[serverID]; ok {
		return ErrDuplicateWorker
	}
	r.workers[serverID] = &WorkerNode{
		ServerID:  serverID,
		Outbound:  outbound,
		ClientIDs: make(map[string]struct{}),
	}
	return nil
}

// RegisterClient adds a new client binding, initially unbound. Re-registering
// an existing client_id returns ErrDuplicateClient and leaves the existing
// entry untouched (testable property 5: idempotent re-registration).
func (r *Registry) RegisterClient(clientID string, outbound *Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; ok {
		return ErrDuplicateClient
	}
	r.clients[clientID] = &ClientBinding{ClientID: clientID, Outbound: outbound}
	return nil
}

// Assign selects the worker with the minimum ConnectedUsers, breaking ties by
// lexicographically smallest server_id, and atomically records the binding.
// Returns ErrNoWorkerAvailable if no worker is registered, or ErrNoSuchClient
// if client_id was never registered.
func (r *Registry) Assign(clientID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return "", ErrNoSuchClient
	}

	if len(r.workers) == 0 {
		return "", ErrNoWorkerAvailable
	}

	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := ids[0]
	for _, id := range ids[1:] {
		if r.workers[id].ConnectedUsers < r.workers[best].ConnectedUsers {
			best = id
		}
	}

	worker := r.workers[best]
	worker.ConnectedUsers++
	worker.ClientIDs[clientID] = struct{}{}
	client.ServerID = best

	return best, nil
}

// ForwardToWorker delivers msg to the named worker's outbound mailbox.
func (r *Registry) ForwardToWorker(serverID string, msg *protocol.Message) error {
	r.mu.RLock()
	worker, ok := r.workers[serverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSuchWorker
	}
	return worker.Outbound.Send(msg)
}

// ForwardToWorkerByClient hops through a client's current binding to reach
// its worker.
func (r *Registry) ForwardToWorkerByClient(clientID string, msg *protocol.Message) error {
	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSuchClient
	}
	if client.ServerID == "" {
		return ErrClientUnbound
	}
	return r.ForwardToWorker(client.ServerID, msg)
}

// ForwardToClient delivers msg to the named client's outbound mailbox.
func (r *Registry) ForwardToClient(clientID string, msg *protocol.Message) error {
	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSuchClient
	}
	return client.Outbound.Send(msg)
}

// RemoveClient removes a client binding, decrementing its bound worker's
// count if any. Removing an unknown id is a no-op (testable property 6).
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeClientLocked(clientID)
}

func (r *Registry) removeClientLocked(clientID string) {
	client, ok := r.clients[clientID]
	if !ok {
		return
	}
	if client.ServerID != "" {
		if worker, ok := r.workers[client.ServerID]; ok {
			delete(worker.ClientIDs, clientID)
			worker.ConnectedUsers = len(worker.ClientIDs)
		}
	}
	delete(r.clients, clientID)
}

// RemoveWorker removes a worker and unbinds every client that was bound to
// it. Unbound clients are not removed from the registry — only their
// server_id is cleared — and each is sent a synthetic worker_gone Error on
// its outbound mailbox before the caller is expected to close that mailbox
// (scenario S4). Removing an unknown server_id is a no-op.
func (r *Registry) RemoveWorker(serverID string) {
	r.mu.Lock()
	worker, ok := r.workers[serverID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.workers, serverID)

	affected := make([]*ClientBinding, 0, len(worker.ClientIDs))
	for clientID := range worker.ClientIDs {
		if client, ok := r.clients[clientID]; ok {
			client.ServerID = ""
			affected = append(affected, client)
		}
	}
	r.mu.Unlock()

	for _, client := range affected {
		msg := protocol.NewError("", client.ClientID, "worker_gone", "bound worker disconnected")
		if err := client.Outbound.Send(msg); err != nil {
			r.logger.Debug().Err(err).Str("client_id", client.ClientID).Msg("could not notify client of worker loss")
		}
	}
}

// WorkerCount returns the number of registered workers.
func (r *Registry) WorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// ClientCount returns the number of registered clients (bound or unbound).
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Client returns a snapshot of a client binding's state for tests and
// diagnostics.
func (r *Registry) Client(clientID string) (ClientBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	if !ok {
		return ClientBinding{}, false
	}
	return *client, true
}

// Worker returns a snapshot of a worker's state for tests and diagnostics.
func (r *Registry) Worker(serverID string) (WorkerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	worker, ok := r.workers[serverID]
	if !ok {
		return WorkerNode{}, false
	}
	clone := *worker
	clone.ClientIDs = make(map[string]struct{}, len(worker.ClientIDs))
	for id := range worker.ClientIDs {
		clone.ClientIDs[id] = struct{}{}
	}
	return clone, true
}
