package registry

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newOutbound() *Outbound {
	return mailbox.New[*protocol.Message](DefaultMailboxCapacity)
}

func TestRegisterWorkerDuplicate(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.RegisterWorker("w1", newOutbound()))
	err := r.RegisterWorker("w1", newOutbound())
	assert.ErrorIs(t, err, ErrDuplicateWorker)
	assert.Equal(t, 1, r.WorkerCount())
}

func TestRegisterClientDuplicate(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.RegisterClient("c1", newOutbound()))
	err := r.RegisterClient("c1", newOutbound())
	assert.ErrorIs(t, err, ErrDuplicateClient)
	assert.Equal(t, 1, r.ClientCount())
}

func TestAssignNoWorkerAvailable(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.RegisterClient("c1", newOutbound()))

	_, err := r.Assign("c1")
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

// TestAssignLoadBalancing mirrors scenario S2: two workers register, three
// clients connect in order, expected bindings c1->w1, c2->w2, c3->w1.
func TestAssignLoadBalancing(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.RegisterWorker("w1", newOutbound()))
	require.NoError(t, r.RegisterWorker("w2", newOutbound()))

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.RegisterClient(id, newOutbound()))
	}

	w1, err := r.Assign("c1")
	require.NoError(t, err)
	assert.Equal(t, "w1", w1)

	w2, err := r.Assign("c2")
	require.NoError(t, err)
	assert.Equal(t, "w2", w2)

	w3, err := r.Assign("c3")
	require.NoError(t, err)
	assert.Equal(t, "w1", w3)

	worker1, ok := r.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, 2, worker1.ConnectedUsers)

	worker2, ok := r.Worker("w2")
	require.True(t, ok)
	assert.Equal(t, 1, worker2.ConnectedUsers)
}

func TestAssignInvariantsHold(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.RegisterWorker("w1", newOutbound()))
	require.NoError(t, r.RegisterClient("c1", newOutbound()))

	serverID, err := r.Assign("c1")
	require.NoError(t, err)

	client, ok := r.Client("c1")
	require.True(t, ok)
	assert.Equal(t, serverID, client.ServerID)

	worker, ok := r.Worker(serverID)
	require.True(t, ok)
	_, bound := worker.ClientIDs["c1"]
	assert.True(t, bound)
	assert.Equal(t, worker.ConnectedUsers, len(worker.ClientIDs))
}

// TestRemoveWorkerCascade mirrors scenario S4: removing a worker unbinds
// (not removes) every client bound to it and notifies each with worker_gone.
func TestRemoveWorkerCascade(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.RegisterWorker("w1", newOutbound()))

	c1Out := newOutbound()
	c2Out := newOutbound()
	require.NoError(t, r.RegisterClient("c1", c1Out))
	require.NoError(t, r.RegisterClient("c2", c2Out))

	_, err := r.Assign("c1")
	require.NoError(t, err)
	_, err = r.Assign("c2")
	require.NoError(t, err)

	r.RemoveWorker("w1")

	_, ok := r.Worker("w1")
	assert.False(t, ok)

	c1, ok := r.Client("c1")
	require.True(t, ok)
	assert.Empty(t, c1.ServerID)

	c2, ok := r.Client("c2")
	require.True(t, ok)
	assert.Empty(t, c2.ServerID)

	select {
	case msg := <-c1Out.C():
		assert.Equal(t, protocol.TypeError, msg.Type)
	default:
		t.Fatal("expected worker_gone notification on c1's outbound mailbox")
	}
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	r := New(testLogger())
	r.RemoveClient("does-not-exist")

	require.NoError(t, r.RegisterWorker("w1", newOutbound()))
	require.NoError(t, r.RegisterClient("c1", newOutbound()))
	_, err := r.Assign("c1")
	require.NoError(t, err)

	r.RemoveClient("c1")
	r.RemoveClient("c1")

	_, ok := r.Client("c1")
	assert.False(t, ok)

	worker, ok := r.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, 0, worker.ConnectedUsers)
}

func TestForwardToWorkerNoSuchWorker(t *testing.T) {
	r := New(testLogger())
	err := r.ForwardToWorker("missing", protocol.NewError("", "missing", "x", "x"))
	assert.ErrorIs(t, err, ErrNoSuchWorker)
}

func TestForwardToWorkerByClientUnbound(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.RegisterClient("c1", newOutbound()))
	err := r.ForwardToWorkerByClient("c1", protocol.NewError("", "c1", "x", "x"))
	assert.ErrorIs(t, err, ErrClientUnbound)
}

func TestForwardToClientDelivers(t *testing.T) {
	r := New(testLogger())
	out := newOutbound()
	require.NoError(t, r.RegisterClient("c1", out))

	msg := protocol.NewError("", "c1", "x", "hello")
	require.NoError(t, r.ForwardToClient("c1", msg))

	select {
	case got := <-out.C():
		assert.Equal(t, msg, got)
	default:
		t.Fatal("expected message to be delivered")
	}
}
