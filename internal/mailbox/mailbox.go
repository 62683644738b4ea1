// Package mailbox implements the bounded FIFO queue that is the universal
// suspension point between cooperating tasks in this system (signaling
// session <-> registry, uplink <-> bus, bus <-> bot).
package mailbox

import (
	"errors"
	"sync"
)

// ErrFull is returned by Send when the mailbox is at capacity. The caller
// decides what overflow means for its path (disconnect the slow side on
// signaling mailboxes, drop the frame on audio mailboxes).
var ErrFull = errors.New("mailbox: full")

// ErrClosed is returned by Send once the mailbox has been closed.
var ErrClosed = errors.New("mailbox: closed")

// Mailbox is a bounded, single-close, many-producer queue of T.
type Mailbox[T any] struct {
	ch        chan T
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// New creates a Mailbox with the given capacity. A capacity of 0 is invalid
// for this system's default (100); callers should pass a positive capacity.
func New[T any](capacity int) *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, capacity)}
}

// Send enqueues v without blocking. It returns ErrFull if the mailbox is at
// capacity and ErrClosed if it has been closed.
func (m *Mailbox[T]) Send(v T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	select {
	case m.ch <- v:
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return ErrFull
	}
}

// C returns the receive side of the mailbox for use in a select statement.
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// Len reports the number of values currently queued.
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}

// Close closes the mailbox. Safe to call more than once and from any
// goroutine; subsequent Send calls return ErrClosed instead of panicking on
// a closed channel.
func (m *Mailbox[T]) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.ch)
	})
}
