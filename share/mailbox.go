package pnshare

import (
	"context"
	"sync"
)

// Mailbox is a worker's bounded inbound envelope queue. A full mailbox
// suspends the sender rather than dropping or buffering without bound; this
// is the node's backpressure mechanism.
type Mailbox struct {
	ch        chan *Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMailbox creates a Mailbox with the given capacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{
		ch:     make(chan *Envelope, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues one envelope, blocking while the mailbox is full. It returns
// ctx.Err() if the context is cancelled while waiting, or a RoutingError if
// the mailbox has been closed.
func (m *Mailbox) Put(ctx context.Context, env *Envelope) error {
	select {
	case <-m.closed:
		return &RoutingError{Cause: ErrNoSuchAddress, Addr: env.To}
	default:
	}
	select {
	case m.ch <- env:
		return nil
	case <-m.closed:
		return &RoutingError{Cause: ErrNoSuchAddress, Addr: env.To}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next envelope, blocking while the mailbox is empty.
// Envelopes enqueued before Close are still delivered; after the queue drains
// a closed mailbox reports ErrChannelClosed.
func (m *Mailbox) Receive(ctx context.Context) (*Envelope, error) {
	// drain buffered envelopes ahead of noticing closure
	select {
	case env := <-m.ch:
		return env, nil
	default:
	}
	select {
	case env := <-m.ch:
		return env, nil
	case <-m.closed:
		// one more non-blocking look; Close may have raced an enqueue
		select {
		case env := <-m.ch:
			return env, nil
		default:
			return nil, ErrChannelClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the mailbox closed, unblocking pending and future Put/Receive
// calls. Idempotent.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}

// ClosedChan returns a channel that is closed when the mailbox is closed.
func (m *Mailbox) ClosedChan() <-chan struct{} {
	return m.closed
}
