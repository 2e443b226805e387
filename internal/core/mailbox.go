// Package core implements the replica kernel and the shared-nothing
// messaging primitives every protocol and the public API build on: a
// single-threaded event loop per replica, reading its own mailbox, never
// touching another replica's state directly (§5).
package core

import (
	"sync"

	"github.com/jabolina/replicant/internal/ref"
)

// Envelope is what travels over a mailbox: a tagged Ref (the reply key),
// the sender's address, and an opaque body understood by the recipient.
type Envelope struct {
	Ref  ref.Ref
	From ref.Address
	Body interface{}
}

// Mailbox is the private, fixed-capacity inbox owned by exactly one
// actor (a replica, a client, a collector). No other goroutine reads from
// it; delivery is the only way in.
type Mailbox struct {
	addr   ref.Address
	inbox  chan Envelope
	closed chan struct{}
	once   sync.Once
}

// NewMailbox allocates a buffered mailbox for addr. The buffer only
// absorbs bursts; a full mailbox still blocks senders rather than drop,
// matching the FIFO-per-link assumption from §5.
func NewMailbox(addr ref.Address, buffer int) *Mailbox {
	return &Mailbox{
		addr:   addr,
		inbox:  make(chan Envelope, buffer),
		closed: make(chan struct{}),
	}
}

// Address reports the mailbox's own address.
func (m *Mailbox) Address() ref.Address {
	return m.addr
}

// Deliver places env in the mailbox, returning false if the mailbox has
// been closed in the meantime.
func (m *Mailbox) Deliver(env Envelope) bool {
	select {
	case m.inbox <- env:
		return true
	case <-m.closed:
		return false
	}
}

// Inbox exposes the receive side for the owning actor's event loop.
func (m *Mailbox) Inbox() <-chan Envelope {
	return m.inbox
}

// Done reports when the mailbox has been closed, for a reader loop that
// only ranges over Inbox() and would otherwise never learn Close was
// called (Close does not close the inbox channel itself, since a
// concurrent Deliver racing a close would then panic).
func (m *Mailbox) Done() <-chan struct{} {
	return m.closed
}

// Close stops further delivery; it is safe to call more than once.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		close(m.closed)
	})
}

// Sender is the minimal send primitive a transport must provide: hand an
// envelope to whatever process owns dst. Implementations live outside the
// core (local in-process registry, or a cross-node forwarder) — the core
// only depends on this interface (§1, transport is an external
// collaborator).
type Sender interface {
	Send(dst ref.Address, env Envelope) error
}
