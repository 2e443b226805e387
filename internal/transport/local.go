// Package transport provides the default, swappable implementations of
// the "external collaborator" §1 calls transport: an in-process mailbox
// registry always available, and an optional cross-node forwarder for
// replicas placed on different processes.
package transport

import (
	"errors"
	"sync"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
)

// ErrUnknownAddress is returned by Registry.Send when no mailbox is
// registered under the destination address.
var ErrUnknownAddress = errors.New("transport: no mailbox registered for address")

// Registry is the default, in-process Sender: a map from Address to
// Mailbox, generalizing the teacher's core.Transport interface
// (Broadcast/Unicast/Listen/Close) to the local-only case where every
// replica lives in the same process.
type Registry struct {
	mu    sync.RWMutex
	boxes map[ref.Address]*core.Mailbox
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{boxes: make(map[ref.Address]*core.Mailbox)}
}

// Register makes mb reachable under its own address.
func (r *Registry) Register(mb *core.Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boxes[mb.Address()] = mb
}

// Unregister removes addr from the registry; existing senders will start
// getting ErrUnknownAddress.
func (r *Registry) Unregister(addr ref.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boxes, addr)
}

// Lookup returns the mailbox registered under addr, if any.
func (r *Registry) Lookup(addr ref.Address) (*core.Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.boxes[addr]
	return mb, ok
}

// Send implements core.Sender by delivering directly into the addressed
// mailbox.
func (r *Registry) Send(dst ref.Address, env core.Envelope) error {
	mb, ok := r.Lookup(dst)
	if !ok {
		return ErrUnknownAddress
	}
	mb.Deliver(env)
	return nil
}
