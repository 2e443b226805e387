package core

import (
	"sync"
	"time"

	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/logging"
)

// Messenger implements the client-facing messaging primitives from §4.1:
// cast/collect (async), call/multicall/anycall (sync). It owns its own
// mailbox — distinct from any replica's — so a client can issue many
// outstanding requests concurrently and correlate replies purely by Ref,
// the same way the teacher's Peer correlates commits to callers through
// its observers map.
type Messenger struct {
	self    ref.Address
	sender  Sender
	mailbox *Mailbox
	log     logging.Logger

	mu      sync.Mutex
	waiters map[ref.Ref]*collector
}

type collector struct {
	want int
	got  []interface{}
	ch   chan struct{}
	done bool
}

// NewMessenger builds a Messenger with a fresh mailbox at self and starts
// draining it into whichever collector is waiting on each reply's Ref.
func NewMessenger(self ref.Address, sender Sender, log logging.Logger) *Messenger {
	m := &Messenger{
		self:    self,
		sender:  sender,
		mailbox: NewMailbox(self, 256),
		log:     log,
		waiters: make(map[ref.Ref]*collector),
	}
	go m.drain()
	return m
}

// Mailbox exposes the messenger's inbox so a transport can register it
// under self.
func (m *Messenger) Mailbox() *Mailbox {
	return m.mailbox
}

func (m *Messenger) drain() {
	for {
		select {
		case env, ok := <-m.mailbox.Inbox():
			if !ok {
				return
			}
			m.dispatch(env)
		case <-m.mailbox.Done():
			return
		}
	}
}

func (m *Messenger) dispatch(env Envelope) {
	m.mu.Lock()
	c, ok := m.waiters[env.Ref]
	if !ok {
		m.mu.Unlock()
		if m.log != nil {
			m.log.Debugf("messenger %s: dropping reply for unknown ref %s", m.self, env.Ref)
		}
		return
	}
	c.got = append(c.got, env.Body)
	reached := len(c.got) >= c.want
	if reached && !c.done {
		c.done = true
		close(c.ch)
	}
	m.mu.Unlock()
}

func (m *Messenger) register(id ref.Ref, want int) *collector {
	c := &collector{want: want, ch: make(chan struct{})}
	m.mu.Lock()
	m.waiters[id] = c
	m.mu.Unlock()
	return c
}

func (m *Messenger) forget(id ref.Ref) {
	m.mu.Lock()
	delete(m.waiters, id)
	m.mu.Unlock()
}

func (m *Messenger) snapshot(c *collector) []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}(nil), c.got...)
}

// Cast attaches a fresh Ref, sends {Ref, Self, req} to dst, and returns
// the Ref for a later Collect.
func (m *Messenger) Cast(dst ref.Address, req interface{}) ref.Ref {
	id := ref.New()
	_ = m.sender.Send(dst, Envelope{Ref: id, From: m.self, Body: req})
	return id
}

// Collect waits up to timeout for a single reply tagged with id.
func (m *Messenger) Collect(id ref.Ref, timeout time.Duration) (interface{}, error) {
	c := m.register(id, 1)
	defer m.forget(id)
	select {
	case <-c.ch:
		return m.snapshot(c)[0], nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// CollectResult is the outcome of a collect_any/collect_many/collect_all
// call: either enough responses arrived, or the timeout fired and
// Responses holds whatever arrived so far.
type CollectResult struct {
	Responses []interface{}
	TimedOut  bool
}

// Multicast sends {Ref, Self, req} to every destination under one shared
// Ref; callers collect against the returned Ref with
// CollectAny/CollectMany/CollectAll. Sends are not tagged per destination,
// and collected responses do not record which destination answered.
func (m *Messenger) Multicast(dsts []ref.Address, req interface{}) (ref.Ref, []ref.Address) {
	id := ref.New()
	for _, d := range dsts {
		_ = m.sender.Send(d, Envelope{Ref: id, From: m.self, Body: req})
	}
	return id, dsts
}

// CollectMany waits for k replies tagged with id, or the timeout.
func (m *Messenger) CollectMany(id ref.Ref, k int, timeout time.Duration) CollectResult {
	c := m.register(id, k)
	defer m.forget(id)
	select {
	case <-c.ch:
		return CollectResult{Responses: m.snapshot(c)}
	case <-time.After(timeout):
		return CollectResult{Responses: m.snapshot(c), TimedOut: true}
	}
}

// CollectAny waits for the first reply tagged with id.
func (m *Messenger) CollectAny(id ref.Ref, timeout time.Duration) CollectResult {
	return m.CollectMany(id, 1, timeout)
}

// CollectAll waits for n replies tagged with id (the full destination set
// size from the matching Multicast).
func (m *Messenger) CollectAll(id ref.Ref, n int, timeout time.Duration) CollectResult {
	return m.CollectMany(id, n, timeout)
}

// Call sends req to dst and retransmits every retry until a reply with
// the matching Ref arrives. There is no timeout — it retries forever
// (§5 Cancellation & timeout); the only way to abandon it is for the
// caller to stop waiting.
func (m *Messenger) Call(dst ref.Address, req interface{}, retry time.Duration) interface{} {
	id := ref.New()
	c := m.register(id, 1)
	defer m.forget(id)

	send := func() { _ = m.sender.Send(dst, Envelope{Ref: id, From: m.self, Body: req}) }
	send()

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-c.ch:
			return m.snapshot(c)[0]
		case <-ticker.C:
			send()
		}
	}
}

// Multicall spawns a parallel Call to every destination and returns as
// soon as n of them have replied (the rest keep retrying in the
// background and are simply not waited on).
func (m *Messenger) Multicall(dsts []ref.Address, req interface{}, n int, retry time.Duration) []interface{} {
	results := make(chan interface{}, len(dsts))
	for _, d := range dsts {
		dst := d
		go func() {
			results <- m.Call(dst, req, retry)
		}()
	}
	out := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-results)
	}
	return out
}

// Anycall is Multicall with n=1.
func (m *Messenger) Anycall(dsts []ref.Address, req interface{}, retry time.Duration) interface{} {
	return m.Multicall(dsts, req, 1, retry)[0]
}

// Close tears down the messenger's mailbox.
func (m *Messenger) Close() {
	m.mailbox.Close()
}
