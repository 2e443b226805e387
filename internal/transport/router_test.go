package transport

import (
	"testing"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
)

type fakeRemoteSender struct {
	sent   []ref.Address
	closed bool
}

func (f *fakeRemoteSender) Send(dst ref.Address, env core.Envelope) error {
	f.sent = append(f.sent, dst)
	return nil
}

func (f *fakeRemoteSender) Close() { f.closed = true }

func TestRouter_LocalAddressUsesRegistry(t *testing.T) {
	registry := NewRegistry()
	mb := core.NewMailbox("local/kvs-1", 1)
	registry.Register(mb)

	router := NewRouter(registry, nil)
	router.dial = func(node string) (core.Sender, error) {
		t.Fatalf("dial should never be called for a local address, got node %q", node)
		return nil, nil
	}

	if err := router.Send("local/kvs-1", core.Envelope{}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func TestRouter_RemoteAddressDialsForwarderOnce(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, nil)

	fake := &fakeRemoteSender{}
	dials := 0
	router.dial = func(node string) (core.Sender, error) {
		dials++
		if node != "remote:east" {
			t.Fatalf("expected node %q, got %q", "remote:east", node)
		}
		return fake, nil
	}

	if err := router.Send("remote:east/kvs-1", core.Envelope{}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := router.Send("remote:east/kvs-2", core.Envelope{}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if dials != 1 {
		t.Fatalf("expected the forwarder to be dialed exactly once, got %d", dials)
	}
	if len(fake.sent) != 2 {
		t.Fatalf("expected both sends to reach the forwarder, got %d", len(fake.sent))
	}
}

func TestRouter_CloseClosesEveryForwarder(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, nil)

	fake := &fakeRemoteSender{}
	router.dial = func(node string) (core.Sender, error) { return fake, nil }

	if err := router.Send("remote:east/kvs-1", core.Envelope{}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	router.Close()

	if !fake.closed {
		t.Fatalf("expected Close to close the dialed forwarder")
	}
}

func TestIsRemote(t *testing.T) {
	cases := map[ref.Address]bool{
		"local/kvs-1":       false,
		"remote:east/kvs-1": true,
		"remote:east":       true,
	}
	for addr, want := range cases {
		if got := IsRemote(addr); got != want {
			t.Fatalf("IsRemote(%q) = %v, want %v", addr, got, want)
		}
	}
}
