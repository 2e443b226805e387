package core

import (
	"testing"
	"time"

	"github.com/jabolina/replicant/internal/ref"
)

// loopbackSender delivers synchronously into whichever Mailbox is
// registered under an address, standing in for a transport in these
// messaging-primitive tests.
type loopbackSender struct {
	boxes map[ref.Address]*Mailbox
}

func newLoopbackSender() *loopbackSender {
	return &loopbackSender{boxes: make(map[ref.Address]*Mailbox)}
}

func (l *loopbackSender) register(mb *Mailbox) {
	l.boxes[mb.Address()] = mb
}

func (l *loopbackSender) Send(dst ref.Address, env Envelope) error {
	mb, ok := l.boxes[dst]
	if !ok {
		return nil
	}
	mb.Deliver(env)
	return nil
}

func TestMessenger_CastAndCollect(t *testing.T) {
	sender := newLoopbackSender()
	client := NewMessenger("client", sender, nil)
	defer client.Close()
	sender.register(client.Mailbox())

	server := NewMailbox("server", 8)
	sender.register(server)
	go func() {
		env := <-server.Inbox()
		sender.Send(env.From, Envelope{Ref: env.Ref, From: "server", Body: "pong"})
	}()

	id := client.Cast("server", "ping")
	reply, err := client.Collect(id, time.Second)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("expected pong, got %v", reply)
	}
}

func TestMessenger_CollectTimesOut(t *testing.T) {
	sender := newLoopbackSender()
	client := NewMessenger("client", sender, nil)
	defer client.Close()
	sender.register(client.Mailbox())

	id := client.Cast("nobody", "ping")
	_, err := client.Collect(id, 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestMessenger_CallRetriesUntilReplied(t *testing.T) {
	sender := newLoopbackSender()
	client := NewMessenger("client", sender, nil)
	defer client.Close()
	sender.register(client.Mailbox())

	server := NewMailbox("server", 8)
	sender.register(server)

	var attempts int
	go func() {
		for env := range server.Inbox() {
			attempts++
			if attempts < 3 {
				// Drop the first two attempts to force a retry.
				continue
			}
			sender.Send(env.From, Envelope{Ref: env.Ref, From: "server", Body: "pong"})
			return
		}
	}()

	reply := client.Call("server", "ping", 10*time.Millisecond)
	if reply != "pong" {
		t.Fatalf("expected pong, got %v", reply)
	}
	if attempts < 3 {
		t.Fatalf("expected Call to retry at least 3 times, saw %d", attempts)
	}
}

func TestMessenger_MulticastCollectAll(t *testing.T) {
	sender := newLoopbackSender()
	client := NewMessenger("client", sender, nil)
	defer client.Close()
	sender.register(client.Mailbox())

	dsts := []ref.Address{"n1", "n2", "n3"}
	for _, addr := range dsts {
		mb := NewMailbox(addr, 8)
		sender.register(mb)
		go func(mb *Mailbox) {
			env := <-mb.Inbox()
			sender.Send(env.From, Envelope{Ref: env.Ref, From: mb.Address(), Body: "ack"})
		}(mb)
	}

	id, _ := client.Multicast(dsts, "replicate")
	result := client.CollectAll(id, len(dsts), time.Second)
	if result.TimedOut {
		t.Fatalf("expected all replies before the timeout")
	}
	if len(result.Responses) != len(dsts) {
		t.Fatalf("expected %d responses, got %d", len(dsts), len(result.Responses))
	}
}
