package transport

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jabolina/relt/pkg/relt"
	"github.com/prometheus/common/log"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/logging"
)

// wireEnvelope is what actually crosses the network: the destination
// address travels alongside the envelope so one node-wide subscription
// can fan a batch of inbound messages back out to many local replicas.
type wireEnvelope struct {
	Dst ref.Address
	Env core.Envelope
}

// ReltForwarder is the optional cross-node Sender, used when replicas are
// placed on different processes. One forwarder runs per node: it
// subscribes to a relt group named after the node and redelivers decoded
// envelopes into that node's local Registry. This mirrors the teacher's
// ReliableTransport almost exactly (pkg/mcast/core/transport.go), just
// retargeted from multicast-group delivery to point-to-point forwarding.
type ReltForwarder struct {
	log      logging.Logger
	relt     *relt.Relt
	registry *Registry
	node     string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReltForwarder starts a forwarder for node, delivering decoded
// envelopes into registry.
func NewReltForwarder(node string, registry *Registry, log logging.Logger) (*ReltForwarder, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = node
	conf.Exchange = relt.GroupAddress(node)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &ReltForwarder{
		log:      log,
		relt:     r,
		registry: registry,
		node:     node,
		ctx:      ctx,
		cancel:   cancel,
	}
	go f.poll()
	return f, nil
}

func nodeOf(addr ref.Address) string {
	s := string(addr)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// Send implements core.Sender by broadcasting to dst's node group; the
// receiving forwarder fans it back out locally by wireEnvelope.Dst.
func (f *ReltForwarder) Send(dst ref.Address, env core.Envelope) error {
	data, err := json.Marshal(wireEnvelope{Dst: dst, Env: env})
	if err != nil {
		log.Errorf("failed marshalling unicast message %#v. %v", env, err)
		return err
	}

	m := relt.Send{
		Address: relt.GroupAddress(nodeOf(dst)),
		Data:    data,
	}
	return f.relt.Broadcast(f.ctx, m)
}

// Close stops the forwarder's poll loop and the underlying relt instance.
func (f *ReltForwarder) Close() {
	f.cancel()
	if err := f.relt.Close(); err != nil {
		f.log.Errorf("failed stopping transport. %#v", err)
	}
}

func (f *ReltForwarder) poll() {
	listener, err := f.relt.Consume()
	if err != nil {
		panic(err)
	}
	for {
		select {
		case <-f.ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			f.consume(recv.Origin, relt.Recv{Data: recv.Data, Error: recv.Error})
		}
	}
}

func (f *ReltForwarder) consume(origin string, recv relt.Recv) {
	if recv.Error != nil {
		f.log.Errorf("failed consuming message from %s. %v", origin, recv.Error)
		return
	}
	if recv.Data == nil {
		f.log.Warnf("received empty message from %s", origin)
		return
	}

	var payload wireEnvelope
	if err := json.Unmarshal(recv.Data, &payload); err != nil {
		f.log.Errorf("failed unmarshalling message %#v. %v", recv, err)
		return
	}

	timeout, cancel := context.WithTimeout(f.ctx, 250*time.Millisecond)
	defer cancel()

	mb, ok := f.registry.Lookup(payload.Dst)
	if !ok {
		f.log.Warnf("%s received message for unknown local address %s", f.node, payload.Dst)
		return
	}
	select {
	case <-timeout.Done():
		f.log.Warnf("failed delivering %#v", payload.Env)
	default:
		mb.Deliver(payload.Env)
	}
}
