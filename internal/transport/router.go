package transport

import (
	"strings"
	"sync"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/logging"
)

// RemotePrefix marks a node as living in a different process: any address
// whose node segment starts with RemotePrefix is handed to a per-node
// ReltForwarder instead of the local Registry. A configuration or
// Reconfigure call never has to name this explicitly — it falls out of
// the addresses a caller passes in, e.g. "remote:east/kvs-3".
const RemotePrefix = "remote:"

// IsRemote reports whether addr's node segment is tagged remote.
func IsRemote(addr ref.Address) bool {
	return strings.HasPrefix(nodeOf(addr), RemotePrefix)
}

// Router implements core.Sender by delivering locally through Registry
// and, for any destination tagged remote, lazily dialing a per-node
// ReltForwarder and delivering through that instead (§6's "hand it to
// relt when the destination address is tagged as remote"). Every replica
// this process spawns is still registered and reachable through Registry
// exactly as before; Router only changes what happens when a command,
// reconfigure or fork call targets an address this process never spawned
// itself.
type Router struct {
	registry *Registry
	log      logging.Logger

	mu         sync.Mutex
	forwarders map[string]core.Sender
	dial       func(node string) (core.Sender, error)
}

// NewRouter builds a Router backed by registry for local delivery and
// real ReltForwarder instances, one per remote node, dialed on demand.
func NewRouter(registry *Registry, log logging.Logger) *Router {
	r := &Router{
		registry:   registry,
		log:        log,
		forwarders: make(map[string]core.Sender),
	}
	r.dial = func(node string) (core.Sender, error) {
		return NewReltForwarder(node, registry, log)
	}
	return r
}

// Send implements core.Sender.
func (r *Router) Send(dst ref.Address, env core.Envelope) error {
	if !IsRemote(dst) {
		return r.registry.Send(dst, env)
	}
	f, err := r.forwarderFor(nodeOf(dst))
	if err != nil {
		return err
	}
	return f.Send(dst, env)
}

func (r *Router) forwarderFor(node string) (core.Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.forwarders[node]; ok {
		return f, nil
	}
	f, err := r.dial(node)
	if err != nil {
		return nil, err
	}
	r.forwarders[node] = f
	return f, nil
}

// Close tears down every remote forwarder this router ever dialed.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.forwarders {
		if closer, ok := f.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
