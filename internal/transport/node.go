package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jabolina/replicant/internal/ref"
)

// Node stands in for "process spawning/placement on nodes" (§1, an
// explicitly out-of-scope collaborator): just enough to name where a
// replica should live, with no scheduler, health checks or resource
// accounting behind it.
type Node struct {
	Name ref.Address
}

// Placement assigns fresh, node-qualified addresses for New and
// ForkReplica to place replicas on. Addresses are "<node>/<prefix>-<seq>"
// so transport.Registry.Lookup and the relt forwarder's node-prefix
// routing both work off the same naming scheme.
type Placement struct {
	mu    sync.Mutex
	nodes map[ref.Address]*Node
	seq   uint64
}

// NewPlacement builds an empty placement registry.
func NewPlacement() *Placement {
	return &Placement{nodes: make(map[ref.Address]*Node)}
}

// Node returns (creating if necessary) the named node.
func (p *Placement) Node(name ref.Address) *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[name]
	if !ok {
		n = &Node{Name: name}
		p.nodes[name] = n
	}
	return n
}

// SpawnOn allocates a fresh address for a replica named prefix on node.
func (p *Placement) SpawnOn(node ref.Address, prefix string) ref.Address {
	id := atomic.AddUint64(&p.seq, 1)
	return ref.Address(fmt.Sprintf("%s/%s-%d", node, prefix, id))
}
