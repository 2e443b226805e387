// Package protocol holds the registry of replication protocols keyed by
// their tag (§6 "Protocol registry"). Concrete protocols live in the
// singleton, primarybackup, chain and quorum subpackages and register
// themselves here from their own init().
package protocol

import (
	"fmt"
	"sync"

	"github.com/jabolina/replicant/internal/core"
)

// Re-export the core types a caller needs to work with the registry,
// so nothing outside internal/core has to be imported directly.
type (
	Tag      = core.ProtocolTag
	Protocol = core.Protocol
)

const (
	SINGLE         = core.SINGLE
	PRIMARY_BACKUP = core.PRIMARY_BACKUP
	CHAIN          = core.CHAIN
	QUORUM         = core.QUORUM
)

// Factory builds a fresh Protocol instance, one per replica, since
// protocol state is per-replica.
type Factory func() Protocol

var (
	mu       sync.RWMutex
	registry = make(map[Tag]Factory)
)

// Register installs factory under tag. Protocol packages call this from
// their own init().
func Register(tag Tag, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[tag] = factory
}

// New builds a fresh Protocol instance for tag, or an error if no
// protocol is registered under it.
func New(tag Tag) (Protocol, error) {
	mu.RLock()
	factory, ok := registry[tag]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("protocol: no protocol registered for tag %q", tag)
	}
	return factory(), nil
}
