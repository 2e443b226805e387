package core

import "github.com/jabolina/replicant/internal/ref"

// ProtocolTag names one of the interchangeable replication protocols.
type ProtocolTag string

const (
	// SINGLE is the trivial one-replica protocol.
	SINGLE ProtocolTag = "SINGLE"
	// PRIMARY_BACKUP orders mutations through a distinguished primary.
	PRIMARY_BACKUP ProtocolTag = "PRIMARY_BACKUP"
	// CHAIN routes mutations head-to-tail through an ordered chain.
	CHAIN ProtocolTag = "CHAIN"
	// QUORUM coordinates reads and writes through overlapping quorums.
	QUORUM ProtocolTag = "QUORUM"
)

// Configuration is the immutable descriptor passed with every message
// (§3). Reconfiguration never mutates one in place — it produces a new
// value with Version+1.
type Configuration struct {
	// Protocol names which replication protocol governs this configuration.
	Protocol ProtocolTag

	// SMModule identifies the user state machine module being replicated.
	SMModule string

	// Replicas is the ordered set of replica addresses. Order is
	// protocol-significant for chain (head..tail) and primary/backup
	// (primary first, then backups).
	Replicas []ref.Address

	// Version increases strictly across the life of a configuration
	// lineage; no replica processes a message bearing a version lower
	// than its own current one.
	Version uint64

	// Args carries protocol-specific options (e.g. quorum.Args,
	// primarybackup.Args). Nil means "use the protocol's defaults".
	Args interface{}

	// ShardAgent is the address of the partitioning layer that wraps this
	// configuration, if any. Empty when unused.
	ShardAgent ref.Address
}

// WithReplicas returns a new Configuration with the given replica set and
// Version+1, leaving Protocol, SMModule, Args and ShardAgent unchanged.
// Reconfiguring to the same set still bumps Version — it is idempotent in
// replica set, never in version.
func (c Configuration) WithReplicas(replicas []ref.Address) Configuration {
	next := c
	next.Replicas = append([]ref.Address(nil), replicas...)
	next.Version = c.Version + 1
	return next
}

// Contains reports whether addr is a member of this configuration.
func (c Configuration) Contains(addr ref.Address) bool {
	for _, r := range c.Replicas {
		if r == addr {
			return true
		}
	}
	return false
}

// Index returns the position of addr in Replicas, or -1.
func (c Configuration) Index(addr ref.Address) int {
	for i, r := range c.Replicas {
		if r == addr {
			return i
		}
	}
	return -1
}
