package core

import (
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
)

// CommandMsg is the generic entry point for a client command: the
// singleton, chain and primary/backup Casts route a client's request to
// some replica wrapped as CommandMsg. Quorum's Cast sends its own
// CoordMsg, carrying a read/write tag, instead. The envelope's own
// Ref/From fields are the reply key.
type CommandMsg struct {
	Cmd sm.Command
}

// CommandReply answers a CommandMsg once the state machine has produced
// a result.
type CommandReply struct {
	Reply interface{}
	Err   error
}

// Built-in message bodies handled by every protocol the same way (§4.3).
// A protocol's HandleMsg sees these too (so it may special-case them) but
// normally returns NoMatch() and lets the kernel apply them.

// ReconfigureMsg installs a new configuration, if its version is newer.
// Reason is passed to SM Stop when this message drops the recipient from
// the configuration; an empty Reason defaults to "reconfiguration".
type ReconfigureMsg struct {
	NewConf Configuration
	Reason  string
}

// GetConfMsg asks the replica to reply with its current configuration.
type GetConfMsg struct{}

// StopMsg asks the replica to invoke SM Stop and terminate.
type StopMsg struct {
	Reason string
}

// ExportMsg asks the replica to serialise both SM and protocol state.
type ExportMsg struct{}

// ImportMsg asks the replica to restore both SM and protocol state.
type ImportMsg struct {
	SMData       []byte
	ProtocolData []byte
}

// ForkMsg asks the replica to spawn a fresh replica on Node, seeded from
// this replica's current SM state and protocol-private tables.
type ForkMsg struct {
	Node ref.Address
	Args interface{}
}

// ConfReply answers GetConfMsg.
type ConfReply struct {
	Conf Configuration
}

// AckReply answers StopMsg, ReconfigureMsg and ImportMsg.
type AckReply struct {
	Err error
}

// ExportReply answers ExportMsg.
type ExportReply struct {
	SMData       []byte
	ProtocolData []byte
	Err          error
}

// ForkReply answers ForkMsg.
type ForkReply struct {
	Addr ref.Address
	Err  error
}
