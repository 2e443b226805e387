package core

import (
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
	"github.com/jabolina/replicant/logging"
)

// ReplicaRuntime is the handle a Protocol callback uses to act on behalf
// of the replica that invoked it: send to peers, run the local state
// machine, and read the currently installed configuration.
type ReplicaRuntime struct {
	Me      ref.Address
	Sender  Sender
	Wrapper *sm.Wrapper
	Log     logging.Logger

	confGetter func() Configuration
}

// Conf returns the configuration currently installed at this replica.
func (rt *ReplicaRuntime) Conf() Configuration {
	return rt.confGetter()
}

// NewReplicaRuntime builds a ReplicaRuntime directly, exported so a
// protocol package's own tests can exercise HandleMsg callbacks that call
// rt.Conf() without going through a full Replica.
func NewReplicaRuntime(me ref.Address, sender Sender, wrapper *sm.Wrapper, log logging.Logger, confGetter func() Configuration) *ReplicaRuntime {
	return &ReplicaRuntime{Me: me, Sender: sender, Wrapper: wrapper, Log: log, confGetter: confGetter}
}

// Send generates a fresh Ref, hands {Ref, Me, body} to dst and returns the
// Ref — the async cast primitive from §4.1, used between replicas.
func (rt *ReplicaRuntime) Send(dst ref.Address, body interface{}) ref.Ref {
	id := ref.New()
	_ = rt.Sender.Send(dst, Envelope{Ref: id, From: rt.Me, Body: body})
	return id
}

// Reply sends body back to dst tagged with an existing Ref, the shape
// used to answer a client or a peer that is waiting on that Ref.
func (rt *ReplicaRuntime) Reply(dst ref.Address, id ref.Ref, body interface{}) {
	_ = rt.Sender.Send(dst, Envelope{Ref: id, From: rt.Me, Body: body})
}

// Directive is what a Protocol's HandleMsg returns to the kernel (§4.3).
type Directive struct {
	// Consumed reports the message was fully handled by the protocol.
	Consumed bool
	// HasNewState reports NewState should replace the kernel's copy of
	// the protocol's private state.
	HasNewState bool
	NewState    interface{}
	// NoMatch asks the kernel to fall through to its built-in handlers
	// (reconfigure, get_conf, stop, export, import, fork).
	NoMatch bool
}

// Consume reports the message handled with no protocol-state change.
func Consume() Directive { return Directive{Consumed: true} }

// ConsumeWithState reports the message handled and swaps protocol state.
func ConsumeWithState(state interface{}) Directive {
	return Directive{Consumed: true, HasNewState: true, NewState: state}
}

// NoMatch asks the kernel to try its built-in handlers.
func NoMatch() Directive { return Directive{NoMatch: true} }

// CastPlan is a protocol's answer to "which replica should receive this
// client command, and in what shape" (e.g. quorum wraps the command with
// its read/write tag).
type CastPlan struct {
	Target ref.Address
	Body   interface{}
}

// Protocol is the callback set every replication protocol implements
// (§6, §9's "tagged variant with a trait/interface"). The kernel and the
// public API are generic over this interface; only the four protocol
// packages know what SINGLE, PRIMARY_BACKUP, CHAIN or QUORUM actually do.
type Protocol interface {
	// Type identifies which protocol this is.
	Type() ProtocolTag

	// ConfArgs returns the args value this protocol defaults to. The
	// public API does not call it: a configuration built without args
	// keeps nil Args, and each protocol applies its defaults when it reads
	// them.
	ConfArgs() interface{}

	// Cast picks which replica a client command should be routed to
	// (and how the command should be wrapped, e.g. quorum's {qtag, cmd}),
	// given a monotonically increasing seq the caller supplies for
	// round-robin / shuffle coordinator selection.
	Cast(conf Configuration, cmd sm.Command, isMutating bool, seq uint64) CastPlan

	// InitReplica builds a replica's initial protocol-private state,
	// before any configuration has been installed.
	InitReplica(rt *ReplicaRuntime) (interface{}, error)

	// Import restores protocol-private state from bytes produced by
	// Export.
	Import(data []byte) (interface{}, error)

	// Export serialises protocol-private state.
	Export(state interface{}) ([]byte, error)

	// UpdateState is invoked by the kernel's reconfigure handler: given
	// the new configuration and the old protocol state, produce the new
	// protocol state (e.g. primary/backup and quorum keep `unstable`,
	// chain rebuilds neighbours).
	UpdateState(rt *ReplicaRuntime, newConf Configuration, oldState interface{}) (interface{}, error)

	// HandleFailure is the default "mask" hook from §4.8: given a replica
	// believed to have failed, decide whether to change configuration or
	// protocol state. The default implementation in every protocol
	// returns its inputs unchanged.
	HandleFailure(rt *ReplicaRuntime, conf Configuration, state interface{}, failed ref.Address, info interface{}) (Configuration, interface{})

	// HandleMsg is invoked by the kernel for every inbound message before
	// any built-in handling; returning NoMatch() falls through to the
	// kernel's built-ins.
	HandleMsg(rt *ReplicaRuntime, env Envelope, state interface{}) (Directive, error)

	// Fork copies protocol-private unstable tables for a forked replica.
	Fork(rt *ReplicaRuntime, state interface{}) (interface{}, error)
}
