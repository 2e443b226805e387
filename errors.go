package replicant

import (
	"errors"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/sm"
)

var (
	// ErrTimeout is the error core.Messenger.Collect returns when a reply
	// does not arrive before its timeout elapses (§7). Do retries without a
	// timeout and Cast does not wait for a reply, so neither returns it.
	ErrTimeout = core.ErrTimeout

	// ErrNoReplicas is returned when a configuration's replica set is empty.
	ErrNoReplicas = errors.New("replicant: configuration has no replicas")

	// ErrBadQuorum is returned by New/Reconfigure when a quorum
	// configuration's args violate r+w>n.
	ErrBadQuorum = errors.New("replicant: quorum args violate r+w>n")

	// ErrUnknownCommand is returned when the state machine does not
	// recognise a command (the SM's undefined_op case). It is the same
	// value sm.ErrUnknownCommand wraps, so errors.Is(err,
	// replicant.ErrUnknownCommand) matches an error returned by a
	// StateMachine's HandleCmd (§7).
	ErrUnknownCommand = sm.ErrUnknownCommand

	// ErrNotInConfiguration is returned by StopReplica and ForkReplica when
	// the replica index is outside the current configuration.
	ErrNotInConfiguration = errors.New("replicant: replica is not a member of this configuration")

	// ErrReplicaStopped names the case of a replica that has already been
	// stopped or dropped by reconfiguration. No function in this module
	// returns it: a call to a stopped replica keeps retrying instead.
	ErrReplicaStopped = errors.New("replicant: replica has been stopped")
)
