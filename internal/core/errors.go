package core

import "errors"

var (
	// ErrStaleVersion is returned when a reconfigure names a version no
	// newer than the one already installed (§3 invariants).
	ErrStaleVersion = errors.New("core: configuration version is not newer than the current one")

	// ErrTimeout is returned by Collect when the timeout elapses before a
	// reply arrives (§4.1). CollectMany/CollectAll/CollectAny report a
	// timeout through CollectResult.TimedOut instead of an error.
	ErrTimeout = errors.New("core: timed out waiting for a reply")
)
