package replicant

// Importing every protocol subpackage here, purely for its init() side
// effect of calling protocol.Register, is what makes all four protocol
// tags usable through the public API out of the box — a caller who only
// imports "github.com/jabolina/replicant" still gets SINGLE, PRIMARY_BACKUP,
// CHAIN and QUORUM registered, not just whichever subpackage replicant.go
// itself happens to import for its own use (quorum, for ErrBadQuorum).
import (
	_ "github.com/jabolina/replicant/protocol/chain"
	_ "github.com/jabolina/replicant/protocol/primarybackup"
	_ "github.com/jabolina/replicant/protocol/singleton"
)
