// Package test provides cluster-building helpers shared by the protocol
// and fuzzy test suites.
package test

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/jabolina/replicant"
	"github.com/jabolina/replicant/internal/core"
)

// DefaultRetry is the Call/install retry interval used across tests: short
// enough not to slow the suite down, long enough not to busy-loop.
const DefaultRetry = 20 * time.Millisecond

// NewReplicant builds a protoTag-replicated object over nodeCount nodes,
// failing the test immediately if construction errors.
func NewReplicant(t *testing.T, smModule string, factory replicant.SMFactory, smArgs interface{}, protoTag core.ProtocolTag, protoArgs interface{}, nodeCount int) *replicant.Replicant {
	t.Helper()
	nodes := make([]string, nodeCount)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("node-%d", i)
	}
	r, err := replicant.New(smModule, factory, smArgs, protoTag, protoArgs, nodes, DefaultRetry)
	if err != nil {
		t.Fatalf("failed creating replicant over %s: %v", protoTag, err)
	}
	return r
}

// PrintStackTrace dumps every goroutine's stack into the test log, useful
// when a cluster hangs on shutdown.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Logf("%s", buf[:n])
}

// WaitThisOrTimeout runs cb in its own goroutine and reports whether it
// finished before duration elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
