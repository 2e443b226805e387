// Package chain implements chain replication (§4.5): mutations enter at
// the head, flow link by link to the tail, and the tail replies; reads
// are served by the tail (strict) or any replica (sloppy).
package chain

import (
	"encoding/json"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
	"github.com/jabolina/replicant/protocol"
)

func init() {
	protocol.Register(protocol.CHAIN, func() protocol.Protocol { return &Chain{} })
}

// Args is the configuration-args shape recognised by this protocol (§6
// lists "chain: none" as the baseline; Sloppy is this module's one
// opt-in knob for where reads are served).
type Args struct {
	Sloppy bool
}

func argsOf(conf core.Configuration) Args {
	if a, ok := conf.Args.(Args); ok {
		return a
	}
	return Args{}
}

// ChainMsg carries a mutation one link further down the chain; the reply
// address travels with the message so in-flight commands survive a
// reconfiguration that changes chain membership underneath them (§4.5).
type ChainMsg struct {
	Ref    ref.Ref
	Client ref.Address
	Cmd    sm.Command
}

// appliedEntry is one link's cached outcome of a mutation it has already
// run, keyed by the client's Ref, so a retransmitted Call never applies
// the same mutation twice at the same link (§4.1 "Retransmission is
// idempotent per Ref").
type appliedEntry struct {
	Reply   core.CommandReply
	NoReply bool
}

// state is the per-link protocol-private data: neighbours are still
// recomputed from the current configuration on every message via
// core.Ipn, but a Ref→reply cache is now carried so duplicate mutations
// are deduplicated the same way primarybackup's completed table and
// quorum's appliedWrites cache do.
type state struct {
	applied map[ref.Ref]appliedEntry
}

func newState() *state {
	return &state{applied: make(map[ref.Ref]appliedEntry)}
}

func (s *state) clone() *state {
	cp := newState()
	for k, v := range s.applied {
		cp.applied[k] = v
	}
	return cp
}

// Chain implements core.Protocol for §4.5.
type Chain struct{}

func (c *Chain) Type() core.ProtocolTag { return core.CHAIN }

func (c *Chain) ConfArgs() interface{} { return Args{} }

// Cast routes mutations to the head and reads to the tail, or to any
// replica when the configuration opts into sloppy reads.
func (c *Chain) Cast(conf core.Configuration, cmd sm.Command, isMutating bool, seq uint64) core.CastPlan {
	if len(conf.Replicas) == 0 {
		return core.CastPlan{Body: core.CommandMsg{Cmd: cmd}}
	}
	if isMutating {
		return core.CastPlan{Target: conf.Replicas[0], Body: core.CommandMsg{Cmd: cmd}}
	}
	if argsOf(conf).Sloppy {
		idx := int(seq % uint64(len(conf.Replicas)))
		return core.CastPlan{Target: conf.Replicas[idx], Body: core.CommandMsg{Cmd: cmd}}
	}
	return core.CastPlan{Target: conf.Replicas[len(conf.Replicas)-1], Body: core.CommandMsg{Cmd: cmd}}
}

func (c *Chain) InitReplica(rt *core.ReplicaRuntime) (interface{}, error) {
	return newState(), nil
}

// snapshot is the JSON-serialisable projection of state, used by
// Export/Import to satisfy the round-trip law import(export(s)) ≡ s (§8).
type snapshot struct {
	Applied map[ref.Ref]appliedEntry
}

func (c *Chain) Import(data []byte) (interface{}, error) {
	s := newState()
	if len(data) == 0 {
		return s, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Applied != nil {
		s.applied = snap.Applied
	}
	return s, nil
}

func (c *Chain) Export(raw interface{}) ([]byte, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		s = newState()
	}
	return json.Marshal(snapshot{Applied: s.applied})
}

// UpdateState preserves the Ref→reply cache across a reconfiguration:
// neighbours are still derived on demand from the newly-installed
// configuration, but in-flight retransmissions must keep deduplicating
// against what this link already applied.
func (c *Chain) UpdateState(rt *core.ReplicaRuntime, newConf core.Configuration, oldState interface{}) (interface{}, error) {
	s, ok := oldState.(*state)
	if !ok || s == nil {
		return newState(), nil
	}
	return s, nil
}

func (c *Chain) HandleFailure(rt *core.ReplicaRuntime, conf core.Configuration, state interface{}, failed ref.Address, info interface{}) (core.Configuration, interface{}) {
	return conf, state
}

func (c *Chain) Fork(rt *core.ReplicaRuntime, raw interface{}) (interface{}, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		return newState(), nil
	}
	return s.clone(), nil
}

func (c *Chain) HandleMsg(rt *core.ReplicaRuntime, env core.Envelope, raw interface{}) (core.Directive, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		s = newState()
	}

	switch body := env.Body.(type) {
	case core.CommandMsg:
		return c.apply(rt, env.Ref, env.From, body.Cmd, s)
	case ChainMsg:
		return c.apply(rt, body.Ref, body.Client, body.Cmd, s)
	default:
		return core.NoMatch(), nil
	}
}

// apply runs cmd locally and either replies (at the tail, or for a
// non-mutating read served anywhere) or forwards it to the next link. A
// mutation's outcome is cached by Ref before this link does anything else
// with it, so a retransmitted Call that reaches this link again — whether
// as the original CommandMsg or a re-forwarded ChainMsg — replies or
// forwards from the cached result instead of re-running rt.Wrapper.Do.
func (c *Chain) apply(rt *core.ReplicaRuntime, id ref.Ref, client ref.Address, cmd sm.Command, s *state) (core.Directive, error) {
	if !rt.Wrapper.IsMutating(cmd) {
		result, err := rt.Wrapper.Do(cmd, true)
		if err != nil {
			rt.Reply(client, id, core.CommandReply{Err: err})
			return core.Consume(), nil
		}
		if !result.NoReply {
			rt.Reply(client, id, core.CommandReply{Reply: result.Reply})
		}
		return core.Consume(), nil
	}

	entry, done := s.applied[id]
	if !done {
		result, err := rt.Wrapper.Do(cmd, true)
		if err != nil {
			rt.Reply(client, id, core.CommandReply{Err: err})
			return core.Consume(), nil
		}
		entry = appliedEntry{Reply: core.CommandReply{Reply: result.Reply}, NoReply: result.NoReply}
		s.applied[id] = entry
	}

	_, _, next := core.Ipn(rt.Me, rt.Conf().Replicas)
	if next == core.ChainTail {
		if !entry.NoReply {
			rt.Reply(client, id, entry.Reply)
		}
		return core.ConsumeWithState(s), nil
	}
	rt.Send(next, ChainMsg{Ref: id, Client: client, Cmd: cmd})
	return core.ConsumeWithState(s), nil
}
