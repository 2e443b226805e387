// Package primarybackup implements ordered dispatch through a
// distinguished primary with synchronous backup stabilization (§4.4).
package primarybackup

import (
	"encoding/json"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
	"github.com/jabolina/replicant/protocol"
)

func init() {
	protocol.Register(protocol.PRIMARY_BACKUP, func() protocol.Protocol { return &PrimaryBackup{} })
}

// ReadSrc selects which replica serves a non-mutating command.
type ReadSrc string

const (
	ReadPrimary ReadSrc = "primary"
	ReadBackup  ReadSrc = "backup"
	ReadRandom  ReadSrc = "random"
)

// Args is the configuration-args shape recognised by this protocol (§6).
type Args struct {
	ReadSrc ReadSrc
}

func argsOf(conf core.Configuration) Args {
	if a, ok := conf.Args.(Args); ok && a.ReadSrc != "" {
		return a
	}
	return Args{ReadSrc: ReadPrimary}
}

// ReplicateMsg carries one assigned command-number down to a backup.
type ReplicateMsg struct {
	N      uint64
	Ref    ref.Ref
	Client ref.Address
	Cmd    sm.Command
}

// StabilizedMsg acknowledges a backup has applied command N.
type StabilizedMsg struct {
	N uint64
}

// pending is one primary-side unstable entry: (remaining_acks, ref,
// client, cmd) from §4.4.
type pending struct {
	remaining int
	ref       ref.Ref
	client    ref.Address
	cmd       sm.Command
}

// state is the protocol-private data a primary/backup replica carries.
// unstable and pendingByRef are meaningful only at the primary; backups
// only ever touch stableCount/nextCmdNum.
type state struct {
	unstable     map[uint64]*pending
	pendingByRef map[ref.Ref]uint64
	completed    map[ref.Ref]core.CommandReply
	stableCount  uint64
	nextCmdNum   uint64
}

func newState() *state {
	return &state{
		unstable:     make(map[uint64]*pending),
		pendingByRef: make(map[ref.Ref]uint64),
		completed:    make(map[ref.Ref]core.CommandReply),
	}
}

func (s *state) clone() *state {
	cp := &state{
		unstable:     make(map[uint64]*pending, len(s.unstable)),
		pendingByRef: make(map[ref.Ref]uint64, len(s.pendingByRef)),
		completed:    make(map[ref.Ref]core.CommandReply, len(s.completed)),
		stableCount:  s.stableCount,
		nextCmdNum:   s.nextCmdNum,
	}
	for k, v := range s.unstable {
		entry := *v
		cp.unstable[k] = &entry
	}
	for k, v := range s.pendingByRef {
		cp.pendingByRef[k] = v
	}
	for k, v := range s.completed {
		cp.completed[k] = v
	}
	return cp
}

// PrimaryBackup implements core.Protocol for §4.4.
type PrimaryBackup struct{}

func (p *PrimaryBackup) Type() core.ProtocolTag { return core.PRIMARY_BACKUP }

func (p *PrimaryBackup) ConfArgs() interface{} { return Args{ReadSrc: ReadPrimary} }

// Cast routes mutating commands to the primary, and non-mutating ones per
// the configured read_src policy.
func (p *PrimaryBackup) Cast(conf core.Configuration, cmd sm.Command, isMutating bool, seq uint64) core.CastPlan {
	if len(conf.Replicas) == 0 {
		return core.CastPlan{Body: core.CommandMsg{Cmd: cmd}}
	}
	if isMutating {
		return core.CastPlan{Target: conf.Replicas[0], Body: core.CommandMsg{Cmd: cmd}}
	}

	switch argsOf(conf).ReadSrc {
	case ReadBackup:
		if len(conf.Replicas) > 1 {
			idx := 1 + int(seq%uint64(len(conf.Replicas)-1))
			return core.CastPlan{Target: conf.Replicas[idx], Body: core.CommandMsg{Cmd: cmd}}
		}
		return core.CastPlan{Target: conf.Replicas[0], Body: core.CommandMsg{Cmd: cmd}}
	case ReadRandom:
		idx := int(seq % uint64(len(conf.Replicas)))
		return core.CastPlan{Target: conf.Replicas[idx], Body: core.CommandMsg{Cmd: cmd}}
	default:
		return core.CastPlan{Target: conf.Replicas[0], Body: core.CommandMsg{Cmd: cmd}}
	}
}

func (p *PrimaryBackup) InitReplica(rt *core.ReplicaRuntime) (interface{}, error) {
	return newState(), nil
}

// snapshot is the JSON-serialisable projection of state, used by
// Export/Import to satisfy the round-trip law import(export(s)) ≡ s (§8).
type snapshot struct {
	StableCount  uint64
	NextCmdNum   uint64
	Unstable     map[uint64]pendingSnapshot
	PendingByRef map[ref.Ref]uint64
	Completed    map[ref.Ref]core.CommandReply
}

type pendingSnapshot struct {
	Remaining int
	Ref       ref.Ref
	Client    ref.Address
	Cmd       sm.Command
}

func (p *PrimaryBackup) Import(data []byte) (interface{}, error) {
	s := newState()
	if len(data) == 0 {
		return s, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	s.stableCount = snap.StableCount
	s.nextCmdNum = snap.NextCmdNum
	for n, entry := range snap.Unstable {
		s.unstable[n] = &pending{remaining: entry.Remaining, ref: entry.Ref, client: entry.Client, cmd: entry.Cmd}
	}
	if snap.PendingByRef != nil {
		s.pendingByRef = snap.PendingByRef
	}
	if snap.Completed != nil {
		s.completed = snap.Completed
	}
	return s, nil
}

func (p *PrimaryBackup) Export(raw interface{}) ([]byte, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		s = newState()
	}
	snap := snapshot{
		StableCount:  s.stableCount,
		NextCmdNum:   s.nextCmdNum,
		Unstable:     make(map[uint64]pendingSnapshot, len(s.unstable)),
		PendingByRef: s.pendingByRef,
		Completed:    s.completed,
	}
	for n, entry := range s.unstable {
		snap.Unstable[n] = pendingSnapshot{Remaining: entry.remaining, Ref: entry.ref, Client: entry.client, Cmd: entry.cmd}
	}
	return json.Marshal(snap)
}

// UpdateState preserves unstable across a reconfiguration (§4.7): in-flight
// commands are still completed once their stabilizations arrive, since the
// table survives the swap untouched.
func (p *PrimaryBackup) UpdateState(rt *core.ReplicaRuntime, newConf core.Configuration, oldState interface{}) (interface{}, error) {
	s, ok := oldState.(*state)
	if !ok || s == nil {
		return newState(), nil
	}
	return s, nil
}

func (p *PrimaryBackup) HandleFailure(rt *core.ReplicaRuntime, conf core.Configuration, raw interface{}, failed ref.Address, info interface{}) (core.Configuration, interface{}) {
	return conf, raw
}

func (p *PrimaryBackup) Fork(rt *core.ReplicaRuntime, raw interface{}) (interface{}, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		return newState(), nil
	}
	return s.clone(), nil
}

func (p *PrimaryBackup) HandleMsg(rt *core.ReplicaRuntime, env core.Envelope, raw interface{}) (core.Directive, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		s = newState()
	}

	switch body := env.Body.(type) {
	case core.CommandMsg:
		return p.handleCommand(rt, env, body, s)
	case ReplicateMsg:
		return p.handleReplicate(rt, env, body, s)
	case StabilizedMsg:
		return p.handleStabilized(rt, env, body, s)
	default:
		return core.NoMatch(), nil
	}
}

func (p *PrimaryBackup) handleCommand(rt *core.ReplicaRuntime, env core.Envelope, msg core.CommandMsg, s *state) (core.Directive, error) {
	conf := rt.Conf()
	isPrimary := len(conf.Replicas) > 0 && conf.Replicas[0] == rt.Me

	if !rt.Wrapper.IsMutating(msg.Cmd) {
		result, err := rt.Wrapper.Do(msg.Cmd, true)
		if err != nil {
			rt.Reply(env.From, env.Ref, core.CommandReply{Err: err})
			return core.Consume(), nil
		}
		if !result.NoReply {
			rt.Reply(env.From, env.Ref, core.CommandReply{Reply: result.Reply})
		}
		return core.Consume(), nil
	}

	if !isPrimary {
		// Only the primary accepts mutations; a command that reached a
		// backup directly (stale routing) is dropped silently (§7).
		return core.Consume(), nil
	}

	if reply, done := s.completed[env.Ref]; done {
		rt.Reply(env.From, env.Ref, reply)
		return core.Consume(), nil
	}
	if _, inFlight := s.pendingByRef[env.Ref]; inFlight {
		// Retransmission of a command already in flight: the eventual
		// stabilization path will reply once, per the pending entry.
		return core.Consume(), nil
	}

	numBackups := len(conf.Replicas) - 1
	n := s.nextCmdNum
	s.nextCmdNum++
	s.unstable[n] = &pending{remaining: numBackups, ref: env.Ref, client: env.From, cmd: msg.Cmd}
	s.pendingByRef[env.Ref] = n

	if numBackups == 0 {
		// §8 boundary behaviour: num_backups=0 replies synchronously.
		return p.stabilize(rt, n, s)
	}

	for _, backup := range conf.Replicas[1:] {
		rt.Send(backup, ReplicateMsg{N: n, Ref: env.Ref, Client: env.From, Cmd: msg.Cmd})
	}
	return core.ConsumeWithState(s), nil
}

func (p *PrimaryBackup) handleReplicate(rt *core.ReplicaRuntime, env core.Envelope, msg ReplicateMsg, s *state) (core.Directive, error) {
	if _, err := rt.Wrapper.Do(msg.Cmd, true); err != nil {
		rt.Log.Errorf("primarybackup: backup %s failed applying cmd %d: %v", rt.Me, msg.N, err)
		return core.Consume(), nil
	}
	if msg.N >= s.nextCmdNum {
		s.nextCmdNum = msg.N + 1
	}
	s.stableCount = msg.N
	rt.Send(env.From, StabilizedMsg{N: msg.N})
	return core.ConsumeWithState(s), nil
}

func (p *PrimaryBackup) handleStabilized(rt *core.ReplicaRuntime, env core.Envelope, msg StabilizedMsg, s *state) (core.Directive, error) {
	entry, ok := s.unstable[msg.N]
	if !ok {
		// Late or duplicate stabilization: dropped (§7).
		return core.Consume(), nil
	}
	entry.remaining--
	if entry.remaining > 0 {
		return core.ConsumeWithState(s), nil
	}
	return p.stabilize(rt, msg.N, s)
}

// stabilize applies the command locally, replies to the client, and
// retires the unstable entry — the final step once every backup has
// acknowledged N (or, for num_backups=0, immediately).
func (p *PrimaryBackup) stabilize(rt *core.ReplicaRuntime, n uint64, s *state) (core.Directive, error) {
	entry := s.unstable[n]
	result, err := rt.Wrapper.Do(entry.cmd, true)
	reply := core.CommandReply{Reply: result.Reply, Err: err}
	if err == nil && result.NoReply {
		delete(s.unstable, n)
		delete(s.pendingByRef, entry.ref)
		s.stableCount++
		return core.ConsumeWithState(s), nil
	}
	rt.Reply(entry.client, entry.ref, reply)
	s.completed[entry.ref] = reply
	delete(s.unstable, n)
	delete(s.pendingByRef, entry.ref)
	s.stableCount++
	return core.ConsumeWithState(s), nil
}
