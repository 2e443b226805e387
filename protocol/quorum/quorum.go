// Package quorum implements read/write quorum replication with
// read-repair by version (§4.6).
package quorum

import (
	"encoding/json"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
	"github.com/jabolina/replicant/protocol"
)

func init() {
	protocol.Register(protocol.QUORUM, func() protocol.Protocol { return &Quorum{} })
}

// QTag distinguishes a read quorum operation from a write one.
type QTag string

const (
	Read  QTag = "read"
	Write QTag = "write"
)

// Args is the configuration-args shape recognised by this protocol (§6):
// R and W default to floor(n/2)+1 when zero; Shuffle selects a
// round-robin coordinator instead of always replica 0.
type Args struct {
	R       int
	W       int
	Shuffle bool
}

func defaultQuorum(n int) int { return n/2 + 1 }

func argsOf(conf core.Configuration) Args {
	if a, ok := conf.Args.(Args); ok {
		return a
	}
	return Args{}
}

func sizes(conf core.Configuration) (r, w int) {
	return Sizes(len(conf.Replicas), argsOf(conf))
}

// Sizes resolves the effective read/write quorum sizes for a replica set of
// size n, applying the floor(n/2)+1 default to either side left at zero.
// Exported so callers can validate args against the r+w>n overlap
// invariant (§4.6) before installing a configuration.
func Sizes(n int, args Args) (r, w int) {
	r, w = args.R, args.W
	if r <= 0 {
		r = defaultQuorum(n)
	}
	if w <= 0 {
		w = defaultQuorum(n)
	}
	return r, w
}

// CoordMsg is what a client command arrives as at the chosen coordinator —
// the {qtag, cmd} wrapping described in §4.1/§4.6.
type CoordMsg struct {
	QTag QTag
	Cmd  sm.Command
}

// PeerMsg is the coordinator-to-peer fan-out message.
type PeerMsg struct {
	Ref   ref.Ref
	Coord ref.Address
	QTag  QTag
	Cmd   sm.Command
}

// StabilizedMsg is a peer's answer to PeerMsg.
type StabilizedMsg struct {
	Ref    ref.Ref
	Count  uint64
	Result interface{}
}

type writeRecord struct {
	count  uint64
	result interface{}
}

type writeRecordJSON struct {
	Count  uint64
	Result interface{}
}

func (w writeRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(writeRecordJSON{Count: w.count, Result: w.result})
}

func (w *writeRecord) UnmarshalJSON(data []byte) error {
	var j writeRecordJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	w.count, w.result = j.Count, j.Result
	return nil
}

// pendingOp is the coordinator-side record from §4.6:
// {ref, client, cmd, rem_responses, rem_replicas, max_count, max_result}.
type pendingOp struct {
	client       ref.Address
	cmd          sm.Command
	qtag         QTag
	nextCount    uint64
	remResponses int
	remReplicas  int
	maxCount     uint64
	maxResult    interface{}
	committed    bool
	respondedBy  map[ref.Address]bool
}

// state is the protocol-private data from §4.6: r, w, unstable and
// updates_count, plus the appliedWrites cache. n and the peer set are not
// stored; they are read from the installed configuration.
type state struct {
	r, w          int
	unstable      map[ref.Ref]*pendingOp
	updatesCount  uint64
	appliedWrites map[ref.Ref]writeRecord
}

func newState(r, w int) *state {
	return &state{
		r:             r,
		w:             w,
		unstable:      make(map[ref.Ref]*pendingOp),
		appliedWrites: make(map[ref.Ref]writeRecord),
	}
}

func (s *state) clone() *state {
	cp := newState(s.r, s.w)
	cp.updatesCount = s.updatesCount
	for k, v := range s.appliedWrites {
		cp.appliedWrites[k] = v
	}
	for k, v := range s.unstable {
		entry := *v
		entry.respondedBy = make(map[ref.Address]bool, len(v.respondedBy))
		for addr, ok := range v.respondedBy {
			entry.respondedBy[addr] = ok
		}
		cp.unstable[k] = &entry
	}
	return cp
}

// Quorum implements core.Protocol for §4.6.
type Quorum struct{}

func (q *Quorum) Type() core.ProtocolTag { return core.QUORUM }

func (q *Quorum) ConfArgs() interface{} { return Args{} }

// Cast picks the coordinator (replica 0, or round-robin under Shuffle)
// and tags the command read or write.
func (q *Quorum) Cast(conf core.Configuration, cmd sm.Command, isMutating bool, seq uint64) core.CastPlan {
	if len(conf.Replicas) == 0 {
		return core.CastPlan{Body: CoordMsg{Cmd: cmd}}
	}
	qtag := Read
	if isMutating {
		qtag = Write
	}
	idx := 0
	if argsOf(conf).Shuffle {
		idx = int(seq % uint64(len(conf.Replicas)))
	}
	return core.CastPlan{Target: conf.Replicas[idx], Body: CoordMsg{QTag: qtag, Cmd: cmd}}
}

func (q *Quorum) InitReplica(rt *core.ReplicaRuntime) (interface{}, error) {
	return newState(1, 1), nil
}

func (q *Quorum) Import(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return newState(1, 1), nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	s := newState(snap.R, snap.W)
	s.updatesCount = snap.UpdatesCount
	if snap.AppliedWrites != nil {
		s.appliedWrites = snap.AppliedWrites
	}
	for id, op := range snap.Unstable {
		respondedBy := op.RespondedBy
		if respondedBy == nil {
			respondedBy = make(map[ref.Address]bool)
		}
		s.unstable[id] = &pendingOp{
			client:       op.Client,
			cmd:          op.Cmd,
			qtag:         op.QTag,
			nextCount:    op.NextCount,
			remResponses: op.RemResponses,
			remReplicas:  op.RemReplicas,
			maxCount:     op.MaxCount,
			maxResult:    op.MaxResult,
			committed:    op.Committed,
			respondedBy:  respondedBy,
		}
	}
	return s, nil
}

// snapshot is the JSON-serialisable projection of state, used by
// Export/Import to satisfy the round-trip law import(export(s)) ≡ s (§8).
type snapshot struct {
	R, W          int
	UpdatesCount  uint64
	Unstable      map[ref.Ref]pendingOpSnapshot
	AppliedWrites map[ref.Ref]writeRecord
}

type pendingOpSnapshot struct {
	Client       ref.Address
	Cmd          sm.Command
	QTag         QTag
	NextCount    uint64
	RemResponses int
	RemReplicas  int
	MaxCount     uint64
	MaxResult    interface{}
	Committed    bool
	RespondedBy  map[ref.Address]bool
}

func (q *Quorum) Export(raw interface{}) ([]byte, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		s = newState(1, 1)
	}
	snap := snapshot{
		R:             s.r,
		W:             s.w,
		UpdatesCount:  s.updatesCount,
		Unstable:      make(map[ref.Ref]pendingOpSnapshot, len(s.unstable)),
		AppliedWrites: s.appliedWrites,
	}
	for id, op := range s.unstable {
		snap.Unstable[id] = pendingOpSnapshot{
			Client:       op.client,
			Cmd:          op.cmd,
			QTag:         op.qtag,
			NextCount:    op.nextCount,
			RemResponses: op.remResponses,
			RemReplicas:  op.remReplicas,
			MaxCount:     op.maxCount,
			MaxResult:    op.maxResult,
			Committed:    op.committed,
			RespondedBy:  op.respondedBy,
		}
	}
	return json.Marshal(snap)
}

// UpdateState recomputes r/w sizing for the new configuration and warns
// (via the replica log) when the overlap invariant r+w>n is violated, but
// preserves unstable and updates_count across the reconfiguration (§4.7).
func (q *Quorum) UpdateState(rt *core.ReplicaRuntime, newConf core.Configuration, oldState interface{}) (interface{}, error) {
	r, w := sizes(newConf)
	n := len(newConf.Replicas)
	if r+w <= n && rt.Log != nil {
		rt.Log.Warnf("quorum: configuration violates r+w>n (r=%d w=%d n=%d); reads may not see every committed write", r, w, n)
	}
	s, ok := oldState.(*state)
	if !ok || s == nil {
		return newState(r, w), nil
	}
	s.r, s.w = r, w
	return s, nil
}

func (q *Quorum) HandleFailure(rt *core.ReplicaRuntime, conf core.Configuration, raw interface{}, failed ref.Address, info interface{}) (core.Configuration, interface{}) {
	return conf, raw
}

func (q *Quorum) Fork(rt *core.ReplicaRuntime, raw interface{}) (interface{}, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		return newState(1, 1), nil
	}
	return s.clone(), nil
}

func (q *Quorum) HandleMsg(rt *core.ReplicaRuntime, env core.Envelope, raw interface{}) (core.Directive, error) {
	s, ok := raw.(*state)
	if !ok || s == nil {
		r, w := sizes(rt.Conf())
		s = newState(r, w)
	}

	switch body := env.Body.(type) {
	case CoordMsg:
		return q.handleCoordinator(rt, env, body, s)
	case PeerMsg:
		return q.handlePeer(rt, env, body, s)
	case StabilizedMsg:
		return q.handleStabilized(rt, env, body, s)
	default:
		return core.NoMatch(), nil
	}
}

func (q *Quorum) handleCoordinator(rt *core.ReplicaRuntime, env core.Envelope, msg CoordMsg, s *state) (core.Directive, error) {
	conf := rt.Conf()
	n := len(conf.Replicas)

	qsize := s.r
	nextCount := s.updatesCount
	if msg.QTag == Write {
		qsize = s.w
		nextCount = s.updatesCount + 1
	}

	if qsize <= 1 {
		// §8 boundary behaviour: n=1,r=w=1 degenerates to a singleton —
		// no unstable entry is allocated.
		result, err := rt.Wrapper.Do(msg.Cmd, true)
		if err != nil {
			rt.Reply(env.From, env.Ref, core.CommandReply{Err: err})
			return core.Consume(), nil
		}
		if msg.QTag == Write {
			s.updatesCount = nextCount
		}
		if !result.NoReply {
			rt.Reply(env.From, env.Ref, core.CommandReply{Reply: result.Reply})
		}
		return core.ConsumeWithState(s), nil
	}

	op := &pendingOp{
		client:       env.From,
		cmd:          msg.Cmd,
		qtag:         msg.QTag,
		nextCount:    nextCount,
		remResponses: qsize - 1,
		remReplicas:  n - 1,
		respondedBy:  make(map[ref.Address]bool),
	}
	s.unstable[env.Ref] = op

	for _, peer := range conf.Replicas {
		if peer == rt.Me {
			continue
		}
		rt.Send(peer, PeerMsg{Ref: env.Ref, Coord: rt.Me, QTag: msg.QTag, Cmd: msg.Cmd})
	}
	return core.ConsumeWithState(s), nil
}

func (q *Quorum) handlePeer(rt *core.ReplicaRuntime, env core.Envelope, msg PeerMsg, s *state) (core.Directive, error) {
	if msg.QTag == Read {
		result, err := rt.Wrapper.Do(msg.Cmd, false)
		if err != nil {
			rt.Log.Errorf("quorum: peer %s failed shadow read: %v", rt.Me, err)
			return core.Consume(), nil
		}
		rt.Send(msg.Coord, StabilizedMsg{Ref: msg.Ref, Count: s.updatesCount, Result: result.Reply})
		return core.Consume(), nil
	}

	// Write: must be idempotent per Ref — a retransmitted call must not
	// re-apply or re-bump updates_count (§9 open question, resolved
	// idempotent).
	if cached, ok := s.appliedWrites[msg.Ref]; ok {
		rt.Send(msg.Coord, StabilizedMsg{Ref: msg.Ref, Count: cached.count, Result: cached.result})
		return core.Consume(), nil
	}

	result, err := rt.Wrapper.Do(msg.Cmd, true)
	if err != nil {
		rt.Log.Errorf("quorum: peer %s failed applying write: %v", rt.Me, err)
		return core.Consume(), nil
	}
	s.updatesCount++
	s.appliedWrites[msg.Ref] = writeRecord{count: s.updatesCount, result: result.Reply}
	rt.Send(msg.Coord, StabilizedMsg{Ref: msg.Ref, Count: s.updatesCount, Result: result.Reply})
	return core.ConsumeWithState(s), nil
}

// handleStabilized folds one peer response into its op's (max_count,
// max_result) pair, commits the quorum read-repair once enough responses
// have arrived, and retires the entry once every peer has answered.
func (q *Quorum) handleStabilized(rt *core.ReplicaRuntime, env core.Envelope, msg StabilizedMsg, s *state) (core.Directive, error) {
	op, ok := s.unstable[msg.Ref]
	if !ok || op.respondedBy[env.From] {
		// Unknown, late or duplicate stabilization: dropped (§7).
		return core.Consume(), nil
	}
	op.respondedBy[env.From] = true

	if msg.Count > op.maxCount {
		op.maxCount = msg.Count
		op.maxResult = msg.Result
	}
	op.remResponses--
	op.remReplicas--

	if !op.committed && op.remResponses <= 0 {
		op.committed = true
		result, err := rt.Wrapper.Do(op.cmd, true)
		var reply core.CommandReply
		switch {
		case err != nil:
			reply = core.CommandReply{Err: err}
		case op.nextCount > op.maxCount:
			if op.qtag == Write {
				s.updatesCount = op.nextCount
			}
			reply = core.CommandReply{Reply: result.Reply}
		default:
			reply = core.CommandReply{Reply: op.maxResult}
		}
		rt.Reply(op.client, msg.Ref, reply)
	}

	if op.remReplicas <= 0 {
		delete(s.unstable, msg.Ref)
	}
	return core.ConsumeWithState(s), nil
}
