// Package replicant turns a user-supplied deterministic state machine
// into a fault-tolerant, reconfigurable replicated object. A client
// interacts with it as if it were a single state machine; the library
// distributes commands across a set of replica processes using one of
// several interchangeable replication protocols and lets the replica set
// change at runtime without disrupting service.
package replicant

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
	"github.com/jabolina/replicant/internal/transport"
	"github.com/jabolina/replicant/logging"
	"github.com/jabolina/replicant/protocol"
	"github.com/jabolina/replicant/protocol/quorum"
)

// SMFactory builds a fresh StateMachine instance; Replicant calls it once
// per replica it spawns, since SM state is private to each replica.
type SMFactory func() sm.StateMachine

// Replicant is a handle to one replicated object: the current
// Configuration plus the collaborators (transport registry, placement,
// messenger) needed to drive it. It corresponds to the abstract "conf"
// handle from §6.
type Replicant struct {
	registry  *transport.Registry
	sender    *transport.Router
	placement *transport.Placement
	messenger *core.Messenger
	log       logging.Logger

	smModule  string
	smFactory SMFactory
	smArgs    interface{}
	probe     sm.StateMachine

	protoTag core.ProtocolTag
	router   core.Protocol // stateless instance used only for its Cast routing

	confMu sync.RWMutex
	conf   core.Configuration

	replicaMu sync.Mutex
	replicas  map[ref.Address]*core.Replica

	seq uint64
}

// New spawns one replica per node under protoTag, reconfigures them into
// a version-1 configuration, and returns the handle — the abstract
// `new(sm_module, sm_args, protocol_args, nodes, retry)` operation (§6).
func New(smModule string, factory SMFactory, smArgs interface{}, protoTag core.ProtocolTag, protoArgs interface{}, nodes []string, retry time.Duration) (*Replicant, error) {
	if len(nodes) == 0 {
		return nil, ErrNoReplicas
	}

	router, err := protocol.New(protoTag)
	if err != nil {
		return nil, err
	}

	log := logging.NewDefaultLogger(fmt.Sprintf("[replicant:%s] ", smModule))
	registry := transport.NewRegistry()
	r := &Replicant{
		registry:  registry,
		sender:    transport.NewRouter(registry, log),
		placement: transport.NewPlacement(),
		log:       log,
		smModule:  smModule,
		smFactory: factory,
		smArgs:    smArgs,
		probe:     factory(),
		protoTag:  protoTag,
		router:    router,
		replicas:  make(map[ref.Address]*core.Replica),
	}

	self := ref.Address(fmt.Sprintf("client/%s", ref.New()))
	r.messenger = core.NewMessenger(self, r.sender, log)
	r.registry.Register(r.messenger.Mailbox())

	addrs := make([]ref.Address, 0, len(nodes))
	for _, node := range nodes {
		addr, err := r.spawn(ref.Address(node))
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}

	conf := core.Configuration{
		Protocol: protoTag,
		SMModule: smModule,
		Replicas: addrs,
		Version:  1,
		Args:     protoArgs,
	}
	if err := r.install(conf, retry); err != nil {
		return nil, err
	}
	r.setConf(conf)
	return r, nil
}

// spawn places a fresh, unconfigured replica on node and registers it
// locally; it does not yet belong to any configuration (§3 Lifecycle).
func (r *Replicant) spawn(node ref.Address) (ref.Address, error) {
	proto, err := protocol.New(r.protoTag)
	if err != nil {
		return "", err
	}
	addr := r.placement.SpawnOn(node, r.smModule)
	replica, err := core.NewReplica(addr, r.sender, r.smModule, r.smFactory(), r.smArgs, proto, r.log)
	if err != nil {
		return "", err
	}
	replica.SetForker(r.fork)
	r.registry.Register(replica.Mailbox())

	r.replicaMu.Lock()
	r.replicas[addr] = replica
	r.replicaMu.Unlock()
	return addr, nil
}

// fork is the core.ForkFunc collaborator: it spawns a fresh, unconfigured
// replica and seeds it from the source's SM state and protocol-private
// tables, serialize-ship-deserialize style (§4.7, §9). smState comes from
// the source's SM wrapper directly (this deployment is single-process, so
// there is no network hop to cross); protoData is the source protocol's
// Export bytes, restored here via a fresh protocol instance's Import so
// the forked replica's private state is never shared by reference with
// the source's.
func (r *Replicant) fork(node ref.Address, smModule string, smState interface{}, protoData []byte, sourceProto core.Protocol) (ref.Address, error) {
	forkedProto, err := protocol.New(r.protoTag)
	if err != nil {
		return "", err
	}
	protoState, err := forkedProto.Import(protoData)
	if err != nil {
		return "", err
	}

	addr := r.placement.SpawnOn(node, smModule)
	replica, err := core.NewReplica(addr, r.sender, smModule, r.smFactory(), r.smArgs, forkedProto, r.log)
	if err != nil {
		return "", err
	}
	replica.SetForker(r.fork)
	replica.SeedFork(smState, protoState)
	r.registry.Register(replica.Mailbox())

	r.replicaMu.Lock()
	r.replicas[addr] = replica
	r.replicaMu.Unlock()
	return addr, nil
}

// install multicasts new to union(old.Replicas, new.Replicas) and waits
// for every recipient to acknowledge (§4.7's two-stage multicast).
func (r *Replicant) install(newConf core.Configuration, retry time.Duration) error {
	if newConf.Protocol == core.QUORUM {
		if args, ok := newConf.Args.(quorum.Args); ok {
			n := len(newConf.Replicas)
			qr, qw := quorum.Sizes(n, args)
			if qr+qw <= n {
				return ErrBadQuorum
			}
		}
	}

	old := r.Conf()
	union := unionAddrs(old.Replicas, newConf.Replicas)
	for _, addr := range union {
		reply := r.messenger.Call(addr, core.ReconfigureMsg{NewConf: newConf}, retry)
		ack, ok := reply.(core.AckReply)
		if !ok {
			return fmt.Errorf("replicant: unexpected reply installing configuration at %s: %#v", addr, reply)
		}
		if ack.Err != nil {
			return ack.Err
		}
	}
	reconfigurationsTotal.Inc()
	return nil
}

func unionAddrs(a, b []ref.Address) []ref.Address {
	seen := make(map[ref.Address]bool, len(a)+len(b))
	out := make([]ref.Address, 0, len(a)+len(b))
	for _, addr := range a {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for _, addr := range b {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// Conf returns the configuration this handle last installed, its own
// cached copy. GetConf is the `get_conf(pid)` operation (§6) that asks a
// replica directly.
func (r *Replicant) Conf() core.Configuration {
	r.confMu.RLock()
	defer r.confMu.RUnlock()
	return r.conf
}

func (r *Replicant) setConf(c core.Configuration) {
	r.confMu.Lock()
	r.conf = c
	r.confMu.Unlock()
}

func (r *Replicant) nextSeq() uint64 {
	return atomic.AddUint64(&r.seq, 1)
}

func (r *Replicant) plan(cmd sm.Command) (core.CastPlan, error) {
	conf := r.Conf()
	if len(conf.Replicas) == 0 {
		return core.CastPlan{}, ErrNoReplicas
	}
	mutating := r.probe.IsMutating(cmd)
	return r.router.Cast(conf, cmd, mutating, r.nextSeq()), nil
}

// Do is the synchronous client call from §6: route cmd by protocol, block
// until a reply arrives, retrying every retry interval forever (Call has
// no timeout, §5 Cancellation & timeout).
func (r *Replicant) Do(cmd sm.Command, retry time.Duration) (interface{}, error) {
	plan, err := r.plan(cmd)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	raw := r.messenger.Call(plan.Target, plan.Body, retry)
	commandsTotal.WithLabelValues(string(r.protoTag)).Inc()
	commandLatencySeconds.WithLabelValues(string(r.protoTag)).Observe(time.Since(start).Seconds())

	reply, ok := raw.(core.CommandReply)
	if !ok {
		return nil, fmt.Errorf("replicant: unexpected reply to command: %#v", raw)
	}
	return reply.Reply, reply.Err
}

// Cast is the asynchronous form from §6: cmd is dispatched and Cast
// returns immediately with the Ref it was sent under. Replicant has no
// call to collect that reply; the handle's messenger drops it on arrival.
func (r *Replicant) Cast(cmd sm.Command) (ref.Ref, error) {
	plan, err := r.plan(cmd)
	if err != nil {
		return "", err
	}
	commandsTotal.WithLabelValues(string(r.protoTag)).Inc()
	return r.messenger.Cast(plan.Target, plan.Body), nil
}

// Reconfigure bumps the configuration's version and installs newReplicas
// as the new replica set, notifying both the old and new sets (§6, §4.7).
// Replicas dropped from the set invoke SM Stop and terminate.
func (r *Replicant) Reconfigure(newReplicas []ref.Address, retry time.Duration) (core.Configuration, error) {
	old := r.Conf()
	newConf := old.WithReplicas(newReplicas)
	if err := r.install(newConf, retry); err != nil {
		return core.Configuration{}, err
	}
	r.setConf(newConf)

	r.replicaMu.Lock()
	for _, addr := range old.Replicas {
		if !newConf.Contains(addr) {
			delete(r.replicas, addr)
		}
	}
	r.replicaMu.Unlock()
	return newConf, nil
}

// StopReplica drops the replica at index from the configuration, which
// causes it to invoke SM Stop(reason) and terminate once the
// reconfiguration reaches it — the abstract `stop_replica` operation (§6).
func (r *Replicant) StopReplica(index int, reason string, retry time.Duration) (core.Configuration, error) {
	conf := r.Conf()
	if index < 0 || index >= len(conf.Replicas) {
		return core.Configuration{}, ErrNotInConfiguration
	}
	remaining := make([]ref.Address, 0, len(conf.Replicas)-1)
	for i, addr := range conf.Replicas {
		if i != index {
			remaining = append(remaining, addr)
		}
	}
	newConf := conf.WithReplicas(remaining)

	old := conf
	union := unionAddrs(old.Replicas, newConf.Replicas)
	for _, addr := range union {
		reply := r.messenger.Call(addr, core.ReconfigureMsg{NewConf: newConf, Reason: reason}, retry)
		ack, ok := reply.(core.AckReply)
		if !ok {
			return core.Configuration{}, fmt.Errorf("replicant: unexpected reply stopping replica at %s: %#v", addr, reply)
		}
		if ack.Err != nil {
			return core.Configuration{}, ack.Err
		}
	}
	reconfigurationsTotal.Inc()
	r.setConf(newConf)

	r.replicaMu.Lock()
	delete(r.replicas, conf.Replicas[index])
	r.replicaMu.Unlock()
	return newConf, nil
}

// ForkReplica asks the replica at index to materialise a fresh replica on
// node, seeded from its current SM state and protocol-private tables
// (§4.7). The new replica starts unconfigured until a subsequent
// Reconfigure names it.
func (r *Replicant) ForkReplica(index int, node string, args interface{}, retry time.Duration) (ref.Address, error) {
	conf := r.Conf()
	if index < 0 || index >= len(conf.Replicas) {
		return "", ErrNotInConfiguration
	}
	source := conf.Replicas[index]
	raw := r.messenger.Call(source, core.ForkMsg{Node: ref.Address(node), Args: args}, retry)
	reply, ok := raw.(core.ForkReply)
	if !ok {
		return "", fmt.Errorf("replicant: unexpected reply forking replica at %s: %#v", source, raw)
	}
	return reply.Addr, reply.Err
}

// GetConf asks pid directly for the configuration it currently holds,
// rather than returning this handle's own cached copy — useful to detect
// a replica that has fallen behind a reconfiguration.
func (r *Replicant) GetConf(pid ref.Address, retry time.Duration) (core.Configuration, error) {
	raw := r.messenger.Call(pid, core.GetConfMsg{}, retry)
	reply, ok := raw.(core.ConfReply)
	if !ok {
		return core.Configuration{}, fmt.Errorf("replicant: unexpected reply from %s: %#v", pid, raw)
	}
	return reply.Conf, nil
}

// Close tears down the handle's own messenger mailbox. It does not stop
// any replica; use StopReplica for that.
func (r *Replicant) Close() {
	r.messenger.Close()
	r.sender.Close()
}

// Shutdown tears down every locally-spawned replica directly, without
// going through a reconfiguration or invoking SM Stop, then closes the
// handle itself. It exists for abrupt, whole-cluster teardown (tests,
// process exit) — the same role the teacher's cluster `Off`/
// `PoweroffUnity` play for a `UnityCluster`.
func (r *Replicant) Shutdown() {
	r.replicaMu.Lock()
	for _, replica := range r.replicas {
		replica.Shutdown()
	}
	r.replicaMu.Unlock()
	r.Close()
}
