package core

import (
	"errors"
	"sync"

	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
	"github.com/jabolina/replicant/logging"
)

// ErrForkUnsupported is returned by Fork when the replica was built
// without a ForkFunc collaborator.
var ErrForkUnsupported = errors.New("replica: fork not supported by this replica")

// ForkFunc materialises a brand-new replica on node, seeded from an
// existing one's SM state and protocol-private state, and returns its
// address. The new replica starts unconfigured (§4.7) and joins a
// configuration when a Reconfigure message arrives. Until then the kernel
// still hands every inbound message to the protocol's HandleMsg; client
// work is neither queued nor rejected.
type ForkFunc func(node ref.Address, smModule string, smState interface{}, protoState []byte, protocol Protocol) (ref.Address, error)

// Replica is the generic, single-threaded replica process described by
// §4.3: it owns one SM instance, the current configuration, and one
// protocol's private state, and dispatches every inbound message to the
// protocol's HandleMsg before falling back to its own built-ins.
type Replica struct {
	me      ref.Address
	mailbox *Mailbox
	sender  Sender
	wrapper *sm.Wrapper
	log     logging.Logger

	protocol   Protocol
	protoState interface{}

	confMu sync.RWMutex
	conf   Configuration
	bound  bool // false until the first Reconfigure arrives (§3 Lifecycle)

	forker   ForkFunc
	smModule string

	stop chan struct{}
	done chan struct{}
}

// NewReplica spawns a replica bound to addr, wraps userSM, and starts its
// event loop. The replica has no configuration until its first
// ReconfigureMsg; callers that need fork support should set Forker
// afterwards.
func NewReplica(me ref.Address, sender Sender, smModule string, userSM sm.StateMachine, smArgs interface{}, protocol Protocol, log logging.Logger) (*Replica, error) {
	wrapper, err := sm.NewWrapper(userSM, smArgs, log)
	if err != nil {
		return nil, err
	}
	r := &Replica{
		me:       me,
		mailbox:  NewMailbox(me, 256),
		sender:   sender,
		wrapper:  wrapper,
		log:      log,
		smModule: smModule,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	protoState, err := protocol.InitReplica(r.runtime())
	if err != nil {
		return nil, err
	}
	r.protocol = protocol
	r.protoState = protoState
	go r.run()
	return r, nil
}

// SetForker installs the collaborator used to satisfy fork requests.
func (r *Replica) SetForker(f ForkFunc) {
	r.forker = f
}

// SeedFork installs smState and protoState directly into a freshly
// spawned, not-yet-registered replica — the receiving half of fork
// (§4.7): the caller is expected to have produced protoState via this
// replica's own Protocol.Import(protoData) from the source's Export, and
// to call SeedFork before the replica's mailbox is registered with any
// transport so no message can race the seed.
func (r *Replica) SeedFork(smState interface{}, protoState interface{}) {
	r.wrapper.SetState(smState)
	r.protoState = protoState
}

// Address returns the replica's own mailbox address.
func (r *Replica) Address() ref.Address {
	return r.me
}

// Mailbox exposes the replica's mailbox so a transport can register it.
func (r *Replica) Mailbox() *Mailbox {
	return r.mailbox
}

// Conf returns the currently installed configuration.
func (r *Replica) Conf() Configuration {
	r.confMu.RLock()
	defer r.confMu.RUnlock()
	return r.conf
}

func (r *Replica) setConf(c Configuration) {
	r.confMu.Lock()
	r.conf = c
	r.bound = true
	r.confMu.Unlock()
}

func (r *Replica) runtime() *ReplicaRuntime {
	return &ReplicaRuntime{
		Me:         r.me,
		Sender:     r.sender,
		Wrapper:    r.wrapper,
		Log:        r.log,
		confGetter: r.Conf,
	}
}

// Done reports when the replica's event loop has exited.
func (r *Replica) Done() <-chan struct{} {
	return r.done
}

func (r *Replica) run() {
	defer close(r.done)
	for {
		select {
		case env, ok := <-r.mailbox.Inbox():
			if !ok {
				return
			}
			if r.process(env) {
				return
			}
		case <-r.stop:
			return
		}
	}
}

// process handles one inbound envelope, returning true if the replica
// should terminate its event loop afterwards.
func (r *Replica) process(env Envelope) bool {
	directive, err := r.protocol.HandleMsg(r.runtime(), env, r.protoState)
	if err != nil {
		if r.log != nil {
			r.log.Errorf("replica %s: protocol error handling %#v: %v", r.me, env.Body, err)
		}
		return false
	}
	if directive.HasNewState {
		r.protoState = directive.NewState
	}
	if directive.Consumed {
		return false
	}
	return r.handleBuiltin(env)
}

func (r *Replica) handleBuiltin(env Envelope) bool {
	switch body := env.Body.(type) {
	case ReconfigureMsg:
		r.handleReconfigure(env, body)
		return !r.Conf().Contains(r.me)
	case GetConfMsg:
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: ConfReply{Conf: r.Conf()}})
		return false
	case StopMsg:
		r.wrapper.Stop(body.Reason)
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: AckReply{}})
		return true
	case ExportMsg:
		r.handleExport(env)
		return false
	case ImportMsg:
		r.handleImport(env, body)
		return false
	case ForkMsg:
		r.handleFork(env, body)
		return false
	default:
		if r.log != nil {
			r.log.Warnf("replica %s: no handler for message %#v", r.me, env.Body)
		}
		return false
	}
}

// handleReconfigure implements §4.3/§4.7: ignore stale versions, else
// install the new configuration and call the protocol's UpdateState; a
// replica dropped from the new set stops its SM and exits after replying.
func (r *Replica) handleReconfigure(env Envelope, msg ReconfigureMsg) {
	current := r.Conf()
	if r.bound && msg.NewConf.Version <= current.Version {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: AckReply{Err: ErrStaleVersion}})
		return
	}

	newState, err := r.protocol.UpdateState(r.runtime(), msg.NewConf, r.protoState)
	if err != nil {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: AckReply{Err: err}})
		return
	}
	r.protoState = newState
	r.setConf(msg.NewConf)

	if !msg.NewConf.Contains(r.me) {
		reason := msg.Reason
		if reason == "" {
			reason = "reconfiguration"
		}
		r.wrapper.Stop(reason)
	}
	r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: AckReply{}})
}

func (r *Replica) handleExport(env Envelope) {
	protoData, err := r.protocol.Export(r.protoState)
	if err != nil {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: ExportReply{Err: err}})
		return
	}
	smData, err := r.wrapper.Export()
	if err != nil {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: ExportReply{Err: err}})
		return
	}
	r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: ExportReply{SMData: smData, ProtocolData: protoData}})
}

func (r *Replica) handleImport(env Envelope, msg ImportMsg) {
	protoState, err := r.protocol.Import(msg.ProtocolData)
	if err != nil {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: AckReply{Err: err}})
		return
	}
	if err := r.wrapper.Import(msg.SMData); err != nil {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: AckReply{Err: err}})
		return
	}
	r.protoState = protoState
	r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: AckReply{}})
}

func (r *Replica) handleFork(env Envelope, msg ForkMsg) {
	if r.forker == nil {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: ForkReply{Err: ErrForkUnsupported}})
		return
	}
	protoData, err := r.protocol.Export(r.protoState)
	if err != nil {
		r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: ForkReply{Err: err}})
		return
	}
	smState := r.wrapper.GetState()
	addr, err := r.forker(msg.Node, r.smModule, smState, protoData, r.protocol)
	r.sender.Send(env.From, Envelope{Ref: env.Ref, From: r.me, Body: ForkReply{Addr: addr, Err: err}})
}

// Shutdown stops the replica's event loop and its SM wrapper's goroutine
// without going through the SM's Stop hook (used for abrupt local
// teardown, e.g. in tests).
func (r *Replica) Shutdown() {
	close(r.stop)
	r.wrapper.Close()
}
