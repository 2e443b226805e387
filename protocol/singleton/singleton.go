// Package singleton implements the trivial 1-replica protocol: every
// command, mutating or not, applies locally and replies directly. It
// exists mainly to establish the callback shape every other protocol
// follows (§2 "Singleton protocol").
package singleton

import (
	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/internal/sm"
	"github.com/jabolina/replicant/protocol"
)

func init() {
	protocol.Register(protocol.SINGLE, func() protocol.Protocol { return &Singleton{} })
}

// Singleton carries no private protocol state — there is nothing to
// coordinate with a single replica.
type Singleton struct{}

func (s *Singleton) Type() core.ProtocolTag { return core.SINGLE }

func (s *Singleton) ConfArgs() interface{} { return nil }

// Cast always routes to the sole replica in conf.Replicas.
func (s *Singleton) Cast(conf core.Configuration, cmd sm.Command, isMutating bool, seq uint64) core.CastPlan {
	var target ref.Address
	if len(conf.Replicas) > 0 {
		target = conf.Replicas[0]
	}
	return core.CastPlan{Target: target, Body: core.CommandMsg{Cmd: cmd}}
}

func (s *Singleton) InitReplica(rt *core.ReplicaRuntime) (interface{}, error) { return nil, nil }

func (s *Singleton) Import(data []byte) (interface{}, error) { return nil, nil }

func (s *Singleton) Export(state interface{}) ([]byte, error) { return nil, nil }

func (s *Singleton) UpdateState(rt *core.ReplicaRuntime, newConf core.Configuration, oldState interface{}) (interface{}, error) {
	return oldState, nil
}

func (s *Singleton) HandleFailure(rt *core.ReplicaRuntime, conf core.Configuration, state interface{}, failed ref.Address, info interface{}) (core.Configuration, interface{}) {
	return conf, state
}

func (s *Singleton) Fork(rt *core.ReplicaRuntime, state interface{}) (interface{}, error) {
	return nil, nil
}

// HandleMsg applies the command locally and replies; everything else
// falls through to the kernel's built-ins.
func (s *Singleton) HandleMsg(rt *core.ReplicaRuntime, env core.Envelope, state interface{}) (core.Directive, error) {
	cmd, ok := env.Body.(core.CommandMsg)
	if !ok {
		return core.NoMatch(), nil
	}
	result, err := rt.Wrapper.Do(cmd.Cmd, true)
	if err != nil {
		rt.Reply(env.From, env.Ref, core.CommandReply{Err: err})
		return core.Consume(), nil
	}
	if !result.NoReply {
		rt.Reply(env.From, env.Ref, core.CommandReply{Reply: result.Reply})
	}
	return core.Consume(), nil
}
