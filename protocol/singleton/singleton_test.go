package singleton

import (
	"testing"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
)

func TestSingleton_CastTargetsSoleReplica(t *testing.T) {
	s := &Singleton{}
	conf := core.Configuration{Replicas: []ref.Address{"node-0/echo-1"}}

	plan := s.Cast(conf, "hi", true, 0)
	if plan.Target != conf.Replicas[0] {
		t.Fatalf("expected target %s, got %s", conf.Replicas[0], plan.Target)
	}
	cmd, ok := plan.Body.(core.CommandMsg)
	if !ok || cmd.Cmd != "hi" {
		t.Fatalf("expected CommandMsg{Cmd: \"hi\"}, got %#v", plan.Body)
	}
}

func TestSingleton_CastEmptyConfiguration(t *testing.T) {
	s := &Singleton{}
	plan := s.Cast(core.Configuration{}, "hi", false, 0)
	if plan.Target != "" {
		t.Fatalf("expected empty target, got %s", plan.Target)
	}
}

func TestSingleton_NoPrivateState(t *testing.T) {
	s := &Singleton{}
	data, err := s.Export(nil)
	if err != nil || data != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", data, err)
	}
	state, err := s.Import(data)
	if err != nil || state != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", state, err)
	}
}
