package primarybackup

import (
	"testing"

	"github.com/jabolina/replicant/internal/core"
	"github.com/jabolina/replicant/internal/ref"
)

func threeReplicas() []ref.Address {
	return []ref.Address{"n0/echo-1", "n1/echo-2", "n2/echo-3"}
}

func TestCast_MutatingGoesToPrimary(t *testing.T) {
	p := &PrimaryBackup{}
	conf := core.Configuration{Replicas: threeReplicas()}

	plan := p.Cast(conf, "hi", true, 0)
	if plan.Target != conf.Replicas[0] {
		t.Fatalf("expected mutating command routed to primary %s, got %s", conf.Replicas[0], plan.Target)
	}
}

func TestCast_ReadPrimaryDefault(t *testing.T) {
	p := &PrimaryBackup{}
	conf := core.Configuration{Replicas: threeReplicas()}

	plan := p.Cast(conf, "hi", false, 0)
	if plan.Target != conf.Replicas[0] {
		t.Fatalf("expected default read_src=primary, got %s", plan.Target)
	}
}

func TestCast_ReadBackupPolicy(t *testing.T) {
	p := &PrimaryBackup{}
	conf := core.Configuration{Replicas: threeReplicas(), Args: Args{ReadSrc: ReadBackup}}

	plan := p.Cast(conf, "hi", false, 5)
	if plan.Target == conf.Replicas[0] {
		t.Fatalf("expected read_src=backup to avoid the primary, got %s", plan.Target)
	}
	found := false
	for _, addr := range conf.Replicas[1:] {
		if plan.Target == addr {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected target to be one of the backups, got %s", plan.Target)
	}
}

func TestArgsOf_DefaultsToReadPrimary(t *testing.T) {
	a := argsOf(core.Configuration{})
	if a.ReadSrc != ReadPrimary {
		t.Fatalf("expected default ReadSrc=ReadPrimary, got %v", a.ReadSrc)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	p := &PrimaryBackup{}
	s := newState()
	s.nextCmdNum = 3
	s.stableCount = 2
	s.unstable[2] = &pending{remaining: 1, ref: "r2", client: "c1", cmd: "hi"}
	s.pendingByRef["r2"] = 2
	s.completed["r1"] = core.CommandReply{Reply: "hi"}

	data, err := p.Export(s)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	raw, err := p.Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	restored, ok := raw.(*state)
	if !ok {
		t.Fatalf("expected *state, got %T", raw)
	}

	if restored.nextCmdNum != s.nextCmdNum || restored.stableCount != s.stableCount {
		t.Fatalf("counters did not round-trip: got %+v", restored)
	}
	entry, ok := restored.unstable[2]
	if !ok || entry.ref != "r2" || entry.client != "c1" || entry.remaining != 1 {
		t.Fatalf("unstable entry did not round-trip: %+v", entry)
	}
	if restored.pendingByRef["r2"] != 2 {
		t.Fatalf("pendingByRef did not round-trip: %+v", restored.pendingByRef)
	}
	if reply, ok := restored.completed["r1"]; !ok || reply.Reply != "hi" {
		t.Fatalf("completed did not round-trip: %+v", restored.completed)
	}
}

func TestExportImport_EmptyState(t *testing.T) {
	p := &PrimaryBackup{}
	data, err := p.Export(newState())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	raw, err := p.Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	s, ok := raw.(*state)
	if !ok || len(s.unstable) != 0 || s.nextCmdNum != 0 {
		t.Fatalf("expected a fresh empty state, got %+v", s)
	}
}

func TestStateClone_IsIndependent(t *testing.T) {
	s := newState()
	s.unstable[1] = &pending{remaining: 2, ref: "r1"}
	cp := s.clone()
	cp.unstable[1].remaining = 0
	cp.unstable[2] = &pending{remaining: 5}

	if s.unstable[1].remaining != 2 {
		t.Fatalf("mutating the clone's map entry should not affect the source's map")
	}
	if _, ok := s.unstable[2]; ok {
		t.Fatalf("adding to the clone should not affect the source")
	}
}
