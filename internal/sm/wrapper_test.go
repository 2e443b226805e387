package sm

import (
	"encoding/json"
	"fmt"
	"testing"
)

// counterSM is a minimal deterministic state machine used only by these
// tests: "inc" mutates, "get" reads, anything else is unknown.
type counterSM struct{}

func (counterSM) Init(args interface{}) (interface{}, error) {
	return 0, nil
}

func (counterSM) HandleCmd(state interface{}, cmd Command, allowSideEffects bool) (CmdResult, error) {
	n, _ := state.(int)
	switch cmd {
	case "inc":
		if !allowSideEffects {
			return CmdResult{Reply: n}, nil
		}
		return CmdResult{Reply: n + 1, NewState: n + 1, StateChanged: true}, nil
	case "get":
		return CmdResult{Reply: n}, nil
	default:
		return CmdResult{}, fmt.Errorf("counterSM: %w", ErrUnknownCommand)
	}
}

func (counterSM) IsMutating(cmd Command) bool {
	return cmd == "inc"
}

func (counterSM) Export(state interface{}) ([]byte, error) {
	return json.Marshal(state)
}

func (counterSM) ExportTag(state interface{}, tag string) ([]byte, error) {
	return json.Marshal(state)
}

func (counterSM) Import(data []byte) (interface{}, error) {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return n, nil
}

func (counterSM) Stop(state interface{}, reason string) {}

func newWrapper(t *testing.T) *Wrapper {
	t.Helper()
	w, err := NewWrapper(counterSM{}, nil, nil)
	if err != nil {
		t.Fatalf("failed building wrapper: %v", err)
	}
	return w
}

func TestWrapper_DoAppliesMutation(t *testing.T) {
	w := newWrapper(t)

	result, err := w.Do("inc", true)
	if err != nil {
		t.Fatalf("inc failed: %v", err)
	}
	if result.Reply != 1 {
		t.Fatalf("expected reply 1, got %v", result.Reply)
	}

	result, err = w.Do("get", true)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if result.Reply != 1 {
		t.Fatalf("expected state to have observed the mutation, got %v", result.Reply)
	}
}

func TestWrapper_ShadowExecutionDoesNotMutate(t *testing.T) {
	w := newWrapper(t)

	if _, err := w.Do("inc", false); err != nil {
		t.Fatalf("shadow inc failed: %v", err)
	}
	result, err := w.Do("get", true)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if result.Reply != 0 {
		t.Fatalf("shadow execution must not mutate state, got %v", result.Reply)
	}
}

func TestWrapper_ExportImportRoundTrip(t *testing.T) {
	w := newWrapper(t)
	if _, err := w.Do("inc", true); err != nil {
		t.Fatalf("inc failed: %v", err)
	}
	if _, err := w.Do("inc", true); err != nil {
		t.Fatalf("inc failed: %v", err)
	}

	data, err := w.Export()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	other := newWrapper(t)
	if err := other.Import(data); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	result, err := other.Do("get", true)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if result.Reply != 2 {
		t.Fatalf("expected imported state to equal the exported one (2), got %v", result.Reply)
	}
}

func TestWrapper_GetStateSetStateSeedsFork(t *testing.T) {
	w := newWrapper(t)
	if _, err := w.Do("inc", true); err != nil {
		t.Fatalf("inc failed: %v", err)
	}

	forked := newWrapper(t)
	forked.SetState(w.GetState())

	result, err := forked.Do("get", true)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if result.Reply != 1 {
		t.Fatalf("expected forked state to equal the source's (1), got %v", result.Reply)
	}
}

func TestWrapper_UnknownCommand(t *testing.T) {
	w := newWrapper(t)
	if _, err := w.Do("nonsense", true); err == nil {
		t.Fatalf("expected an error for an unrecognised command")
	}
}
