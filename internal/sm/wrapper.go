package sm

import (
	"sync"

	"github.com/jabolina/replicant/internal/ref"
	"github.com/jabolina/replicant/logging"
)

// Wrapper runs a StateMachine on a dedicated goroutine, serialising every
// do/export/import/stop request through a single task queue — the same
// single-actor-per-process idiom the replica kernel itself uses, kept one
// level deeper so the replica's own mailbox never blocks on SM work it
// doesn't need to wait for.
type Wrapper struct {
	sm    StateMachine
	state interface{}
	tasks chan func()
	log   logging.Logger
	done  chan struct{}
	once  sync.Once
}

// NewWrapper initialises userSM with args and starts its serialising loop.
func NewWrapper(userSM StateMachine, args interface{}, log logging.Logger) (*Wrapper, error) {
	state, err := userSM.Init(args)
	if err != nil {
		return nil, err
	}
	w := &Wrapper{
		sm:    userSM,
		state: state,
		tasks: make(chan func(), 64),
		log:   log,
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Wrapper) loop() {
	for {
		select {
		case fn, ok := <-w.tasks:
			if !ok {
				return
			}
			fn()
		case <-w.done:
			return
		}
	}
}

func (w *Wrapper) submit(fn func()) {
	select {
	case w.tasks <- fn:
	case <-w.done:
	}
}

func (w *Wrapper) apply(cmd Command, allowSideEffects bool) (CmdResult, error) {
	result, err := w.sm.HandleCmd(w.state, cmd, allowSideEffects)
	if err != nil {
		return CmdResult{}, err
	}
	if allowSideEffects && result.StateChanged {
		w.state = result.NewState
	}
	return result, nil
}

// Do applies cmd and blocks the caller until the result is available —
// the do(cmd, allow_side_effects) form from §4.2.
func (w *Wrapper) Do(cmd Command, allowSideEffects bool) (CmdResult, error) {
	type out struct {
		r CmdResult
		e error
	}
	resultCh := make(chan out, 1)
	w.submit(func() {
		r, e := w.apply(cmd, allowSideEffects)
		resultCh <- out{r, e}
	})
	o := <-resultCh
	return o.r, o.e
}

// DoDirect is the direct-reply form: it enqueues the command and returns
// immediately, invoking deliver(ref, client, result, err) once the SM has
// computed it — {ref, reply} sent straight to the client per §4.2. If
// onContinue is non-nil it runs right after the command is handed to the
// wrapper's queue, acknowledging "done" back to whoever is driving the
// replica kernel so it can move on to its next inbound message without
// waiting for the SM to actually finish.
func (w *Wrapper) DoDirect(refID ref.Ref, client ref.Address, cmd Command, allowSideEffects bool, deliver func(ref.Ref, ref.Address, CmdResult, error), onContinue func()) {
	w.submit(func() {
		r, e := w.apply(cmd, allowSideEffects)
		deliver(refID, client, r, e)
	})
	if onContinue != nil {
		onContinue()
	}
}

// IsMutating reports whether cmd would mutate state if applied. It is a
// pure function of cmd, so it runs directly without going through the
// wrapper's serialising queue.
func (w *Wrapper) IsMutating(cmd Command) bool {
	return w.sm.IsMutating(cmd)
}

// Export serialises the full state.
func (w *Wrapper) Export() ([]byte, error) {
	type out struct {
		data []byte
		err  error
	}
	resultCh := make(chan out, 1)
	w.submit(func() {
		data, err := w.sm.Export(w.state)
		resultCh <- out{data, err}
	})
	o := <-resultCh
	return o.data, o.err
}

// ExportTag serialises only the partition of state named by tag.
func (w *Wrapper) ExportTag(tag string) ([]byte, error) {
	type out struct {
		data []byte
		err  error
	}
	resultCh := make(chan out, 1)
	w.submit(func() {
		data, err := w.sm.ExportTag(w.state, tag)
		resultCh <- out{data, err}
	})
	o := <-resultCh
	return o.data, o.err
}

// Import restores state from data.
func (w *Wrapper) Import(data []byte) error {
	errCh := make(chan error, 1)
	w.submit(func() {
		s, err := w.sm.Import(data)
		if err == nil {
			w.state = s
		}
		errCh <- err
	})
	return <-errCh
}

// GetState returns the current raw state, used by fork to seed a new
// replica without going through export/import serialisation.
func (w *Wrapper) GetState() interface{} {
	resultCh := make(chan interface{}, 1)
	w.submit(func() {
		resultCh <- w.state
	})
	return <-resultCh
}

// SetState installs state directly, the counterpart used when forking.
func (w *Wrapper) SetState(state interface{}) {
	done := make(chan struct{})
	w.submit(func() {
		w.state = state
		close(done)
	})
	<-done
}

// Stop invokes the user state machine's Stop hook and shuts the wrapper
// down; no further tasks are accepted afterwards.
func (w *Wrapper) Stop(reason string) {
	done := make(chan struct{})
	w.submit(func() {
		w.sm.Stop(w.state, reason)
		close(done)
	})
	<-done
	w.once.Do(func() { close(w.done) })
}

// Close stops the wrapper's serialising goroutine without invoking the
// state machine's Stop hook, for abrupt teardown that must not run
// user-visible cleanup logic (the counterpart to Replica.Shutdown).
func (w *Wrapper) Close() {
	w.once.Do(func() { close(w.done) })
}
