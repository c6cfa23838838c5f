package hsm

import (
	"github.com/google/uuid"
)

// Invocable is a long-running activity a state hosts: started once the
// state becomes quiescently active (after run-to-completion settles) and
// asked to stop when the state leaves the configuration. Run must return
// promptly once cancel is closed - the engine does not forcibly terminate
// invoke goroutines, it only signals and joins (spec §4.6, §9).
type Invocable[E any] interface {
	Run(cancel <-chan struct{}, ev Event, ext E)
}

// InvocableFunc adapts a plain function to Invocable.
type InvocableFunc[E any] func(cancel <-chan struct{}, ev Event, ext E)

// Run implements Invocable.
func (f InvocableFunc[E]) Run(cancel <-chan struct{}, ev Event, ext E) { f(cancel, ev, ext) }

type invokeMode int

const (
	invokeThreaded invokeMode = iota
	invokePooled
)

// invokeConfig is the invoke descriptor attached to a state via
// [StateBuilder.InvokeThreaded] or [StateBuilder.InvokePooled].
type invokeConfig[E any] struct {
	activity Invocable[E]
	mode     invokeMode
}

// InvokeThreaded attaches inv to the state being built as a threaded
// invoke: it runs on its own goroutine, supervised by the machine's
// errgroup, and is asked to stop via a cancellation channel closed when the
// state exits.
func (sb *StateBuilder[E]) InvokeThreaded(inv Invocable[E]) *StateBuilder[E] {
	sb.options = append(sb.options, func(s *State[E]) {
		s.invoke = &invokeConfig[E]{activity: inv, mode: invokeThreaded}
	})
	return sb
}

// InvokePooled attaches inv to the state being built as a pooled invoke: the
// activity is submitted to the machine's fixed-size thread pool
// (WithThreadPool) instead of spawning a dedicated goroutine. If the machine
// has no pool, or the pool has no idle worker when the invoke is started,
// starting the invoke fails with ErrThreadPoolUnderflow; the state itself
// stays active (spec §4.6, §7).
func (sb *StateBuilder[E]) InvokePooled(inv Invocable[E]) *StateBuilder[E] {
	sb.options = append(sb.options, func(s *State[E]) {
		s.invoke = &invokeConfig[E]{activity: inv, mode: invokePooled}
	})
	return sb
}

// invocation tracks one running invoke instance so exitInvoke can signal and
// join exactly the activity that enterInvoke started.
type invocation struct {
	id     uuid.UUID
	cancel chan struct{}
	done   chan struct{}
}

func newInvocation() *invocation {
	return &invocation{id: uuid.New(), cancel: make(chan struct{}), done: make(chan struct{})}
}

func (inv *invocation) stop() {
	close(inv.cancel)
	<-inv.done
}

// enterInvoke starts s's invoke activity, threaded or pooled per its
// configuration, and records the running invocation in inst's bookkeeping
// table so exitInvoke can find and join it later. Errors here (pool
// underflow) are surfaced exactly as an entry-time exception per spec §7.
func (inst *StateMachineInstance[E]) enterInvoke(s *State[E], ev Event) error {
	cfg := s.invoke
	if cfg == nil {
		return nil
	}
	iv := newInvocation()

	switch cfg.mode {
	case invokePooled:
		if inst.SM.pool == nil {
			return newError(ThreadPoolUnderflow, "state %s requests a pooled invoke but the machine has no thread pool", s)
		}
		if err := inst.SM.pool.submit(func() {
			defer close(iv.done)
			cfg.activity.Run(iv.cancel, ev, inst.Ext)
		}); err != nil {
			return err
		}
	default: // invokeThreaded
		inst.group.Go(func() error {
			defer close(iv.done)
			cfg.activity.Run(iv.cancel, ev, inst.Ext)
			return nil
		})
	}

	inst.invocations[s] = iv
	return nil
}

// exitInvoke signals and joins the invocation started for s, if any.
func (inst *StateMachineInstance[E]) exitInvoke(s *State[E]) {
	iv, ok := inst.invocations[s]
	if !ok {
		return
	}
	delete(inst.invocations, s)
	iv.stop()
}
