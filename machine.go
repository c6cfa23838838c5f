package hsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Option configures a StateMachine at construction time via [New]. The
// capability surface a compile-time option-packing mixin bag gives fsm11
// (spec §6, §9) is exposed here as ordinary functional options instead,
// following the Option pattern used throughout this pack (see
// comalice-statechartx's Option func(*Machine)).
type Option[E any] func(*StateMachine[E])

// WithMultipleMatches, when enabled, allows more than one transition from the
// same state to be added to a macrostep's enabled set (spec §4.3.1's
// stop_after_first_match policy). The default is to stop scanning a state's
// transition list after the first match, which is what every example in this
// pack's peer HFSM libraries does; turning it on is only useful to exercise
// conflict detection and a ConflictPolicy (spec §4.3.3, scenario S6).
func WithMultipleMatches[E any](b bool) Option[E] {
	return func(sm *StateMachine[E]) { sm.allowMultipleMatches = b }
}

// WithConflictPolicyOption installs the machine-wide ConflictPolicy.
func WithConflictPolicyOption[E any](p ConflictPolicy) Option[E] {
	return func(sm *StateMachine[E]) { sm.conflictPolicy = p }
}

// WithQueue installs a factory for the EventQueue a StateMachineInstance
// allocates the first time it is driven. Without this option, every
// instance gets the default FIFO queue (spec §6's pluggable event-queue-type
// option).
func WithQueue[E any](factory func() EventQueue) Option[E] {
	return func(sm *StateMachine[E]) { sm.queueFactory = factory }
}

// WithThreadPool installs a fixed-size ThreadPool shared by every instance
// of this machine, backing any InvokePooled states (spec §4.6).
func WithThreadPool[E any](size int) Option[E] {
	return func(sm *StateMachine[E]) { sm.pool = NewThreadPool(size) }
}

// WithTransitionAllocator overrides how State and Transition identifiers are
// stamped; the default is uuid.New (spec §6's transition-allocator option).
func WithTransitionAllocator[E any](alloc func() uuid.UUID) Option[E] {
	return func(sm *StateMachine[E]) { sm.allocator = alloc }
}

// WithoutLocking disables the machine lock entirely (spec §5, §6): every
// macrostep runs with no mutual exclusion, for single-goroutine use where the
// locking overhead is unwanted. Go has no compile-time mechanism to elide the
// Lock/Unlock calls the way fsm11's C++ does via a template parameter, so this
// is a runtime no-op instead - documented in DESIGN.md's Open Question entry.
// A machine built this way rejects StartAsync, since the asynchronous
// dispatcher's worker/caller handoff has no meaning without real mutual
// exclusion.
func WithoutLocking[E any]() Option[E] {
	return func(sm *StateMachine[E]) { sm.noLocking = true }
}

// StateMachine is the compiled, immutable-after-Finalize description of a
// state tree and its transitions: the "program" a StateMachineInstance runs.
// One StateMachine is meant to be shared by many concurrently running
// instances (see BenchmarkHsm in hsm_samek_test.go), so it carries no
// per-run state - that all lives on StateMachineInstance.
//
// LocalDefault matches the teacher's existing field: when true, a
// transition between an ancestor and one of its descendants defaults to
// local rather than external unless overridden with .Local(false). It, like
// the rest of this struct, may be set directly on a bare struct literal
// (StateMachine[E]{LocalDefault: true}) for parity with the teacher's
// construction style, or via [New] together with functional options for the
// machine-wide policies the expanded spec adds.
type StateMachine[E any] struct {
	LocalDefault bool

	top      State[E]
	terminal State[E]

	nextIndex int
	allocator func() uuid.UUID

	stateBuilders      []*StateBuilder[E]
	transitionBuilders []*TransitionBuilder[E]

	allowMultipleMatches bool
	conflictPolicy       ConflictPolicy
	hooks                hooks[E]
	pool                 *ThreadPool
	queueFactory         func() EventQueue
	noLocking            bool
}

// New creates a StateMachine with the given options applied. Using a bare
// struct literal instead (the teacher's original style) is equally valid
// when none of the expanded options are needed.
func New[E any](opts ...Option[E]) *StateMachine[E] {
	sm := &StateMachine[E]{}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// ensureInit lazily wires up the root and terminal pseudo-states the first
// time the machine is used. Every exported entry point that can be called
// before any State() call (State itself, Finalize) routes through it.
func (sm *StateMachine[E]) ensureInit() {
	if sm.top.sm != nil {
		return
	}
	sm.top = State[E]{sm: sm, name: "(root)", alias: "root"}
	sm.top.id = sm.allocateID()
	sm.top.index = sm.allocateIndex()
	sm.terminal = State[E]{sm: sm, parent: &sm.top, name: "(terminal)", alias: "terminal"}
	sm.terminal.id = sm.allocateID()
	sm.terminal.index = sm.allocateIndex()
	sm.top.children = append(sm.top.children, &sm.terminal)
}

func (sm *StateMachine[E]) allocateIndex() int {
	i := sm.nextIndex
	sm.nextIndex++
	return i
}

func (sm *StateMachine[E]) allocateID() uuid.UUID {
	if sm.allocator != nil {
		return sm.allocator()
	}
	return uuid.New()
}

// State creates and returns a builder for a new top-level state.
func (sm *StateMachine[E]) State(name string) *StateBuilder[E] {
	sm.ensureInit()
	return sm.top.State(name)
}

// SetThreadPool installs p as this machine's pooled-invoke worker pool,
// refusing (returning false) if a pool is already installed and has
// outstanding tasks - matching the move-only-while-idle contract of spec §9.
func (sm *StateMachine[E]) SetThreadPool(p *ThreadPool) bool {
	if sm.pool != nil && !sm.pool.idle() {
		return false
	}
	sm.pool = p
	return true
}

// Finalize checks the state tree's structural invariants (spec §3, invariant
// 2: every composite state must resolve, through initial-state designators,
// to a unique leaf) and readies the machine for use. Builder-contract
// mistakes (a state or transition builder that was never built) are
// programmer errors and panic, matching the teacher's existing style;
// hierarchy problems reachable only via a transition target are runtime data
// errors and are returned as an *Error with code InvalidStateRelationship
// (spec §7).
func (sm *StateMachine[E]) Finalize() error {
	sm.ensureInit()
	if n := len(sm.stateBuilders); n > 0 {
		panic(fmt.Sprintf("%d state builder(s) were never built (missing .Build() call)", n))
	}
	if n := len(sm.transitionBuilders); n > 0 {
		panic(fmt.Sprintf("%d transition builder(s) were never built (missing .Build() call)", n))
	}

	var err error
	safeValidate := func(s *State[E]) {
		defer func() {
			if r := recover(); r != nil && err == nil {
				err = newError(InvalidStateRelationship, "%v", r)
			}
		}()
		s.validate()
	}
	safeValidate(&sm.top)

	var walk func(*State[E])
	walk = func(s *State[E]) {
		for _, t := range s.transitions {
			if t.target != nil {
				safeValidate(t.target)
			}
		}
		for _, t := range s.eventlessTransitions {
			if t.target != nil {
				safeValidate(t.target)
			}
		}
		for _, c := range s.children {
			walk(c)
		}
	}
	walk(&sm.top)

	if sm.queueFactory == nil {
		sm.queueFactory = func() EventQueue { return newFIFOQueue() }
	}
	return err
}

// StateMachineInstance drives one running instance of a StateMachine: its
// active configuration, pending event queue, invoke bookkeeping and the
// machine lock serializing macrosteps (spec §5). SM and Ext are ordinarily
// set via a struct literal (StateMachineInstance[E]{SM: &sm, Ext: ext}),
// matching the teacher's construction style; Initialize finishes the setup.
type StateMachineInstance[E any] struct {
	SM  *StateMachine[E]
	Ext E

	mu          sync.Mutex
	running     bool
	dispatching bool

	stFlags       []stateFlags
	visibleActive []atomic.Bool
	histChild     []*State[E]

	queue EventQueue

	invocations map[*State[E]]*invocation
	group       *errgroup.Group
	groupCtx    context.Context

	async *asyncDispatcher[E]
}

// lock and unlock guard every macrostep with the machine lock, unless the
// machine was built with WithoutLocking, in which case they are no-ops.
func (inst *StateMachineInstance[E]) lock() {
	if !inst.SM.noLocking {
		inst.mu.Lock()
	}
}

func (inst *StateMachineInstance[E]) unlock() {
	if !inst.SM.noLocking {
		inst.mu.Unlock()
	}
}

// historyChild and setHistoryChild give the engine instance-indexed access
// to the remembered child of a history-typed state (spec §3's history
// slot), reset to empty every time the instance is (re)started.
func (inst *StateMachineInstance[E]) historyChild(s *State[E]) *State[E] {
	return inst.histChild[s.index]
}

func (inst *StateMachineInstance[E]) setHistoryChild(s *State[E], child *State[E]) {
	inst.histChild[s.index] = child
}

// IsActive reports whether s is in the instance's currently published
// (visible) active configuration - safe to call from any goroutine without
// holding the machine lock (spec §3, invariant 1).
func (inst *StateMachineInstance[E]) IsActive(s *State[E]) bool {
	if s.index >= len(inst.visibleActive) {
		return false
	}
	return inst.visibleActive[s.index].Load()
}

// Current returns the unique active atomic (leaf) state - a convenience for
// state machines with no Parallel regions, where "the current state" is a
// meaningful single answer. It returns nil if more than one atomic state is
// simultaneously active (Parallel regions in play), if the instance isn't
// running, or if the machine has run to its terminal pseudostate (a
// transition or eventless edge built with a nil target, spec §6's "nil
// target terminates the machine" idiom) - terminal is a real internal State
// so the engine can exit/enter it uniformly, but externally it reads as "no
// current state" just as it did before termination was modeled this way.
func (inst *StateMachineInstance[E]) Current() *State[E] {
	var leaf *State[E]
	count := 0
	inst.SM.top.forEachAtomic(func(s *State[E]) {
		if inst.IsActive(s) {
			leaf = s
			count++
		}
	})
	if count != 1 || leaf == &inst.SM.terminal {
		return nil
	}
	return leaf
}

// IsRunning reports whether the instance has been started and not yet
// stopped.
func (inst *StateMachineInstance[E]) IsRunning() bool {
	inst.lock()
	defer inst.unlock()
	return inst.running
}

// Initialize starts the instance: resets history, enters the initial
// configuration from the root down, runs run-to-completion for any
// eventless transitions and pending invokes that follow immediately from
// start-up, then marks the instance running (spec §4.3.7). ev is the event
// passed to every entry callable run during start-up; by convention this is
// a dedicated "init" event id, matching the teacher's Samek example.
//
// Calling Initialize again after Stop restarts the instance: history slots
// reset as usual, but the pending event queue (spec §9, Open Question 1) is
// preserved across the Stop/Initialize boundary rather than cleared.
func (inst *StateMachineInstance[E]) Initialize(ev Event) error {
	if !inst.SM.top.validated {
		panic("StateMachineInstance.Initialize called before StateMachine.Finalize")
	}
	inst.lock()
	defer inst.unlock()
	return inst.doStart(ev)
}

// doStart is the lock-held body shared by Initialize (synchronous) and the
// async dispatcher's Starting state (spec §4.5).
func (inst *StateMachineInstance[E]) doStart(ev Event) error {
	n := inst.SM.nextIndex
	inst.stFlags = make([]stateFlags, n)
	inst.visibleActive = make([]atomic.Bool, n)
	inst.histChild = make([]*State[E], n)
	inst.invocations = make(map[*State[E]]*invocation)
	inst.group, inst.groupCtx = errgroup.WithContext(context.Background())
	_ = inst.groupCtx
	if inst.queue == nil {
		inst.queue = inst.SM.queueFactory()
	}

	inst.setFlags(&inst.SM.top, flagInEnterSet)
	inst.propagateEnter(&inst.SM.top)
	inst.enterMarked(ev)
	if _, err := inst.runToCompletion(); err != nil {
		inst.clearTransient()
		return err
	}

	inst.running = true
	inst.publish()
	if inst.SM.hooks.onConfigurationChange != nil {
		inst.SM.hooks.onConfigurationChange()
	}
	return nil
}

// Stop leaves the current configuration (spec §4.3.7): every active state
// is exited, outermost first is avoided (exit is always post-order, leaves
// first), the visible-active bits clear, and any in-flight invokes are
// signalled and joined. The pending event queue is left untouched, so a
// later Initialize resumes delivering whatever was still queued.
func (inst *StateMachineInstance[E]) Stop() error {
	inst.lock()
	defer inst.unlock()
	return inst.doStop()
}

// doStop is the lock-held body shared by Stop (synchronous) and the async
// dispatcher's stop-request handling (spec §4.5).
func (inst *StateMachineInstance[E]) doStop() error {
	if !inst.running {
		return nil
	}

	inst.forEachPreOrderAll(func(s *State[E]) bool {
		if inst.hasFlag(s, flagActive) {
			inst.setFlags(s, flagInExitSet)
		}
		return true
	})
	inst.exitMarked(Event{})
	inst.running = false
	inst.publish()
	if inst.SM.hooks.onConfigurationChange != nil {
		inst.SM.hooks.onConfigurationChange()
	}
	if inst.group != nil {
		_ = inst.group.Wait()
	}
	return nil
}
