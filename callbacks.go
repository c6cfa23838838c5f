package hsm

// ConflictPolicy selects how a detected transition conflict (spec §4.3.3) is
// handled.
type ConflictPolicy int

const (
	// ConflictIgnore silently discards the later conflicting transition.
	ConflictIgnore ConflictPolicy = iota
	// ConflictCallback discards the later transition and, if a
	// transition-conflict hook is installed, notifies it.
	ConflictCallback
	// ConflictError raises a *ConflictError instead of discarding silently.
	ConflictError
)

// hooks is the capability set of callbacks from spec §4.7. Each is
// optionally installed via the With*Hook functional options; all are
// invoked with the machine lock held.
type hooks[E any] struct {
	onEventDispatch      func(Event)
	onEventDiscarded     func(Event)
	onConfigurationChange func()
	onStateEntry         func(*State[E])
	onStateExit          func(*State[E])
	onTransitionConflict func(kept, discarded *Transition[E])
	onStateException     func(*StateException[E])
}

// WithEventDispatchHook installs a callback invoked once per event popped
// from the queue, before it is processed.
func WithEventDispatchHook[E any](f func(Event)) Option[E] {
	return func(sm *StateMachine[E]) { sm.hooks.onEventDispatch = f }
}

// WithEventDiscardedHook installs a callback invoked when an event matched
// no transition anywhere in the active configuration.
func WithEventDiscardedHook[E any](f func(Event)) Option[E] {
	return func(sm *StateMachine[E]) { sm.hooks.onEventDiscarded = f }
}

// WithConfigurationChangeHook installs a callback invoked once per
// macrostep that changed the active configuration, and once each on start
// and stop.
func WithConfigurationChangeHook[E any](f func()) Option[E] {
	return func(sm *StateMachine[E]) { sm.hooks.onConfigurationChange = f }
}

// WithStateEntryHook installs a callback invoked for every state whose
// Active flag flips to true.
func WithStateEntryHook[E any](f func(*State[E])) Option[E] {
	return func(sm *StateMachine[E]) { sm.hooks.onStateEntry = f }
}

// WithStateExitHook installs a callback invoked for every state whose
// Active flag flips to false.
func WithStateExitHook[E any](f func(*State[E])) Option[E] {
	return func(sm *StateMachine[E]) { sm.hooks.onStateExit = f }
}

// WithTransitionConflictHook installs a callback invoked, under the
// ConflictCallback policy, once per discarded conflicting transition.
func WithTransitionConflictHook[E any](f func(kept, discarded *Transition[E])) Option[E] {
	return func(sm *StateMachine[E]) { sm.hooks.onTransitionConflict = f }
}

// WithStateExceptionHook installs a callback that receives a recovered panic
// from a state's entry/exit/invoke callable instead of letting it unwind the
// dispatcher.
func WithStateExceptionHook[E any](f func(*StateException[E])) Option[E] {
	return func(sm *StateMachine[E]) { sm.hooks.onStateException = f }
}
