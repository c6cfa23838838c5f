package hsm

// This file implements the macrostep/microstep algorithm from spec §4.3,
// grounded on _examples/original_source/src/detail/eventdispatcher.hpp (the
// fsm11 library this spec distills). Every event-processing entry point
// (Deliver and the async worker loop) funnels into runMacrostep; start-up
// (Initialize and the async Starting state) goes through doStart instead.
//
// Flags, the visible-active bit and the remembered history child all live
// per [StateMachineInstance] rather than on the shared *State[E] node: one
// compiled StateMachine is meant to back many concurrently-running
// instances (see the benchmark in hsm_samek_test.go, which builds one
// StateMachine and drives many StateMachineInstances over it), so runtime
// state cannot be stored on the structural node itself.

// flagsOf, setFlags, clearFlags and hasFlag give the engine array-indexed
// access to a state's runtime flags for this instance.
func (inst *StateMachineInstance[E]) flagsOf(s *State[E]) stateFlags { return inst.stFlags[s.index] }

func (inst *StateMachineInstance[E]) setFlags(s *State[E], bits stateFlags) {
	inst.stFlags[s.index] |= bits
}

func (inst *StateMachineInstance[E]) clearFlags(s *State[E], bits stateFlags) {
	inst.stFlags[s.index] &^= bits
}

func (inst *StateMachineInstance[E]) hasFlag(s *State[E], bit stateFlags) bool {
	return inst.stFlags[s.index]&bit != 0
}

// clearTransient clears the transient flag bits on every state (spec
// invariant 5: transient flags are zero outside a macrostep).
func (inst *StateMachineInstance[E]) clearTransient() {
	for i := range inst.stFlags {
		inst.stFlags[i] &^= transientMask
	}
}

// selectTransitions walks the active configuration in post-order and builds
// the enabled set for this micro-round: eventless pass during
// run-to-completion, evented pass for an externally dispatched event.
//
// The original algorithm stops walking upward past a match when no ancestor
// is a Parallel region, as a pure optimization (remaining ancestors are
// already marked SkipTransitionSelection and would contribute nothing). This
// implementation always completes the full post-order walk instead: every
// active state is visited regardless, and SkipTransitionSelection still
// suppresses re-scanning ancestors once a more specific match is found. The
// resulting enabled set is identical; only the early-exit micro-optimization
// is omitted, traded for a simpler, more obviously correct walk.
func (inst *StateMachineInstance[E]) selectTransitions(eventless bool, ev Event) *Transition[E] {
	var head, tail *Transition[E]
	enable := func(t *Transition[E]) {
		t.nextInEnabledSet = nil
		if head == nil {
			head = t
		} else {
			tail.nextInEnabledSet = t
		}
		tail = t
	}

	var walk func(s *State[E]) bool // returns true iff a match was found at or below s
	walk = func(s *State[E]) bool {
		if !inst.hasFlag(s, flagActive) {
			return false
		}
		matchedBelow := false
		for _, c := range s.children {
			if walk(c) {
				matchedBelow = true
			}
		}
		if inst.hasFlag(s, flagSkipTransitionSelection) {
			return matchedBelow
		}
		candidates := s.transitions
		if eventless {
			candidates = s.eventlessTransitions
		}
		matchedHere := false
		for _, t := range candidates {
			if !t.matches(eventless, ev) {
				continue
			}
			if t.guard != nil && !t.guard(ev, inst.Ext) {
				continue
			}
			enable(t)
			matchedHere = true
			for a := s; a != nil; a = a.parent {
				inst.setFlags(a, flagSkipTransitionSelection)
			}
			if !inst.SM.allowMultipleMatches {
				break
			}
		}
		return matchedBelow || matchedHere
	}
	walk(&inst.SM.top)
	return head
}

// activeDescendantsOf visits every currently-active proper descendant of d.
func (inst *StateMachineInstance[E]) activeDescendantsOf(d *State[E], f func(*State[E])) {
	for _, c := range d.children {
		if !inst.hasFlag(c, flagActive) {
			continue
		}
		f(c)
		inst.activeDescendantsOf(c, f)
	}
}

// resolveConflicts walks the enabled set in order, discarding a later
// transition whose domain's exit set intersects an already-accepted
// transition's exit set (spec §4.3.3), applying the machine's configured
// ConflictPolicy to any conflict found.
func (inst *StateMachineInstance[E]) resolveConflicts(head *Transition[E]) (*Transition[E], error) {
	var newHead, tail *Transition[E]
	occupiedBy := map[*State[E]]*Transition[E]{}

	for t := head; t != nil; {
		next := t.nextInEnabledSet
		d := t.domain()
		var conflictWith *Transition[E]
		if d != nil {
			inst.activeDescendantsOf(d, func(s *State[E]) {
				if conflictWith == nil {
					conflictWith = occupiedBy[s]
				}
			})
		}
		if conflictWith != nil {
			if d != nil {
				inst.activeDescendantsOf(d, func(s *State[E]) { inst.setFlags(s, flagPartOfConflict) })
			}
			switch inst.SM.conflictPolicy {
			case ConflictError:
				return nil, newConflictError(conflictWith, t)
			case ConflictCallback:
				if inst.SM.hooks.onTransitionConflict != nil {
					inst.SM.hooks.onTransitionConflict(conflictWith, t)
				}
			}
			// ConflictIgnore (and the post-callback default): discard t.
		} else {
			if d != nil {
				inst.activeDescendantsOf(d, func(s *State[E]) { occupiedBy[s] = t })
			}
			t.nextInEnabledSet = nil
			if newHead == nil {
				newHead = t
			} else {
				tail.nextInEnabledSet = t
			}
			tail = t
		}
		t = next
	}
	return newHead, nil
}

// markEnterChain marks target and every ancestor up to (excluding) domain
// with InEnterSet, returning the entry root propagation should start from:
// the node reached on domain's side of target's ancestor chain. For a local
// transition into an ancestor (domain == target), the ancestor itself must
// be re-examined for a new default child, so it is marked and returned
// directly.
func (inst *StateMachineInstance[E]) markEnterChain(target, domain *State[E]) *State[E] {
	if target == domain {
		inst.setFlags(domain, flagInEnterSet)
		return domain
	}
	var entryRoot *State[E]
	for s := target; s != domain; s = s.parent {
		inst.setFlags(s, flagInEnterSet)
		entryRoot = s
	}
	return entryRoot
}

// propagateEnter implements spec §4.3.5: pre-order walk, at each
// InEnterSet-marked state ensure exactly one child is marked too (Exclusive:
// explicit initial, else first child; Parallel: every child). A history-kind
// transition's target may already have its default descendant chain marked
// by resolveHistoryEntry before propagateEnter ever reaches it, in which
// case the loop below simply finds that child already marked and descends
// into it instead of applying ordinary initial-state resolution.
func (inst *StateMachineInstance[E]) propagateEnter(s *State[E]) {
	if !inst.hasFlag(s, flagInEnterSet) || s.IsLeaf() {
		return
	}
	if s.childMode == Parallel {
		for _, c := range s.children {
			inst.setFlags(c, flagInEnterSet)
			inst.propagateEnter(c)
		}
		return
	}
	var chosen *State[E]
	for _, c := range s.children {
		if inst.hasFlag(c, flagInEnterSet) {
			chosen = c
			break
		}
	}
	if chosen == nil {
		if s.initial != nil {
			for p := s.initial; p != s; p = p.parent {
				inst.setFlags(p, flagInEnterSet)
			}
			chosen = s.initial
		} else {
			chosen = s.children[0]
			inst.setFlags(chosen, flagInEnterSet)
		}
	}
	inst.propagateEnter(chosen)
}

// resolveHistoryEntry pre-empts propagateEnter's ordinary default-child
// resolution for a history-kind transition's target (spec §4.3.5's history
// priority rule): if target has a remembered child from a previous visit, it
// marks the descendant(s) that restore it - just the one remembered child
// for HistoryShallow, or the whole remembered chain down to its leaf for
// HistoryDeep, chasing each level's own remembered child in turn. If target
// has never been visited (no remembered child), this is a no-op and
// propagateEnter resolves target's default child as usual.
func (inst *StateMachineInstance[E]) resolveHistoryEntry(target *State[E], kind History) {
	remembered := inst.historyChild(target)
	if remembered == nil {
		return
	}
	switch kind {
	case HistoryShallow:
		inst.setFlags(remembered, flagInEnterSet)
	case HistoryDeep:
		for c := remembered; ; {
			inst.setFlags(c, flagInEnterSet)
			next := inst.historyChild(c)
			if c.IsLeaf() || next == nil {
				break
			}
			c = next
		}
	}
}

// captureHistory records, for every ancestor of s marked InExitSet, which
// child was on the path actively exited - unconditionally, regardless of
// whether any transition will ever consult it with History(). This runs
// before any Active/InExitSet bit along the chain is cleared (spec §4.3.4
// step 3), and lets resolveHistoryEntry reconstruct either a shallow (one
// level) or deep (chased to the leaf) restoration later, on demand.
func (inst *StateMachineInstance[E]) captureHistory(s *State[E]) {
	child := s
	for p := s.parent; p != nil && inst.hasFlag(p, flagInExitSet); p = p.parent {
		inst.setHistoryChild(p, child)
		child = p
	}
}

// runExit exits s: capture history (if s is atomic), invoke the
// state-exit hook, stop any invoke, clear Active/InExitSet, run the user's
// exit callable. Panics from exit/exitInvoke are recovered and routed to
// the state-exception hook if installed, else re-panicked.
func (inst *StateMachineInstance[E]) runExit(s *State[E], ev Event) {
	if s.IsLeaf() {
		inst.captureHistory(s)
	}
	if inst.SM.hooks.onStateExit != nil {
		inst.SM.hooks.onStateExit(s)
	}
	if inst.hasFlag(s, flagInvoked) {
		inst.guardedCall(s, "exitInvoke", ev, func() { inst.exitInvoke(s) })
	}
	inst.clearFlags(s, flagActive|flagInvoked|flagStartInvoke|flagInExitSet)
	if s.exit != nil {
		inst.guardedCall(s, "exit", ev, func() { s.exit(ev, inst.Ext) })
	}
}

// runEntry enters s: run the user's entry callable, set Active and
// StartInvoke, invoke the state-entry hook.
func (inst *StateMachineInstance[E]) runEntry(s *State[E], ev Event) {
	if s.entry != nil {
		inst.guardedCall(s, "entry", ev, func() { s.entry(ev, inst.Ext) })
	}
	inst.setFlags(s, flagActive|flagStartInvoke)
	inst.clearFlags(s, flagInEnterSet)
	if inst.SM.hooks.onStateEntry != nil {
		inst.SM.hooks.onStateEntry(s)
	}
}

// guardedCall recovers a panic from a user callable and routes it to the
// state-exception hook (spec §4.7, §7); absent a hook it re-panics.
func (inst *StateMachineInstance[E]) guardedCall(s *State[E], phase string, ev Event, f func()) {
	if inst.SM.hooks.onStateException == nil {
		f()
		return
	}
	defer func() {
		if r := recover(); r != nil {
			inst.SM.hooks.onStateException(&StateException[E]{State: s, Phase: phase, Value: r, Event: ev})
		}
	}()
	f()
}

// forEachPostOrderAll / forEachPreOrderAll walk the whole tree (not just a
// subtree), used by the microstep to reach InExitSet/InEnterSet marks
// anywhere in the configuration.
func (inst *StateMachineInstance[E]) forEachPostOrderAll(f func(*State[E])) {
	inst.SM.top.forEachPostOrder(f)
}

func (inst *StateMachineInstance[E]) forEachPreOrderAll(f func(*State[E]) bool) {
	inst.SM.top.forEachPreOrder(f)
}

// microstep executes one batch of simultaneously enabled transitions (spec
// §4.3.4). Returns whether the configuration changed (true iff at least one
// targetful transition fired).
func (inst *StateMachineInstance[E]) microstep(enabled *Transition[E], ev Event) (bool, error) {
	if enabled == nil {
		return false, nil
	}

	changed := false
	var entryRoots []*State[E]

	// Step 1: mark exit set and enter-ancestor-chain per transition.
	for t := enabled; t != nil; t = t.nextInEnabledSet {
		d := t.domain()
		if d == nil {
			continue // targetless: still runs its action below, no exit/enter
		}
		changed = true
		inst.activeDescendantsOf(d, func(s *State[E]) { inst.setFlags(s, flagInExitSet) })
		entryRoots = append(entryRoots, inst.markEnterChain(t.target, d))
		if t.history != HistoryNone {
			inst.resolveHistoryEntry(t.target, t.history)
		}
	}

	// Step 2: propagate entry marks downward.
	for _, r := range entryRoots {
		inst.propagateEnter(r)
	}

	// Step 3: exit states in InExitSet, post-order (children before parent).
	inst.exitMarked(ev)

	// Step 4: run each enabled transition's action, in enabled-set order.
	// A targetless transition's action still runs exactly once (spec §9,
	// Open Question: preserved, not treated as exit/enter-free no-op).
	for t := enabled; t != nil; t = t.nextInEnabledSet {
		if t.action != nil {
			t.action(ev, inst.Ext)
		}
	}

	// Step 5: enter states in InEnterSet, pre-order (parent before children).
	inst.enterMarked(ev)

	return changed, nil
}

// exitMarked runs runExit, post-order, over every state currently marked
// InExitSet. Used both by microstep and by Stop (spec §4.3.7).
func (inst *StateMachineInstance[E]) exitMarked(ev Event) {
	inst.forEachPostOrderAll(func(s *State[E]) {
		if inst.hasFlag(s, flagInExitSet) {
			inst.runExit(s, ev)
		}
	})
}

// enterMarked runs runEntry, pre-order, over every state currently marked
// InEnterSet. Used both by microstep and by Start (spec §4.3.7). The walk
// itself is unconditional - only root is ever marked before the very first
// Start, so pruning the walk on an unmarked node (as forEachPreOrder's
// return value would suggest) would stop descending past root on every
// later macrostep, since nothing below root marks InEnterSet on root itself.
// A marked state that is still Active (the ancestor domain of a local
// transition, marked only so propagateEnter picks its default child) was
// never exited, so it only has its mark cleared and is not re-entered.
func (inst *StateMachineInstance[E]) enterMarked(ev Event) {
	inst.forEachPreOrderAll(func(s *State[E]) bool {
		if inst.hasFlag(s, flagInEnterSet) {
			if inst.hasFlag(s, flagActive) {
				inst.clearFlags(s, flagInEnterSet)
			} else {
				inst.runEntry(s, ev)
			}
		}
		return true
	})
}

// startInvokes advances the invoke lifecycle (spec §4.6) for every state
// marked StartInvoke: clear the flag, call enterInvoke, and on success mark
// Invoked. Runs once per run-to-completion, after quiescence, exactly as
// spec §4.3.1 step 4 / §4.3.6 describe.
func (inst *StateMachineInstance[E]) startInvokes(ev Event) error {
	var firstErr error
	inst.forEachPreOrderAll(func(s *State[E]) bool {
		if !inst.hasFlag(s, flagActive) {
			return false
		}
		if inst.hasFlag(s, flagStartInvoke) {
			inst.clearFlags(s, flagStartInvoke)
			if s.invoke != nil {
				if err := inst.enterInvoke(s, ev); err != nil {
					if inst.SM.hooks.onStateException != nil {
						inst.SM.hooks.onStateException(&StateException[E]{State: s, Phase: "enterInvoke", Value: err, Event: ev})
					} else if firstErr == nil {
						firstErr = err
					}
				} else {
					inst.setFlags(s, flagInvoked)
				}
			}
		}
		return true
	})
	return firstErr
}

// runToCompletion chases eventless transitions until quiescence (spec
// §4.3.6), then starts any pending invokes. Returns whether the
// configuration changed at any point in the chain.
func (inst *StateMachineInstance[E]) runToCompletion() (bool, error) {
	changedOverall := false
	zero := Event{}
	for {
		inst.clearTransient()
		enabled := inst.selectTransitions(true, zero)
		if enabled == nil {
			break
		}
		enabled, err := inst.resolveConflicts(enabled)
		if err != nil {
			return changedOverall, err
		}
		changed, err := inst.microstep(enabled, zero)
		if err != nil {
			return changedOverall, err
		}
		changedOverall = changedOverall || changed
	}
	if err := inst.startInvokes(zero); err != nil {
		return changedOverall, err
	}
	return changedOverall, nil
}

// publish copies the internal Active bit into the externally observable
// visible-active bit for every state, under the machine lock (spec §4.3.1
// step 3, invariant 1).
func (inst *StateMachineInstance[E]) publish() {
	for i := range inst.stFlags {
		inst.visibleActive[i].Store(inst.stFlags[i].has(flagActive))
	}
}

// forceLeaveAfterPanic performs a best-effort leave-configuration after a
// guard or action panic has unwound a macrostep (spec §4.4/§4.5/§7: the
// dispatcher "unwinds: clearing enabled set, leaving configuration, clearing
// running" before the exception propagates). Guard and action panics are
// never routed through guardedCall/the state-exception hook - only
// entry/exit/invoke exceptions are (spec §7's explicit distinction) - so the
// cleanup here is the dispatcher's own responsibility, not the engine's.
// Any further panic raised while force-exiting (e.g. from an on_exit
// callable reacting badly to the aborted transition) is swallowed: it must
// never mask the original panic the caller is about to re-raise.
func (inst *StateMachineInstance[E]) forceLeaveAfterPanic() {
	defer func() { recover() }()
	inst.clearTransient()
	inst.forEachPreOrderAll(func(s *State[E]) bool {
		if inst.hasFlag(s, flagActive) {
			inst.setFlags(s, flagInExitSet)
		}
		return true
	})
	inst.exitMarked(Event{})
	inst.publish()
}

// runMacrostep is the single entry point for "run to completion on this
// event", used identically by both dispatchers (Deliver and the async worker
// loop); Initialize does not call it (spec §4.3). Must be called with the
// machine lock held.
func (inst *StateMachineInstance[E]) runMacrostep(ev Event) error {
	if inst.SM.hooks.onEventDispatch != nil {
		inst.SM.hooks.onEventDispatch(ev)
	}

	inst.clearTransient()
	enabled := inst.selectTransitions(false, ev)
	var changed bool
	if enabled == nil {
		if inst.SM.hooks.onEventDiscarded != nil {
			inst.SM.hooks.onEventDiscarded(ev)
		}
	} else {
		var err error
		enabled, err = inst.resolveConflicts(enabled)
		if err != nil {
			return err
		}
		changed, err = inst.microstep(enabled, ev)
		if err != nil {
			return err
		}
		rtcChanged, err := inst.runToCompletion()
		if err != nil {
			return err
		}
		changed = changed || rtcChanged
	}

	inst.publish()
	if changed && inst.SM.hooks.onConfigurationChange != nil {
		inst.SM.hooks.onConfigurationChange()
	}
	return nil
}
