package hsm

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Transition is an edge in the state machine: it fires when its triggering
// event (or, for an eventless transition, the run-to-completion loop) finds
// its source active and its guard (if any) true.
type Transition[E any] struct {
	id         uuid.UUID
	source     *State[E]
	internal   bool
	local      bool
	eventless  bool
	eventId    int
	target     *State[E] // nil for a targetless transition
	guard      func(Event, E) bool
	guardName  string
	action     func(Event, E)
	actionName string
	history    History

	nextInEnabledSet *Transition[E]
}

// ID returns the identifier the transition allocator stamped on this
// transition when it was built.
func (t *Transition[E]) ID() uuid.UUID {
	return t.id
}

// Source returns the transition's source state.
func (t *Transition[E]) Source() *State[E] { return t.source }

// Target returns the transition's target state. A transition built with a
// nil target returns the machine's internal terminal pseudo-state, not nil.
func (t *Transition[E]) Target() *State[E] { return t.target }

func (t *Transition[E]) String() string {
	var bld strings.Builder
	fmt.Fprintf(&bld, "%s->", t.source)
	if t.target == nil {
		bld.WriteString("(none)")
	} else {
		bld.WriteString(t.target.String())
	}
	if t.guard != nil {
		bld.WriteByte('[')
		bld.WriteString(t.guardName)
		bld.WriteByte(']')
	}
	if t.action != nil {
		bld.WriteString(" / ")
		bld.WriteString(t.actionName)
	}
	return bld.String()
}

// matches reports whether this transition is a candidate during the current
// selection pass: the eventless/evented kind must match the pass, and for
// evented transitions the trigger must equal the event's Id.
func (t *Transition[E]) matches(eventless bool, ev Event) bool {
	if t.eventless != eventless {
		return false
	}
	return eventless || t.eventId == ev.Id
}

// domain computes the subtree exited and re-entered when t fires, per
// spec §4.3.2: an internal self-transition does not exit the source at all
// (treated the same as a targetless transition: no domain, action only); an
// internal transition whose source is compound and whose target is a proper
// descendant of the source has the source itself as its domain (no ancestor
// exit/re-entry); a local transition between an ancestor and one of its
// descendants similarly keeps the ancestor itself as the boundary, rather
// than climbing one level further to the ancestor's parent; otherwise the
// domain is the least common proper ancestor of source and target. A
// targetless transition has no domain.
func (t *Transition[E]) domain() *State[E] {
	src, dst := t.source, t.target
	if dst == nil {
		return nil
	}
	if t.internal {
		if src == dst {
			return nil
		}
		if !src.IsLeaf() && isProperAncestor(src, dst) {
			return src
		}
	}
	if t.local {
		if isProperAncestor(src, dst) {
			return src
		}
		if isProperAncestor(dst, src) {
			return dst
		}
	}
	return leastCommonProperAncestor(src, dst)
}

// Eventless creates and returns a builder for a spontaneous transition from
// the current state into target, evaluated during run-to-completion rather
// than in response to an external event. To indicate state machine
// termination, provide nil for target.
func (s *State[E]) Eventless(target *State[E]) *TransitionBuilder[E] {
	if target == nil {
		target = &s.sm.terminal
	}
	t := Transition[E]{id: s.sm.allocateID(), source: s, target: target, eventless: true}
	tb := &TransitionBuilder[E]{src: s, t: &t}
	s.sm.transitionBuilders = append(s.sm.transitionBuilders, tb)
	return tb
}

// Transition creates and returns a builder for the transition from the
// current state into a target state, triggered by the event with the given
// id. To indicate state machine termination, provide nil for target.
func (s *State[E]) Transition(eventId int, target *State[E]) *TransitionBuilder[E] {
	if target == nil {
		target = &s.sm.terminal
	}
	t := Transition[E]{id: s.sm.allocateID(), source: s, target: target, eventId: eventId}
	tb := &TransitionBuilder[E]{src: s, t: &t}
	s.sm.transitionBuilders = append(s.sm.transitionBuilders, tb)
	return tb
}

// AddTransition is a convenience method, equivalent to
// s.Transition(eventId, target).Build().
func (s *State[E]) AddTransition(eventId int, target *State[E]) {
	s.Transition(eventId, target).Build()
}

type transitionOption[E any] func(s *State[E], t *Transition[E])

// TransitionBuilder provides a fluent API for building a transition from one
// state to another: a guard condition that must be true for the transition
// to fire, an action to run when it fires, and its kind (external,
// internal, local).
type TransitionBuilder[E any] struct {
	src     *State[E]
	t       *Transition[E]
	options []transitionOption[E]
	guards  []namedGuard[E]
	actions []namedAction[E]
}

// Guard specifies the guard condition - a function that must return true
// for the transition to fire. The name need not be unique; it is only used
// for diagnostics.
func (tb *TransitionBuilder[E]) Guard(name string, f func(Event, E) bool) *TransitionBuilder[E] {
	tb.guards = append(tb.guards, namedGuard[E]{name: name, guard: f})
	if len(tb.guards) == 1 {
		tb.options = append(tb.options, func(s *State[E], t *Transition[E]) {
			t.guardName, t.guard = combineGuards(tb.guards)
		})
	}
	return tb
}

// Action specifies the transition action name and function. It runs after
// any applicable state exit functions and before any applicable state entry
// functions. May be called multiple times; actions run in the order
// assigned.
func (tb *TransitionBuilder[E]) Action(name string, f func(Event, E)) *TransitionBuilder[E] {
	tb.actions = append(tb.actions, namedAction[E]{name: name, action: f})
	if len(tb.actions) == 1 {
		tb.options = append(tb.options, func(s *State[E], t *Transition[E]) {
			t.actionName, t.action = combineActions(tb.actions)
		})
	}
	return tb
}

// Internal specifies that the transition should be treated as internal
// rather than the default external (spec §4.3.2): the source must either be
// the target itself (a self-transition) or a proper compound ancestor of the
// target, else Internal panics. Internal transitions do not invoke
// exit/entry functions of the source.
func (tb *TransitionBuilder[E]) Internal() *TransitionBuilder[E] {
	if tb.src != tb.t.target && !isProperAncestor(tb.src, tb.t.target) {
		panic(fmt.Sprintf("Transition %s -> %s can not be internal", tb.src.name, tb.t.target.Name()))
	}
	tb.options = append(tb.options, func(s *State[E], t *Transition[E]) { t.internal = true })
	return tb
}

// Local specifies whether the transition should be treated as local or
// external, overriding the state machine's default. This can only be
// specified for transitions between a composite state and one of its
// (direct or transitive) sub-states, because local has no meaning
// otherwise; else Build panics. Local transitions do not exit and re-enter
// whichever of source/target is the ancestor.
func (tb *TransitionBuilder[E]) Local(b bool) *TransitionBuilder[E] {
	tb.options = append(tb.options, func(s *State[E], t *Transition[E]) {
		if parent := getAncestorOf(s, t.target); parent == nil {
			panic("Transition " + s.name + " -> " + t.target.Name() + " can not be local")
		}
		t.local = b
	})
	return tb
}

// History specifies that the transition targets the (shallow or deep)
// history of the target composite state: if the state has not yet been
// visited, the transition proceeds into the composite state's initial
// sub-state instead.
func (tb *TransitionBuilder[E]) History(h History) *TransitionBuilder[E] {
	tb.options = append(tb.options, func(s *State[E], t *Transition[E]) { t.history = h })
	return tb
}

// Build completes building the transition.
func (tb *TransitionBuilder[E]) Build() *Transition[E] {
	if tb.src.sm.LocalDefault {
		if parent := getAncestorOf(tb.src, tb.t.target); parent != nil {
			tb.t.local = true
		}
	}
	if tb.t.eventless {
		tb.src.eventlessTransitions = append(tb.src.eventlessTransitions, tb.t)
	} else {
		tb.src.transitions = append(tb.src.transitions, tb.t)
	}
	for _, opt := range tb.options {
		opt(tb.src, tb.t)
	}
	sm := tb.src.sm
	for i, tb1 := range sm.transitionBuilders {
		if tb == tb1 {
			sm.transitionBuilders = append(sm.transitionBuilders[:i], sm.transitionBuilders[i+1:]...)
			return tb.t
		}
	}
	panic("Invalid attempt to use the same transition builder twice")
}

// getAncestorOf returns whichever of s1, s2 is a (direct or transitive)
// ancestor of the other, or nil if neither is.
func getAncestorOf[E any](s1, s2 *State[E]) *State[E] {
	if s2 == nil {
		return nil
	}
	if isProperAncestor(s1, s2) {
		return s1
	}
	if isProperAncestor(s2, s1) {
		return s2
	}
	return nil
}
