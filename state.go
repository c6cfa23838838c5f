package hsm

import (
	"strings"

	"github.com/google/uuid"
)

// ChildMode controls how a composite state's children participate in the
// configuration: Exclusive states have exactly one active child at a time,
// Parallel states have every child active simultaneously (orthogonal
// regions).
type ChildMode int

const (
	// Exclusive is the default composition: one-of-N active child.
	Exclusive ChildMode = iota
	// Parallel makes every child active whenever the parent is active.
	Parallel
)

// State is a leaf or composite state in a state machine.
// To create a top-level state in a state machine, use [StateMachine.State].
// To create a sub-state of a composite state, use [State.State].
// State (and its containing StateMachine) are parameterized by E - the
// extended state type. E is usually a pointer to a struct holding the
// quantitative aspects of the object's state, as opposed to the qualitative
// aspects captured through the state machine's discrete states. If you don't
// need an extended state, use struct{} for E.
type State[E any] struct {
	id                   uuid.UUID
	index                int // position in every StateMachineInstance's per-state slices
	name                 string
	alias                string
	parent               *State[E]
	children             []*State[E]
	childMode            ChildMode
	initial              *State[E] // explicit initial child designator
	validated            bool
	entry, exit          func(Event, E)
	entryName, exitName  string
	invoke               *invokeConfig[E]
	transitions          []*Transition[E]
	eventlessTransitions []*Transition[E]
	sm                   *StateMachine[E]
}

// IsLeaf reports whether the state has no children.
func (s *State[E]) IsLeaf() bool {
	return len(s.children) == 0
}

// Name returns the state's name.
func (s *State[E]) Name() string {
	if s == nil {
		return "nil"
	}
	return s.name
}

// String returns the state's name. It is a synonym for Name().
func (s *State[E]) String() string {
	return s.Name()
}

// ID returns the identifier the transition allocator stamped on this state
// when it was built.
func (s *State[E]) ID() uuid.UUID {
	return s.id
}

// State creates and returns a builder for building a nested sub-state.
func (s *State[E]) State(name string) *StateBuilder[E] {
	sb := &StateBuilder[E]{parent: s, name: name}
	s.sm.stateBuilders = append(s.sm.stateBuilders, sb)
	return sb
}

// validate checks that, if the state is entered, a unique path exists
// through initial-state resolution down to a leaf state. A Parallel state
// has no single initial child to chase - every region is active at once -
// so each of its children is validated independently instead.
func (s *State[E]) validate() {
	if s.validated || s.IsLeaf() {
		return
	}
	s.validated = true
	if s.childMode == Parallel {
		for _, c := range s.children {
			c.validate()
		}
		return
	}
	if s.initial == nil {
		panic("state " + s.name + " must have initial sub-state")
	}
	s.initial.validate()
}

// SetParent moves s from its current parent to newParent, for structures
// assembled conditionally after some states are already built. It returns an
// InvalidStateRelationship error if the machine has already been finalized:
// the teacher's own setParent is documented as undefined behavior once the
// machine is running, and this returns an explicit error instead of leaving
// the tree silently corrupted (the Go idiom over documented-but-unchecked
// UB). If s was its old parent's initial designator, that designator is
// cleared; the caller must supply a new one before Finalize if needed.
func (s *State[E]) SetParent(newParent *State[E]) error {
	if s.sm.top.validated {
		return newError(InvalidStateRelationship, "SetParent called on state %s after StateMachine.Finalize", s.name)
	}
	old := s.parent
	for i, c := range old.children {
		if c == s {
			old.children = append(old.children[:i], old.children[i+1:]...)
			break
		}
	}
	if old.initial == s {
		old.initial = nil
	}
	s.parent = newParent
	newParent.children = append(newParent.children, s)
	return nil
}

// isProperAncestor reports whether a is a strict ancestor of d (a != d).
func isProperAncestor[E any](a, d *State[E]) bool {
	for p := d.parent; p != nil; p = p.parent {
		if p == a {
			return true
		}
	}
	return false
}

// isDescendant reports whether d is a (possibly non-proper) descendant of a.
func isDescendant[E any](d, a *State[E]) bool {
	return d == a || isProperAncestor(a, d)
}

// depth returns the number of proper ancestors of s, the root included (the
// root itself has depth 0).
func depth[E any](s *State[E]) int {
	d := 0
	for p := s.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// leastCommonAncestor returns the lowest state that is an ancestor-or-self of
// both a and b.
func leastCommonAncestor[E any](a, b *State[E]) *State[E] {
	da, db := depth(a), depth(b)
	for da > db {
		a = a.parent
		da--
	}
	for db > da {
		b = b.parent
		db--
	}
	for a != b {
		a, b = a.parent, b.parent
	}
	return a
}

// leastCommonProperAncestor returns the nearest state that is a strict
// ancestor of both x and y (never x or y themselves).
func leastCommonProperAncestor[E any](x, y *State[E]) *State[E] {
	lca := leastCommonAncestor(x, y)
	if lca == x || lca == y {
		lca = lca.parent
	}
	return lca
}

// forEachChild visits the immediate children of s in insertion order.
func (s *State[E]) forEachChild(f func(*State[E])) {
	for _, c := range s.children {
		f(c)
	}
}

// forEachPreOrder visits s and its descendants, parent before children, in
// insertion order among siblings. If f returns false, the subtree rooted at
// the just-visited node is skipped.
func (s *State[E]) forEachPreOrder(f func(*State[E]) bool) {
	if !f(s) {
		return
	}
	for _, c := range s.children {
		c.forEachPreOrder(f)
	}
}

// forEachPostOrder visits s and its descendants, children before parent.
func (s *State[E]) forEachPostOrder(f func(*State[E])) {
	for _, c := range s.children {
		c.forEachPostOrder(f)
	}
	f(s)
}

// forEachAtomic visits the leaves of the subtree rooted at s, in the order a
// post-order walk would reach them.
func (s *State[E]) forEachAtomic(f func(*State[E])) {
	s.forEachPostOrder(func(n *State[E]) {
		if n.IsLeaf() {
			f(n)
		}
	})
}

type namedAction[E any] struct {
	name   string
	action func(Event, E)
}

type namedGuard[E any] struct {
	name  string
	guard func(Event, E) bool
}

func (na namedAction[E]) Name() string { return na.name }
func (ng namedGuard[E]) Name() string  { return ng.name }

type named interface{ Name() string }

// combineNames combines the names of multiple items by separating with ';',
// skipping any that are empty.
func combineNames[N named](items []N) string {
	var nonEmptyNames []string
	for _, item := range items {
		if item.Name() != "" {
			nonEmptyNames = append(nonEmptyNames, item.Name())
		}
	}
	return strings.Join(nonEmptyNames, ";")
}

// combineActions returns the combined name and combined action (one that
// executes all actions in sequence).
func combineActions[E any](namedActions []namedAction[E]) (name string, action func(event Event, e E)) {
	if len(namedActions) == 1 {
		return namedActions[0].name, namedActions[0].action
	}
	return combineNames(namedActions), func(event Event, e E) {
		for _, na := range namedActions {
			na.action(event, e)
		}
	}
}

// combineGuards returns the combined name and combined guard (one that
// requires every guard to pass).
func combineGuards[E any](namedGuards []namedGuard[E]) (name string, guard func(event Event, e E) bool) {
	if len(namedGuards) == 1 {
		return namedGuards[0].name, namedGuards[0].guard
	}
	return combineNames(namedGuards), func(event Event, e E) bool {
		for _, ng := range namedGuards {
			if !ng.guard(event, e) {
				return false
			}
		}
		return true
	}
}

// StateBuilder provides a fluent API for building a new [State].
type StateBuilder[E any] struct {
	parent         *State[E]
	name           string
	options        []stateOption[E]
	entries, exits []namedAction[E]
}

// Entry sets f as an entry action for the state being built. May be called
// multiple times; entry actions run in the order assigned.
func (sb *StateBuilder[E]) Entry(name string, f func(Event, E)) *StateBuilder[E] {
	sb.entries = append(sb.entries, namedAction[E]{name: name, action: f})
	if len(sb.entries) == 1 {
		sb.options = append(sb.options, func(s *State[E]) {
			s.entryName, s.entry = combineActions(sb.entries)
		})
	}
	return sb
}

// Exit sets f as an exit action for the state being built. May be called
// multiple times; exit actions run in the order assigned.
func (sb *StateBuilder[E]) Exit(name string, f func(Event, E)) *StateBuilder[E] {
	sb.exits = append(sb.exits, namedAction[E]{name: name, action: f})
	if len(sb.exits) == 1 {
		sb.options = append(sb.options, func(s *State[E]) {
			s.exitName, s.exit = combineActions(sb.exits)
		})
	}
	return sb
}

// Initial marks the state being built as the initial sub-state of its
// parent: an automatic initial transition from the parent into this state.
func (sb *StateBuilder[E]) Initial() *StateBuilder[E] {
	sb.options = append(sb.options, func(s *State[E]) {
		p := s.parent
		if p.initial != nil && p.initial != s {
			panic("sub-states " + s.name + " and " + p.initial.name + " can not both be marked initial")
		}
		p.initial = s
	})
	return sb
}

// Parallel marks the state being built as a Parallel (orthogonal-region)
// composite: every child is active whenever this state is active.
func (sb *StateBuilder[E]) Parallel() *StateBuilder[E] {
	sb.options = append(sb.options, func(s *State[E]) { s.childMode = Parallel })
	return sb
}

// Build builds and returns the new state.
func (sb *StateBuilder[E]) Build() *State[E] {
	ss := State[E]{
		id:     sb.parent.sm.allocateID(),
		index:  sb.parent.sm.allocateIndex(),
		parent: sb.parent,
		name:   sb.name,
		alias:  strings.ReplaceAll(sb.name, " ", "_"),
		sm:     sb.parent.sm,
	}
	for _, opt := range sb.options {
		opt(&ss)
	}
	sb.parent.children = append(sb.parent.children, &ss)
	sm := sb.parent.sm
	for i, sb1 := range sm.stateBuilders {
		if sb == sb1 {
			sm.stateBuilders = append(sm.stateBuilders[:i], sm.stateBuilders[i+1:]...)
			return &ss
		}
	}
	panic("State " + sb.name + " builder: invalid attempt to use the same builder twice")
}

type stateOption[E any] func(s *State[E])

// Event instances are delivered to a state machine, causing it to run
// actions and change states. Id identifies the type of the event, Data is
// an optional arbitrary payload.
type Event struct {
	Id   int
	Data any
}
