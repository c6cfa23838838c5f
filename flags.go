package hsm

// stateFlags packs the mutable runtime bits of a state. childMode is an
// ordinary struct field (set once at build time and never mutated
// afterwards), so unlike fsm11's C++ flag word it is not packed in here -
// there is no need to bit-pack something Go's type system already keeps
// distinct and immutable. This word only carries bits that genuinely flip
// during execution.
type stateFlags uint16

const (
	// Persistent bits: survive across macrosteps.
	flagActive stateFlags = 1 << iota
	flagStartInvoke
	flagInvoked

	// Transient bits: valid only within a single macrostep, cleared at its
	// start. transientMask below must cover exactly these.
	flagSkipTransitionSelection
	flagInEnterSet
	flagInExitSet
	flagPartOfConflict
)

const transientMask = flagSkipTransitionSelection | flagInEnterSet | flagInExitSet | flagPartOfConflict

func (f stateFlags) has(bit stateFlags) bool { return f&bit != 0 }
