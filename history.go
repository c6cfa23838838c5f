package hsm

// History selects how a transition that targets a composite state resolves
// which descendant to enter: HistoryShallow/HistoryDeep ask the engine to
// restore the configuration that state had when it was last exited, instead
// of running ordinary initial-state resolution (spec §4.3.5's history
// priority rule). Every composite state's most recently active child is
// tracked unconditionally, per [StateMachineInstance] (historyChild /
// setHistoryChild in machine.go, captureHistory in engine.go) - History only
// decides whether a given transition's entry *consults* that memory, not
// whether the memory is kept. The remembered child lives per instance, not
// on the shared State node, since one compiled StateMachine is meant to back
// many independently-running instances.
type History int

const (
	// HistoryNone is the default: entry always runs ordinary initial-state
	// resolution (explicit initial child, or first child), ignoring whatever
	// the target was last exited to.
	HistoryNone History = iota
	// HistoryShallow restores only the direct child that was active when the
	// target was last exited; that child's own descendants resolve normally.
	HistoryShallow
	// HistoryDeep restores the exact leaf (atomic state) that was active when
	// the target was last exited, re-entering the entire chain down to it.
	HistoryDeep
)

func (h History) String() string {
	switch h {
	case HistoryShallow:
		return "shallow history"
	case HistoryDeep:
		return "deep history"
	default:
		return "no history"
	}
}
