package hsm_test

import (
	"testing"
	"time"

	"github.com/go-statechart/hsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGuardPanicUnwindsSynchronous exercises spec §4.4/§7: a guard exception
// is not caught by the engine, but the synchronous dispatcher still unwinds
// (force-leaves the configuration, clears running) before re-raising it.
func TestGuardPanicUnwindsSynchronous(t *testing.T) {
	const evBoom = iota

	sm := hsm.New[struct{}]()
	root := sm.State("root").Initial().Build()
	idle := root.State("idle").Initial().Build()
	boomed := root.State("boomed").Build()
	idle.Transition(evBoom, boomed).Guard("boom", func(hsm.Event, struct{}) bool {
		panic("guard exploded")
	}).Build()

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))
	require.True(t, smi.IsRunning())

	assert.PanicsWithValue(t, "guard exploded", func() {
		_ = smi.Deliver(hsm.Event{Id: evBoom})
	})

	// The dispatcher force-left the configuration and cleared running before
	// re-raising: idle is no longer active, and the instance is stopped.
	require.False(t, smi.IsRunning())
	require.False(t, smi.IsActive(idle))
	require.False(t, smi.IsActive(boomed))
}

// TestActionPanicUnwindsAsynchronous exercises the same contract on the
// asynchronous dispatcher (spec §4.5/§7): the worker goroutine recovers the
// panic itself (there is no caller frame on a dedicated goroutine to
// propagate into), force-leaves the configuration, clears running, and
// records the failure for retrieval via AsyncErr.
func TestActionPanicUnwindsAsynchronous(t *testing.T) {
	const evBoom = iota

	sm := hsm.New[struct{}]()
	root := sm.State("root").Initial().Build()
	idle := root.State("idle").Initial().Build()
	boomed := root.State("boomed").Build()
	idle.Transition(evBoom, boomed).Action("boom", func(hsm.Event, struct{}) {
		panic("action exploded")
	}).Build()

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.StartAsync(hsm.Event{Id: -1}))
	require.NoError(t, smi.DeliverAsync(hsm.Event{Id: evBoom}))

	deadline := time.Now().Add(time.Second)
	for smi.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	require.False(t, smi.IsRunning())
	require.False(t, smi.IsActive(idle))
	require.Error(t, smi.AsyncErr())
	require.Contains(t, smi.AsyncErr().Error(), "action exploded")
}
