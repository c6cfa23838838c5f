package hsm_test

import (
	"testing"
	"time"

	"github.com/go-statechart/hsm"
	"github.com/stretchr/testify/require"
)

// TestDeliverReentrant exercises spec §4.4's reentrancy guarantee: a Deliver
// call made from within an action (itself called from another Deliver, on
// the same goroutine) merely enqueues instead of recursing into a second
// macrostep drain.
func TestDeliverReentrant(t *testing.T) {
	const (
		evStep1 = iota
		evStep2
	)

	var order []string
	var smi *hsm.StateMachineInstance[struct{}]

	sm := hsm.New[struct{}]()
	root := sm.State("root").Initial().Build()
	s1 := root.State("s1").Initial().Build()
	s2 := root.State("s2").
		Entry("record s2", func(hsm.Event, struct{}) { order = append(order, "enter s2") }).
		Build()
	s3 := root.State("s3").
		Entry("record s3", func(hsm.Event, struct{}) { order = append(order, "enter s3") }).
		Build()

	s1.Transition(evStep1, s2).Action("reenter", func(hsm.Event, struct{}) {
		order = append(order, "action step1")
		// Reentrant call from within an action on the same goroutine: must
		// not recurse into a second drain, only enqueue.
		require.NoError(t, smi.Deliver(hsm.Event{Id: evStep2}))
		order = append(order, "action step1 done")
	}).Build()
	s2.AddTransition(evStep2, s3)

	require.NoError(t, sm.Finalize())

	inst := hsm.StateMachineInstance[struct{}]{SM: sm}
	smi = &inst
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))

	require.NoError(t, smi.Deliver(hsm.Event{Id: evStep1}))

	// The reentrant Deliver(evStep2) only enqueued; its macrostep runs after
	// the action returns and the outer Deliver resumes draining the queue -
	// never nested inside the action itself.
	require.Equal(t, []string{"action step1", "action step1 done", "enter s2", "enter s3"}, order)
	require.True(t, smi.IsActive(s3))
}

// TestAsyncDispatcherLifecycle exercises spec §4.5: StartAsync enters the
// initial configuration on a dedicated worker goroutine, DeliverAsync wakes
// it to process queued events, and StopAsync blocks until the worker has
// left the configuration and exited.
func TestAsyncDispatcherLifecycle(t *testing.T) {
	const evGo = iota

	sm := hsm.New[struct{}]()
	root := sm.State("root").Initial().Build()
	idle := root.State("idle").Initial().Build()
	running := root.State("running").Build()
	idle.AddTransition(evGo, running)

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.StartAsync(hsm.Event{Id: -1}))
	require.True(t, smi.IsRunning())

	waitUntil := func(cond func() bool) bool {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return true
			}
			time.Sleep(time.Millisecond)
		}
		return false
	}

	require.True(t, waitUntil(func() bool { return smi.IsActive(idle) }))

	require.NoError(t, smi.DeliverAsync(hsm.Event{Id: evGo}))
	require.True(t, waitUntil(func() bool { return smi.IsActive(running) }))

	smi.StopAsync()
	require.False(t, smi.IsRunning())
	require.False(t, smi.IsActive(running))
}
