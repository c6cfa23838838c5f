package hsm_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-statechart/hsm"
	"github.com/stretchr/testify/require"
)

// recordingInvoke is an Invocable that records when it starts, blocks until
// cancelled, then records that it stopped.
type recordingInvoke struct {
	started chan struct{}
	stopped chan struct{}
}

func newRecordingInvoke() *recordingInvoke {
	return &recordingInvoke{started: make(chan struct{}), stopped: make(chan struct{})}
}

func (r *recordingInvoke) Run(cancel <-chan struct{}, ev hsm.Event, ext struct{}) {
	close(r.started)
	<-cancel
	close(r.stopped)
}

// TestInvokeThreaded exercises the threaded invoke lifecycle (spec §4.6): the
// activity starts once the hosting state becomes quiescently active and is
// signalled and joined when the state exits.
func TestInvokeThreaded(t *testing.T) {
	const evLeave = iota

	inv := newRecordingInvoke()
	sm := hsm.New[struct{}]()
	root := sm.State("root").Initial().Build()
	working := root.State("working").Initial().InvokeThreaded(inv).Build()
	done := root.State("done").Build()
	working.AddTransition(evLeave, done)

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))

	select {
	case <-inv.started:
	case <-time.After(time.Second):
		t.Fatal("invoke never started")
	}

	require.NoError(t, smi.Deliver(hsm.Event{Id: evLeave}))

	select {
	case <-inv.stopped:
	case <-time.After(time.Second):
		t.Fatal("invoke never stopped after its state exited")
	}
	require.True(t, smi.IsActive(done))
}

// TestInvokePooled exercises a pooled invoke backed by a thread pool with
// spare capacity.
func TestInvokePooled(t *testing.T) {
	const evLeave = iota

	inv := newRecordingInvoke()
	sm := hsm.New[struct{}](hsm.WithThreadPool[struct{}](2))
	root := sm.State("root").Initial().Build()
	working := root.State("working").Initial().InvokePooled(inv).Build()
	done := root.State("done").Build()
	working.AddTransition(evLeave, done)

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))

	select {
	case <-inv.started:
	case <-time.After(time.Second):
		t.Fatal("pooled invoke never started")
	}

	require.NoError(t, smi.Deliver(hsm.Event{Id: evLeave}))

	select {
	case <-inv.stopped:
	case <-time.After(time.Second):
		t.Fatal("pooled invoke never stopped after its state exited")
	}
}

// TestInvokePooledUnderflow exercises spec §4.6/§7: requesting a pooled
// invoke on a machine with no installed thread pool fails to start the invoke
// with ErrThreadPoolUnderflow, routed through the state-exception hook.
func TestInvokePooledUnderflow(t *testing.T) {
	const evEnter = iota

	var mu sync.Mutex
	var exceptions []*hsm.StateException[struct{}]

	sm := hsm.New[struct{}](
		hsm.WithStateExceptionHook[struct{}](func(se *hsm.StateException[struct{}]) {
			mu.Lock()
			defer mu.Unlock()
			exceptions = append(exceptions, se)
		}),
	)
	root := sm.State("root").Initial().Build()
	idle := root.State("idle").Initial().Build()
	working := root.State("working").InvokePooled(newRecordingInvoke()).Build()
	idle.AddTransition(evEnter, working)

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))
	require.NoError(t, smi.Deliver(hsm.Event{Id: evEnter}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, exceptions, 1)
	require.Equal(t, "enterInvoke", exceptions[0].Phase)
	var underflow error = exceptions[0].Value.(error)
	require.True(t, errors.Is(underflow, hsm.ErrThreadPoolUnderflow))
	// The state still entered even though its invoke failed to start.
	require.True(t, smi.IsActive(working))
}

// TestThreadPoolUnderflowNoHook confirms that, absent a state-exception
// hook, a pooled-invoke underflow surfaces as an ordinary macrostep error
// from Deliver instead of being silently swallowed.
func TestThreadPoolUnderflowNoHook(t *testing.T) {
	const evEnter = iota

	sm := hsm.New[struct{}]()
	root := sm.State("root").Initial().Build()
	idle := root.State("idle").Initial().Build()
	working := root.State("working").InvokePooled(newRecordingInvoke()).Build()
	idle.AddTransition(evEnter, working)

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))

	err := smi.Deliver(hsm.Event{Id: evEnter})
	require.Error(t, err)
	require.True(t, errors.Is(err, hsm.ErrThreadPoolUnderflow))
}
