package hsm_test

import (
	"testing"

	"github.com/go-statechart/hsm"
	"github.com/stretchr/testify/require"
)

// TestParallelRegions exercises spec scenario S3: a Parallel root with three
// atomic children enters and exits them all together.
func TestParallelRegions(t *testing.T) {
	var changes int
	sm := hsm.New[struct{}](
		hsm.WithConfigurationChangeHook[struct{}](func() { changes++ }),
	)
	top := sm.State("top").Initial().Parallel().Build()
	a := top.State("a").Build()
	b := top.State("b").Build()
	c := top.State("c").Build()

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))

	require.True(t, smi.IsActive(top))
	require.True(t, smi.IsActive(a))
	require.True(t, smi.IsActive(b))
	require.True(t, smi.IsActive(c))
	require.Equal(t, 1, changes)

	require.NoError(t, smi.Stop())
	require.False(t, smi.IsActive(top))
	require.False(t, smi.IsActive(a))
	require.False(t, smi.IsActive(b))
	require.False(t, smi.IsActive(c))
	require.Equal(t, 2, changes)
}

// TestParallelOrthogonalTransitions checks that a transition firing in one
// region of a parallel composite leaves the other regions' configuration
// untouched.
func TestParallelOrthogonalTransitions(t *testing.T) {
	const (
		evToA2 = iota
		evToB2
	)

	sm := hsm.New[struct{}]()
	top := sm.State("top").Initial().Parallel().Build()

	regionA := top.State("regionA").Build()
	a1 := regionA.State("a1").Initial().Build()
	a2 := regionA.State("a2").Build()
	a1.AddTransition(evToA2, a2)

	regionB := top.State("regionB").Build()
	b1 := regionB.State("b1").Initial().Build()
	b2 := regionB.State("b2").Build()
	b1.AddTransition(evToB2, b2)

	require.NoError(t, sm.Finalize())

	smi := hsm.StateMachineInstance[struct{}]{SM: sm}
	require.NoError(t, smi.Initialize(hsm.Event{Id: -1}))
	require.True(t, smi.IsActive(a1))
	require.True(t, smi.IsActive(b1))

	require.NoError(t, smi.Deliver(hsm.Event{Id: evToA2}))
	require.True(t, smi.IsActive(a2))
	require.False(t, smi.IsActive(a1))
	// regionB's configuration is unaffected by regionA's transition.
	require.True(t, smi.IsActive(b1))
	require.False(t, smi.IsActive(b2))

	require.NoError(t, smi.Deliver(hsm.Event{Id: evToB2}))
	require.True(t, smi.IsActive(a2))
	require.True(t, smi.IsActive(b2))
	require.False(t, smi.IsActive(b1))
}
