package autograd

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorHooks(t *testing.T) {
	acc := NewAccumulator()
	var order []int
	acc.RegisterHook(func() { order = append(order, 0) })
	acc.RegisterHook(func() { order = append(order, 1) })
	acc.Ready()
	require.Equal(t, []int{0, 1}, order)
	acc.Ready()
	require.Equal(t, []int{0, 1, 0, 1}, order)
}

func TestReachableAccumulators(t *testing.T) {
	accA := NewAccumulator()
	accB := NewAccumulator()
	accC := NewAccumulator()

	// accA and accB feed the output through shared interior nodes; accC hangs off
	// a branch not connected to the output.
	hidden := NewOp("hidden", accA, accB)
	output := NewOp("output", hidden, accA) // accA reachable through two paths.
	_ = NewOp("unused", accC)

	reachable := ReachableAccumulators([]Node{output})
	require.Len(t, reachable, 2)
	// Compare by pointer identity: empty Accumulators are indistinguishable to
	// testify's deep-equality Contains/NotContains.
	assert.True(t, slices.Contains(reachable, accA))
	assert.True(t, slices.Contains(reachable, accB))
	assert.False(t, slices.Contains(reachable, accC))

	// Nil and empty outputs.
	require.Empty(t, ReachableAccumulators(nil))
	require.Empty(t, ReachableAccumulators([]Node{nil}))
}

func TestEngineBackward(t *testing.T) {
	accA := NewAccumulator()
	accB := NewAccumulator()
	output := NewOp("output", accA, accB)

	engine := NewEngine()
	var events []string
	accA.RegisterHook(func() { events = append(events, "a") })
	accB.RegisterHook(func() {
		events = append(events, "b")
		// Callbacks queued from inside a hook still run after the pass.
		engine.QueueCallback(func() { events = append(events, "done") })
	})

	engine.Backward(output)
	require.Equal(t, "done", events[len(events)-1])
	assert.ElementsMatch(t, []string{"a", "b", "done"}, events)

	// The queue is drained: a second FinishBackward is a no-op.
	engine.FinishBackward()
	require.Len(t, events, 3)
}
