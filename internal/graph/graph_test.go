package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

func key(module string) model.Key {
	return model.Key{Module: module, AccountID: "123456789012", Region: "eu-west-1"}
}

func TestValidateDetectsCycle(t *testing.T) {
	g := New()
	g.AddStep(key("m1"), model.ActionCreate, false, 1, 0)
	g.AddStep(key("m2"), model.ActionCreate, false, 1, 0)
	require.NoError(t, g.AddEdge(key("m1"), key("m2"), false))
	require.NoError(t, g.AddEdge(key("m2"), key("m1"), false))

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, model.KindCircularDependency, model.KindOf(err))
	assert.Contains(t, err.Error(), "The package contains circular dependencies")
}

func TestAddEdgeMissingDependency(t *testing.T) {
	g := New()
	g.AddStep(key("m2"), model.ActionCreate, false, 1, 0)

	err := g.AddEdge(key("m1"), key("m2"), false)
	require.Error(t, err)
	assert.Equal(t, model.KindUnmetDependencyMissing, model.KindOf(err))

	// IgnoreIfNotExists drops the reference silently.
	assert.NoError(t, g.AddEdge(key("m1"), key("m2"), true))
	assert.Empty(t, g.Predecessors(key("m2")))
}

func TestAddEdgeMissingDependencyOfDestroy(t *testing.T) {
	g := New()
	g.AddStep(key("m2"), model.ActionDestroy, false, 1, 0)
	// A destroyed deployment does not need its dependency to still
	// exist.
	assert.NoError(t, g.AddEdge(key("m1"), key("m2"), false))
}

func TestValidateDependencyScheduledForDestroy(t *testing.T) {
	g := New()
	g.AddStep(key("m1"), model.ActionDestroy, false, 1, 0)
	g.AddStep(key("m2"), model.ActionCreate, false, 1, 0)
	require.NoError(t, g.AddEdge(key("m1"), key("m2"), false))

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, model.KindDependencyScheduledForDestroy, model.KindOf(err))
}

func TestValidateDependentRemainsAfterDestroy(t *testing.T) {
	g := New()
	g.AddStep(key("m1"), model.ActionDestroy, false, 1, 0)
	g.AddStep(key("m2"), model.ActionNone, false, 1, 0)
	require.NoError(t, g.AddEdge(key("m1"), key("m2"), false))

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, model.KindDependentRemainsAfterDestroy, model.KindOf(err))
}

func TestValidateBothDestroyedIsFine(t *testing.T) {
	g := New()
	g.AddStep(key("m1"), model.ActionDestroy, false, 1, 0)
	g.AddStep(key("m2"), model.ActionDestroy, false, 1, 0)
	require.NoError(t, g.AddEdge(key("m1"), key("m2"), false))
	assert.NoError(t, g.Validate())
}

func TestValidateMarksSkipped(t *testing.T) {
	g := New()
	g.AddStep(key("none"), model.ActionNone, false, 1, 0)
	g.AddStep(key("filtered"), model.ActionCreate, true, 1, 0)
	g.AddStep(key("pending"), model.ActionCreate, false, 1, 0)
	require.NoError(t, g.Validate())

	assert.Equal(t, StatusSkipped, g.Step(key("none")).Status)
	assert.Equal(t, StatusSkipped, g.Step(key("filtered")).Status)
	assert.Equal(t, StatusPending, g.Step(key("pending")).Status)
}

func TestTopoOrderDeterministic(t *testing.T) {
	build := func() *Graph {
		g := New()
		for _, m := range []string{"m3", "m1", "m2", "m4"} {
			g.AddStep(key(m), model.ActionCreate, false, 1, 0)
		}
		require.NoError(t, g.AddEdge(key("m4"), key("m1"), false))
		require.NoError(t, g.AddEdge(key("m4"), key("m2"), false))
		return g
	}
	first := build().TopoOrder()
	require.Len(t, first, 4)
	assert.Equal(t, key("m3"), first[0])
	assert.Equal(t, key("m4"), first[1])
	assert.Equal(t, key("m1"), first[2])
	assert.Equal(t, key("m2"), first[3])

	for i := 0; i < 5; i++ {
		assert.Equal(t, first, build().TopoOrder())
	}
}

func TestFailRetriesUntilMaxAttempts(t *testing.T) {
	g := New()
	g.AddStep(key("m1"), model.ActionCreate, false, 2, 3*time.Second)
	require.NoError(t, g.Validate())

	step := g.Step(key("m1"))
	step.Status = StatusOngoing
	step.NbAttempts = 1
	g.Fail(key("m1"), model.KindEngineFailure, true, "Failed", nil)
	assert.Equal(t, StatusPending, step.Status)
	assert.True(t, step.WaitUntil.After(time.Now()))

	step.Status = StatusOngoing
	step.NbAttempts = 2
	g.Fail(key("m1"), model.KindEngineFailure, true, "Failed", nil)
	assert.Equal(t, StatusFailed, step.Status)
}

func TestFailNonRetriableIsTerminal(t *testing.T) {
	g := New()
	g.AddStep(key("m1"), model.ActionCreate, false, 5, 0)
	require.NoError(t, g.Validate())

	step := g.Step(key("m1"))
	step.Status = StatusOngoing
	step.NbAttempts = 1
	g.Fail(key("m1"), model.KindUpstreamOutputMissing, false, "Failed", nil)
	assert.Equal(t, StatusFailed, step.Status)
}

func TestHasUpstreamPendingChanges(t *testing.T) {
	g := New()
	g.AddStep(key("upstream"), model.ActionNone, false, 1, 0)
	g.AddStep(key("downstream"), model.ActionCreate, false, 1, 0)
	require.NoError(t, g.AddEdge(key("upstream"), key("downstream"), false))
	require.NoError(t, g.Validate())

	// A NoChange upstream does not block.
	assert.False(t, g.HasUpstreamPendingChanges(key("downstream")))

	g.Step(key("upstream")).Action = model.ActionCreate
	assert.True(t, g.HasUpstreamPendingChanges(key("downstream")))

	g.Step(key("upstream")).Action = model.ActionUpdate
	g.Step(key("upstream")).MadeChanges = false
	assert.False(t, g.HasUpstreamPendingChanges(key("downstream")))
	g.Step(key("upstream")).MadeChanges = true
	assert.True(t, g.HasUpstreamPendingChanges(key("downstream")))
}
