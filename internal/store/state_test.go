package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

func testKey(module string) model.Key {
	return model.Key{Module: module, AccountID: "123456789012", Region: "eu-west-1"}
}

func TestLoadStateEmpty(t *testing.T) {
	ctx := context.Background()
	state, err := LoadState(ctx, NewMemory())
	require.NoError(t, err)
	assert.Equal(t, 0, state.Len())

	// A fresh empty state has nothing to save.
	saved, err := state.Save(ctx)
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	objects := NewMemory()

	state, err := LoadState(ctx, objects)
	require.NoError(t, err)
	state.Set(testKey("ssm-parameter"), &model.CurrentState{
		Variables:       map[string]any{"SSMParameterValue": "old"},
		ModuleHash:      "abc",
		Outputs:         map[string]any{"SSMParameterID": "id-1"},
		LastChangedTime: "2026-08-06T00:00:00Z",
	})
	saved, err := state.Save(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	reloaded, err := LoadState(ctx, objects)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	cs, ok := reloaded.Get(testKey("ssm-parameter"))
	require.True(t, ok)
	assert.Equal(t, "abc", cs.ModuleHash)
	assert.Equal(t, "id-1", cs.Outputs["SSMParameterID"])
}

func TestSaveOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	objects := NewMemory()
	state, err := LoadState(ctx, objects)
	require.NoError(t, err)

	state.Set(testKey("m"), &model.CurrentState{ModuleHash: "h"})
	saved, err := state.Save(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = state.Save(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	state.Delete(testKey("m"))
	saved, err = state.Save(ctx)
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestStateDocumentShape(t *testing.T) {
	ctx := context.Background()
	objects := NewMemory()
	state, err := LoadState(ctx, objects)
	require.NoError(t, err)
	state.Set(testKey("m"), &model.CurrentState{ModuleHash: "h"})
	_, err = state.Save(ctx)
	require.NoError(t, err)

	body, err := objects.Get(ctx, StateFilename)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	deployments, ok := doc["Deployments"].([]any)
	require.True(t, ok)
	require.Len(t, deployments, 1)
	entry := deployments[0].(map[string]any)
	assert.Contains(t, entry, "Deployment")
	assert.Contains(t, entry, "CurrentState")
	deployment := entry["Deployment"].(map[string]any)
	assert.Equal(t, "123456789012", deployment["AccountId"])
}

func TestKeysSorted(t *testing.T) {
	ctx := context.Background()
	state, err := LoadState(ctx, NewMemory())
	require.NoError(t, err)
	state.Set(testKey("zz"), &model.CurrentState{})
	state.Set(testKey("aa"), &model.CurrentState{})
	keys := state.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, "aa", keys[0].Module)
	assert.Equal(t, "zz", keys[1].Module)
}
