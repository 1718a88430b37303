package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyString(t *testing.T) {
	key := Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"}
	assert.Equal(t, "[ssm-parameter,123456789012,eu-west-1]", key.String())
}

func TestCurrentStateMatches(t *testing.T) {
	current := &CurrentState{
		Variables:  map[string]any{"Value": "old", "Count": 2},
		ModuleHash: "abc",
		Dependencies: []Reference{
			{Module: "m1", AccountID: "111111111111", Region: "eu-west-1"},
			{Module: "m2", AccountID: "111111111111", Region: "eu-west-1"},
		},
	}

	target := &TargetState{
		Variables:  map[string]any{"Value": "old", "Count": 2},
		ModuleHash: "abc",
		Dependencies: []Reference{
			// Dependencies are compared as sets, order must not matter.
			{Module: "m2", AccountID: "111111111111", Region: "eu-west-1"},
			{Module: "m1", AccountID: "111111111111", Region: "eu-west-1"},
		},
	}
	assert.True(t, current.Matches(target))

	target.Variables = map[string]any{"Value": "new", "Count": 2}
	assert.False(t, current.Matches(target))

	target.Variables = map[string]any{"Value": "old", "Count": 2}
	target.ModuleHash = "def"
	assert.False(t, current.Matches(target))

	target.ModuleHash = "abc"
	target.Dependencies = target.Dependencies[:1]
	assert.False(t, current.Matches(target))
}

func TestCurrentStateMatchesOutputRefs(t *testing.T) {
	ref := OutputRef{Module: "m1", AccountID: "111111111111", Region: "eu-west-1", OutputName: "Id"}
	current := &CurrentState{
		VariablesFromOutputs: map[string]OutputRef{"VarKey": ref},
	}
	target := &TargetState{
		VariablesFromOutputs: map[string]OutputRef{"VarKey": ref},
	}
	assert.True(t, current.Matches(target))

	changed := ref
	changed.OutputName = "Arn"
	target.VariablesFromOutputs = map[string]OutputRef{"VarKey": changed}
	assert.False(t, current.Matches(target))
}

func TestEqualValuesNilAndEmpty(t *testing.T) {
	assert.True(t, EqualValues(nil, map[string]any{}))
	assert.True(t, EqualValues(nil, nil))
	assert.False(t, EqualValues(nil, map[string]any{"a": 1}))
}

func TestErrorKinds(t *testing.T) {
	err := E(KindUpstreamOutputMissing, "output %s missing", "Id")
	assert.Equal(t, KindUpstreamOutputMissing, KindOf(err))
	assert.False(t, IsRetriable(err))

	retriable := E(KindEngineFailure, "exit 1").AsRetriable()
	assert.True(t, IsRetriable(retriable))
	assert.Equal(t, Kind(""), KindOf(nil))
}
