package model

import "reflect"

// Reference points at another module deployment that must exist before
// this one is created and may only be destroyed after it.
type Reference struct {
	Module            string `json:"Module" yaml:"Module"`
	AccountID         string `json:"AccountId" yaml:"AccountId"`
	Region            string `json:"Region" yaml:"Region"`
	IgnoreIfNotExists bool   `json:"IgnoreIfNotExists,omitempty" yaml:"IgnoreIfNotExists"`
}

// Key returns the deployment key the reference points at.
func (r Reference) Key() Key {
	return Key{Module: r.Module, AccountID: r.AccountID, Region: r.Region}
}

// OutputRef binds a variable to an output of another module deployment.
type OutputRef struct {
	Module            string `json:"Module" yaml:"Module"`
	AccountID         string `json:"AccountId" yaml:"AccountId"`
	Region            string `json:"Region" yaml:"Region"`
	OutputName        string `json:"OutputName" yaml:"OutputName"`
	IgnoreIfNotExists bool   `json:"IgnoreIfNotExists,omitempty" yaml:"IgnoreIfNotExists"`
}

// Key returns the deployment key the reference points at.
func (r OutputRef) Key() Key {
	return Key{Module: r.Module, AccountID: r.AccountID, Region: r.Region}
}

// TargetState is a deployment as declared by the package definition,
// after scope expansion and variable layering.
type TargetState struct {
	Variables            map[string]any       `json:"Variables"`
	VariablesFromOutputs map[string]OutputRef `json:"VariablesFromOutputs"`
	Dependencies         []Reference          `json:"Dependencies"`
	ModuleHash           string               `json:"ModuleHash"`
}

// CurrentState is a deployment as recorded by the last successful run.
type CurrentState struct {
	Variables            map[string]any       `json:"Variables"`
	VariablesFromOutputs map[string]OutputRef `json:"VariablesFromOutputs"`
	Dependencies         []Reference          `json:"Dependencies"`
	ModuleHash           string               `json:"ModuleHash"`
	Outputs              map[string]any       `json:"Outputs"`
	LastChangedTime      string               `json:"LastChangedTime"`
}

// Matches reports whether the persisted state still matches the target:
// variables, module hash, dependency set and output-reference
// specifications are all structurally equal.
func (c *CurrentState) Matches(t *TargetState) bool {
	return c.ModuleHash == t.ModuleHash &&
		EqualValues(c.Variables, t.Variables) &&
		SameReferences(c.Dependencies, t.Dependencies) &&
		sameOutputRefs(c.VariablesFromOutputs, t.VariablesFromOutputs)
}

// EqualValues is deep structural equality on JSON-like variable maps,
// treating nil and empty as equal.
func EqualValues(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// SameReferences compares two dependency lists as sets.
func SameReferences(a, b []Reference) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[Reference]int, len(a))
	for _, r := range a {
		set[r]++
	}
	for _, r := range b {
		if set[r] == 0 {
			return false
		}
		set[r]--
	}
	return true
}

func sameOutputRefs(a, b map[string]OutputRef) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ref := range a {
		other, ok := b[name]
		if !ok || other != ref {
			return false
		}
	}
	return true
}
