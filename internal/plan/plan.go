// Package plan classifies every deployment key into the action that
// reconciles the persisted state with the target state.
package plan

import (
	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// Options controls reconciliation.
type Options struct {
	// ForceUpdate promotes every key present in both states to update.
	ForceUpdate bool
}

// Reconcile walks the union of the target and current key sets and
// assigns exactly one action to each key. A key present in both states
// with no local change becomes a conditional update when it carries
// output references, since an upstream output may still have drifted.
func Reconcile(target map[model.Key]*model.TargetState, current map[model.Key]*model.CurrentState, opts Options) map[model.Key]model.Action {
	actions := make(map[model.Key]model.Action, len(target)+len(current))
	for key, t := range target {
		c, ok := current[key]
		switch {
		case !ok:
			actions[key] = model.ActionCreate
		case opts.ForceUpdate || !c.Matches(t):
			actions[key] = model.ActionUpdate
		case len(t.VariablesFromOutputs) > 0:
			actions[key] = model.ActionConditionalUpdate
		default:
			actions[key] = model.ActionNone
		}
	}
	for key := range current {
		if _, ok := target[key]; !ok {
			actions[key] = model.ActionDestroy
		}
	}
	return actions
}

// Filters restricts the run scope; keys outside it are planned but
// their steps are skipped rather than removed.
type Filters struct {
	Modules    map[string]bool
	AccountIDs map[string]bool
	Regions    map[string]bool
}

// Skip reports whether a key falls outside the run scope.
func (f *Filters) Skip(key model.Key) bool {
	if f == nil {
		return false
	}
	return !(f.Modules[key.Module] && f.AccountIDs[key.AccountID] && f.Regions[key.Region])
}
