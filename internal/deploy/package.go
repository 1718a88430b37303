// Package deploy assembles the package: definition, modules, inventory
// and persisted state, and derives the per-run deployment graph.
package deploy

import (
	"context"
	"time"

	"github.com/orgdeploy-io/orgdeploy/internal/engine"
	"github.com/orgdeploy-io/orgdeploy/internal/expand"
	"github.com/orgdeploy-io/orgdeploy/internal/graph"
	"github.com/orgdeploy-io/orgdeploy/internal/inventory"
	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
	"github.com/orgdeploy-io/orgdeploy/internal/modules"
	"github.com/orgdeploy-io/orgdeploy/internal/pkgspec"
	"github.com/orgdeploy-io/orgdeploy/internal/plan"
	"github.com/orgdeploy-io/orgdeploy/internal/store"
)

// Package ties together everything a run needs.
type Package struct {
	Def       *pkgspec.Definition
	Modules   map[string]*modules.Module
	Engines   map[string]engine.Engine
	Inventory *inventory.Inventory
	Current   *store.StateStore

	// Command is the CLI command driving this run. Complete folds step
	// outcomes into the current state only under "apply"; UpdateHash
	// and RemoveOrphans change it directly.
	Command string

	Target       map[model.Key]*model.TargetState
	ModuleConfig map[string]map[string]any
	Graph        *graph.Graph
	Filters      *plan.Filters
}

// Init expands the target set, reconciles it against the current state
// and builds the validated deployment graph.
func (p *Package) Init(forceUpdate bool) error {
	expander := &expand.Expander{
		Def:       p.Def,
		Modules:   p.Modules,
		Engines:   p.Engines,
		Inventory: p.Inventory,
	}
	target, err := expander.Expand()
	if err != nil {
		return err
	}
	p.Target = target.Deployments
	p.ModuleConfig = target.ModuleConfig

	// Initial resolution of output-backed variables so that the
	// reconciler compares against the latest upstream outputs.
	for key := range p.Target {
		p.resolveOutputVariables(key)
	}

	current := p.Current.Snapshot()
	actions := plan.Reconcile(p.Target, current, plan.Options{ForceUpdate: forceUpdate})

	p.Graph = graph.New()
	for key, action := range actions {
		if action == model.ActionDestroy {
			if _, ok := p.ModuleConfig[key.Module]; !ok {
				return model.E(model.KindValidation,
					"there must be a block for the module %q even with an empty list of deployments", key.Module)
			}
		}
		maxAttempts, delay := engine.RetryPolicy(p.ModuleConfig[key.Module])
		p.Graph.AddStep(key, action, p.Filters.Skip(key), maxAttempts, delay)
	}
	for _, step := range p.Graph.Steps() {
		if err := p.addDependencyEdges(step.Key); err != nil {
			return err
		}
	}
	return p.Graph.Validate()
}

// addDependencyEdges adds the edges induced by Dependencies and
// VariablesFromOutputs, from the target record when the key is still
// declared, from the current state for destroys.
func (p *Package) addDependencyEdges(key model.Key) error {
	var deps []model.Reference
	var outputRefs map[string]model.OutputRef
	if t, ok := p.Target[key]; ok {
		deps = t.Dependencies
		outputRefs = t.VariablesFromOutputs
	} else if c, ok := p.Current.Get(key); ok {
		deps = c.Dependencies
		outputRefs = c.VariablesFromOutputs
	}
	for _, dep := range deps {
		if err := p.Graph.AddEdge(dep.Key(), key, dep.IgnoreIfNotExists); err != nil {
			return err
		}
	}
	for _, ref := range outputRefs {
		if err := p.Graph.AddEdge(ref.Key(), key, ref.IgnoreIfNotExists); err != nil {
			return err
		}
	}
	return nil
}

// resolveOutputVariables overwrites the target variables bound to
// upstream outputs with the latest values from the current state.
// Missing sources or outputs are left to ResolveOutputVariablesStrict.
func (p *Package) resolveOutputVariables(key model.Key) {
	t, ok := p.Target[key]
	if !ok {
		return
	}
	for varName, ref := range t.VariablesFromOutputs {
		if c, ok := p.Current.Get(ref.Key()); ok {
			if value, ok := c.Outputs[ref.OutputName]; ok {
				t.Variables[varName] = value
			}
		}
	}
}

// ResolveOutputVariablesStrict re-resolves the output-backed variables
// of a step at dispatch time. A reference that cannot be resolved and
// is not flagged IgnoreIfNotExists fails the step: the variable would
// be undefined. Ignored references keep whatever the lower layers
// provided.
func (p *Package) ResolveOutputVariablesStrict(key model.Key) error {
	t, ok := p.Target[key]
	if !ok {
		return nil
	}
	for varName, ref := range t.VariablesFromOutputs {
		c, ok := p.Current.Get(ref.Key())
		if ok {
			if value, ok := c.Outputs[ref.OutputName]; ok {
				t.Variables[varName] = value
				continue
			}
		}
		if !ref.IgnoreIfNotExists {
			return model.E(model.KindUpstreamOutputMissing,
				"the output %s of %s required by the variable %s cannot be resolved",
				ref.OutputName, ref.Key(), varName)
		}
	}
	return nil
}

// UpdateNeeded reports whether the current record of a key still
// differs from its target after output re-resolution.
func (p *Package) UpdateNeeded(key model.Key) bool {
	c, ok := p.Current.Get(key)
	if !ok {
		return true
	}
	return !c.Matches(p.Target[key])
}

// ModuleConfigFor renders the module configuration of one step with
// the current-deployment keywords substituted.
func (p *Package) ModuleConfigFor(key model.Key) (map[string]any, error) {
	return expand.SubstituteConfig(p.ModuleConfig[key.Module], key)
}

// StepVariables returns the variables passed to the engine: the target
// ones for create and update, the recorded ones for destroy.
func (p *Package) StepVariables(key model.Key, action model.Action) map[string]any {
	if action == model.ActionDestroy {
		if c, ok := p.Current.Get(key); ok {
			return c.Variables
		}
		return nil
	}
	return p.Target[key].Variables
}

// Complete marks a step completed and, under apply, folds the outcome
// into the current state: destroys drop the record, everything else
// rewrites it together with the module hash and outputs.
func (p *Package) Complete(key model.Key, madeChanges bool, result string, detailed map[string]any, outputs map[string]any) {
	p.Graph.Complete(key, madeChanges, result, detailed)
	if p.Command != "apply" {
		return
	}
	step := p.Graph.Step(key)
	if step.Action == model.ActionDestroy {
		p.Current.Delete(key)
		return
	}
	t := p.Target[key]
	if outputs == nil {
		outputs = map[string]any{}
	}
	p.Current.Set(key, &model.CurrentState{
		Variables:            t.Variables,
		VariablesFromOutputs: t.VariablesFromOutputs,
		Dependencies:         t.Dependencies,
		ModuleHash:           t.ModuleHash,
		Outputs:              outputs,
		LastChangedTime:      time.Now().UTC().Format(time.RFC3339),
	})
}

// Fail marks a step attempt failed. The state store is never touched.
func (p *Package) Fail(key model.Key, kind model.Kind, retriable bool, result string, detailed map[string]any) {
	p.Graph.Fail(key, kind, retriable, result, detailed)
}

// UpdateHash rewrites the persisted module hash of an update step
// without executing the module. It reports whether the hash changed.
func (p *Package) UpdateHash(key model.Key) bool {
	step := p.Graph.Step(key)
	if step.Action == model.ActionUpdate {
		c, _ := p.Current.Get(key)
		t := p.Target[key]
		if c != nil && c.ModuleHash != t.ModuleHash {
			updated := *c
			updated.ModuleHash = t.ModuleHash
			updated.LastChangedTime = time.Now().UTC().Format(time.RFC3339)
			p.Current.Set(key, &updated)
			p.Graph.Complete(key, true, "Updated the module hash", nil)
			return true
		}
	}
	p.Graph.Complete(key, false, "No action needed", nil)
	return false
}

// Save persists the current state.
func (p *Package) Save(ctx context.Context) {
	if _, err := p.Current.Save(ctx); err != nil {
		logging.Error("failed to save the package state", "error", err)
	}
}

// RemoveOrphans drops the state records whose account or region is no
// longer active in the organization.
func (p *Package) RemoveOrphans(ctx context.Context, dryRun bool) []model.Key {
	var orphans []model.Key
	for _, key := range p.Current.Keys() {
		if !p.Inventory.AccountRegionExists(key.AccountID, key.Region) {
			orphans = append(orphans, key)
			if !dryRun {
				p.Current.Delete(key)
			}
		}
	}
	if dryRun {
		logging.Info("found orphaned module deployments to remove", "count", len(orphans))
	} else {
		p.Save(ctx)
		logging.Info("removed orphaned module deployments", "count", len(orphans))
	}
	return orphans
}
