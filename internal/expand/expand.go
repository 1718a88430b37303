// Package expand turns the package definition and the inventory into
// the concrete target deployment set.
package expand

import (
	"sort"

	"github.com/orgdeploy-io/orgdeploy/internal/engine"
	"github.com/orgdeploy-io/orgdeploy/internal/inventory"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
	"github.com/orgdeploy-io/orgdeploy/internal/modules"
	"github.com/orgdeploy-io/orgdeploy/internal/pkgspec"
)

// Target is the desired deployment set derived from the package
// definition file.
type Target struct {
	// Deployments maps every expanded key to its target record.
	Deployments map[model.Key]*model.TargetState
	// ModuleConfig is the layered per-module configuration, before
	// per-deployment keyword substitution.
	ModuleConfig map[string]map[string]any
}

// Expander resolves deployment blocks against the live inventory.
type Expander struct {
	Def       *pkgspec.Definition
	Modules   map[string]*modules.Module
	Engines   map[string]engine.Engine
	Inventory *inventory.Inventory
}

// Expand produces the target deployment set. Later blocks override
// earlier ones for the same key; variables layer default-all <
// default-engine < module < block.
func (e *Expander) Expand() (*Target, error) {
	target := &Target{
		Deployments:  map[model.Key]*model.TargetState{},
		ModuleConfig: map[string]map[string]any{},
	}

	for _, defaults := range []map[string]map[string]any{e.Def.DefaultModuleConfiguration, e.Def.DefaultVariables} {
		for engineName := range defaults {
			if _, ok := e.Engines[engineName]; !ok && engineName != "All" {
				return nil, model.E(model.KindValidation, "the package defaults reference the unknown engine %q", engineName)
			}
		}
	}

	moduleNames := make([]string, 0, len(e.Def.Modules))
	for name := range e.Def.Modules {
		moduleNames = append(moduleNames, name)
	}
	sort.Strings(moduleNames)

	for _, name := range moduleNames {
		mod, ok := e.Modules[name]
		if !ok {
			return nil, model.E(model.KindValidation, "the package declares the module %q which does not exist", name)
		}
		block := e.Def.Modules[name]

		cfg := e.layerModuleConfig(mod.Engine, block)
		if err := e.Engines[mod.Engine].ValidateModuleConfig(cfg); err != nil {
			return nil, model.Wrap(model.KindValidation, err, "configuration of %s is invalid", name)
		}
		target.ModuleConfig[name] = cfg

		for _, depBlock := range block.DeploymentBlocks() {
			if err := e.expandBlock(target, mod, block, depBlock); err != nil {
				return nil, err
			}
		}
	}
	return target, nil
}

// layerModuleConfig merges DefaultModuleConfiguration.All, the engine
// defaults and the module's own Configuration, last wins.
func (e *Expander) layerModuleConfig(engineName string, block *pkgspec.ModuleBlock) map[string]any {
	cfg := map[string]any{}
	if defaults := e.Def.DefaultModuleConfiguration; defaults != nil {
		mergeInto(cfg, defaults["All"])
		mergeInto(cfg, defaults[engineName])
	}
	mergeInto(cfg, block.Configuration)
	return cfg
}

// layerVariables merges DefaultVariables.All, the engine defaults, the
// module variables and the block variables, last wins.
func (e *Expander) layerVariables(engineName string, block *pkgspec.ModuleBlock, depBlock pkgspec.DeploymentBlock) map[string]any {
	vars := map[string]any{}
	if defaults := e.Def.DefaultVariables; defaults != nil {
		mergeInto(vars, defaults["All"])
		mergeInto(vars, defaults[engineName])
	}
	mergeInto(vars, block.Variables)
	mergeInto(vars, depBlock.Variables)
	return vars
}

func (e *Expander) expandBlock(target *Target, mod *modules.Module, block *pkgspec.ModuleBlock, depBlock pkgspec.DeploymentBlock) error {
	vars := e.layerVariables(mod.Engine, block, depBlock)

	outputRefs := map[string]model.OutputRef{}
	for name, ref := range block.VariablesFromOutputs {
		outputRefs[name] = ref
	}
	for name, ref := range depBlock.VariablesFromOutputs {
		outputRefs[name] = ref
	}

	for _, accountID := range e.selectAccounts(depBlock) {
		for _, region := range e.selectRegions(accountID, depBlock) {
			key := model.Key{Module: mod.Name, AccountID: accountID, Region: region}
			ts, err := e.resolveDeployment(key, vars, outputRefs, depBlock.Dependencies, mod.Hash)
			if err != nil {
				return err
			}
			target.Deployments[key] = ts
		}
	}
	return nil
}

// selectAccounts applies the Include and Exclude predicates of a block.
// An empty Include selects every active account; tag predicates are
// conjunctive; predicates of different kinds intersect.
func (e *Expander) selectAccounts(depBlock pkgspec.DeploymentBlock) []string {
	selected := toSet(e.Inventory.AllAccounts())
	if inc := depBlock.Include; inc != nil {
		if inc.AccountIds != nil {
			intersect(selected, e.Inventory.AccountsByID(inc.AccountIds))
		}
		if inc.AccountNames != nil {
			intersect(selected, e.Inventory.AccountsByName(inc.AccountNames))
		}
		if inc.AccountTags != nil {
			intersect(selected, e.Inventory.AccountsByTag(inc.AccountTags))
		}
		if inc.OUIds != nil {
			intersect(selected, e.Inventory.AccountsByOU(inc.OUIds))
		}
		if inc.OUTags != nil {
			intersect(selected, e.Inventory.AccountsByOUTag(inc.OUTags))
		}
	}
	if exc := depBlock.Exclude; exc != nil {
		if exc.AccountIds != nil {
			subtract(selected, e.Inventory.AccountsByID(exc.AccountIds))
		}
		if exc.AccountNames != nil {
			subtract(selected, e.Inventory.AccountsByName(exc.AccountNames))
		}
		if exc.AccountTags != nil {
			subtract(selected, e.Inventory.AccountsByTag(exc.AccountTags))
		}
		if exc.OUIds != nil {
			subtract(selected, e.Inventory.AccountsByOU(exc.OUIds))
		}
		if exc.OUTags != nil {
			subtract(selected, e.Inventory.AccountsByOUTag(exc.OUTags))
		}
	}
	return sortedKeys(selected)
}

// selectRegions narrows the enabled regions of one account with the
// block's region predicates.
func (e *Expander) selectRegions(accountID string, depBlock pkgspec.DeploymentBlock) []string {
	selected := toSet(e.Inventory.AccountRegions(accountID, []string{inventory.AllEnabledSentinel}))
	if depBlock.Include != nil && depBlock.Include.Regions != nil {
		intersect(selected, e.Inventory.AccountRegions(accountID, depBlock.Include.Regions))
	}
	if depBlock.Exclude != nil && depBlock.Exclude.Regions != nil {
		subtract(selected, e.Inventory.AccountRegions(accountID, depBlock.Exclude.Regions))
	}
	return sortedKeys(selected)
}

// resolveDeployment substitutes the current-deployment keywords and
// validates the references for one expanded key.
func (e *Expander) resolveDeployment(key model.Key, vars map[string]any, outputRefs map[string]model.OutputRef, deps []model.Reference, hash string) (*model.TargetState, error) {
	variables, err := SubstituteVariables(vars, key.AccountID, key.Region)
	if err != nil {
		return nil, err
	}

	resolvedRefs := map[string]model.OutputRef{}
	for name, ref := range outputRefs {
		resolved, err := substituteOutputRef(ref, key.AccountID, key.Region)
		if err != nil {
			return nil, err
		}
		if !e.referenceExists(resolved.Module, resolved.AccountID, resolved.Region) {
			if resolved.IgnoreIfNotExists {
				continue
			}
			if _, ok := e.Modules[resolved.Module]; !ok {
				return nil, model.E(model.KindValidation,
					"%s references the output of unknown module %q", key, resolved.Module)
			}
		}
		resolvedRefs[name] = resolved
	}

	resolvedDeps := make([]model.Reference, 0, len(deps))
	for _, dep := range deps {
		resolved, err := substituteReference(dep, key.AccountID, key.Region)
		if err != nil {
			return nil, err
		}
		if !e.referenceExists(resolved.Module, resolved.AccountID, resolved.Region) {
			if resolved.IgnoreIfNotExists {
				continue
			}
			if _, ok := e.Modules[resolved.Module]; !ok {
				return nil, model.E(model.KindValidation,
					"%s depends on unknown module %q", key, resolved.Module)
			}
		}
		resolvedDeps = append(resolvedDeps, resolved)
	}

	return &model.TargetState{
		Variables:            variables,
		VariablesFromOutputs: resolvedRefs,
		Dependencies:         resolvedDeps,
		ModuleHash:           hash,
	}, nil
}

// referenceExists reports whether a reference target resolves against
// the discovered modules and the inventory. Unresolved references are
// dropped when flagged IgnoreIfNotExists, whatever the reason they do
// not resolve; an unknown module without the flag is fatal here, while
// an unknown account or region is left to graph validation, which
// tolerates missing sources for destroyed deployments.
func (e *Expander) referenceExists(module, accountID, region string) bool {
	if _, ok := e.Modules[module]; !ok {
		return false
	}
	return e.Inventory.AccountRegionExists(accountID, region)
}

// SubstituteConfig renders a module configuration for one deployment.
// The input is left untouched; substitution rebuilds every container.
func SubstituteConfig(cfg map[string]any, key model.Key) (map[string]any, error) {
	out, err := Substitute(cfg, key.AccountID, key.Region)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func mergeInto(dst map[string]any, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func intersect(set map[string]bool, keep []string) {
	allowed := toSet(keep)
	for item := range set {
		if !allowed[item] {
			delete(set, item)
		}
	}
}

func subtract(set map[string]bool, remove []string) {
	for _, item := range remove {
		delete(set, item)
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
