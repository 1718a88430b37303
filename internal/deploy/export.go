package deploy

import (
	"github.com/orgdeploy-io/orgdeploy/internal/graph"
	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// AnalyzeChanges logs a summary of the pending work and reports
// whether any non-skipped change remains.
func (p *Package) AnalyzeChanges() bool {
	type counters struct{ pending, skipped int }
	byAction := map[model.Action]*counters{
		model.ActionCreate:            {},
		model.ActionUpdate:            {},
		model.ActionConditionalUpdate: {},
		model.ActionDestroy:           {},
	}
	pendingChanges := 0
	for _, step := range p.Graph.Steps() {
		if step.Action == model.ActionNone {
			continue
		}
		if step.Skip {
			byAction[step.Action].skipped++
		} else {
			byAction[step.Action].pending++
			pendingChanges++
		}
	}
	for _, entry := range []struct {
		action model.Action
		label  string
	}{
		{model.ActionCreate, "deployments to create"},
		{model.ActionUpdate, "deployments to update"},
		{model.ActionConditionalUpdate, "deployments that may need updates if the outputs on which they depend change"},
		{model.ActionDestroy, "deployments to destroy"},
	} {
		c := byAction[entry.action]
		if c.pending+c.skipped > 0 {
			logging.Info(entry.label, "pending", c.pending, "skipped_by_filters", c.skipped)
		}
	}
	if pendingChanges == 0 {
		logging.Info("no changes to be made during this run")
	}
	return pendingChanges > 0
}

func (p *Package) deploymentDict(key model.Key) map[string]any {
	return map[string]any{
		"Module":      key.Module,
		"AccountId":   key.AccountID,
		"Region":      key.Region,
		"AccountName": p.Inventory.AccountName(key.AccountID),
	}
}

// ExportChanges renders the reconciliation result for the output file:
// pending changes grouped by action, changes skipped by the CLI
// filters, and the deployments with nothing to do.
func (p *Package) ExportChanges() map[string]any {
	result := map[string]any{}
	appendTo := func(parent map[string]any, bucket string, item map[string]any) {
		list, _ := parent[bucket].([]map[string]any)
		parent[bucket] = append(list, item)
	}
	for _, step := range p.Graph.Steps() {
		key := step.Key
		item := map[string]any{"Deployment": p.deploymentDict(key)}
		cfg, err := p.ModuleConfigFor(key)
		if err == nil {
			item["ModuleConfig"] = cfg
		}
		if step.Action == model.ActionNone {
			if c, ok := p.Current.Get(key); ok {
				item["CurrentState"] = c
			}
			appendTo(result, "NoChanges", item)
			continue
		}
		category := "PendingChanges"
		if step.Skip {
			category = "PendingButSkippedChanges"
		}
		if _, ok := result[category]; !ok {
			result[category] = map[string]any{}
		}
		parent := result[category].(map[string]any)
		switch step.Action {
		case model.ActionCreate:
			item["TargetState"] = p.Target[key]
		case model.ActionDestroy:
			if c, ok := p.Current.Get(key); ok {
				item["CurrentState"] = c
			}
		default:
			if c, ok := p.Current.Get(key); ok {
				item["CurrentState"] = c
			}
			item["TargetState"] = p.Target[key]
		}
		appendTo(parent, step.Action.Export(), item)
	}
	return result
}

// AnalyzeResults logs the execution summary and reports whether any
// step resulted in changes and whether any failed.
func (p *Package) AnalyzeResults() (madeChanges, hasFailed bool) {
	completed, completedWithChanges, failed, pending := 0, 0, 0, 0
	for _, step := range p.Graph.Steps() {
		switch step.Status {
		case graph.StatusCompleted:
			completed++
			if step.MadeChanges {
				completedWithChanges++
			}
		case graph.StatusFailed:
			failed++
		case graph.StatusPending, graph.StatusOngoing:
			pending++
		}
	}
	logging.Info("execution summary", "completed", completed, "failed", failed, "pending", pending)
	return completedWithChanges > 0, failed > 0
}

// ExportResults renders the execution result for the output file.
// Steps are grouped by terminal status then by action; steps never
// reached because the run was interrupted appear under Pending.
func (p *Package) ExportResults() map[string]any {
	result := map[string]any{}
	for _, step := range p.Graph.Steps() {
		if step.Status == graph.StatusSkipped {
			continue
		}
		var status string
		switch step.Status {
		case graph.StatusCompleted:
			status = "Completed"
		case graph.StatusFailed:
			status = "Failed"
		default:
			status = "Pending"
		}
		if _, ok := result[status]; !ok {
			result[status] = map[string]any{}
		}
		parent := result[status].(map[string]any)

		item := map[string]any{
			"Deployment": p.deploymentDict(step.Key),
			"NbAttempts": step.NbAttempts,
		}
		if step.Result != "" {
			item["Result"] = step.Result
		}
		if step.DetailedResults != nil {
			item["DetailedResults"] = step.DetailedResults
		}
		if step.FailureKind != "" {
			item["FailureKind"] = string(step.FailureKind)
		}
		if step.Status == graph.StatusCompleted {
			item["ResultedInChanges"] = step.MadeChanges
			if p.Command == "apply" {
				if c, ok := p.Current.Get(step.Key); ok {
					item["Outputs"] = c.Outputs
				}
			}
		}
		list, _ := parent[step.Action.Export()].([]map[string]any)
		parent[step.Action.Export()] = append(list, item)
	}
	return result
}
