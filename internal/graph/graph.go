// Package graph builds and validates the directed graph of deployment
// steps and computes a deterministic scheduling order.
package graph

import (
	"sort"
	"strings"
	"time"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// Status of a step in the run lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the step has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Step is a runtime node: one pending action on one deployment key.
type Step struct {
	Key             model.Key
	Action          model.Action
	Skip            bool
	Status          Status
	NbAttempts      int
	MaxAttempts     int
	Delay           time.Duration
	WaitUntil       time.Time
	Result          string
	DetailedResults map[string]any
	MadeChanges     bool
	FailureKind     model.Kind
}

// Graph holds the steps of a run and their dependency edges. Edges
// point from a dependency to its dependent.
type Graph struct {
	steps map[model.Key]*Step
	preds map[model.Key]map[model.Key]bool
	succs map[model.Key]map[model.Key]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		steps: map[model.Key]*Step{},
		preds: map[model.Key]map[model.Key]bool{},
		succs: map[model.Key]map[model.Key]bool{},
	}
}

// AddStep adds a node for one deployment key. Keys are unique within a
// run.
func (g *Graph) AddStep(key model.Key, action model.Action, skip bool, maxAttempts int, delay time.Duration) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	g.steps[key] = &Step{
		Key:         key,
		Action:      action,
		Skip:        skip,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		Delay:       delay,
	}
	g.preds[key] = map[model.Key]bool{}
	g.succs[key] = map[model.Key]bool{}
}

// AddEdge records that `to` depends on `from`. A missing source is
// tolerated for destroy steps, whose dependencies need not exist
// anymore, and for references flagged IgnoreIfNotExists; otherwise the
// dependency can never be satisfied and the run must not start.
func (g *Graph) AddEdge(from, to model.Key, ignoreIfNotExists bool) error {
	toStep, ok := g.steps[to]
	if !ok {
		return model.E(model.KindUnmetDependencyMissing, "%s is not a step of this run", to)
	}
	if _, ok := g.steps[from]; !ok {
		if toStep.Action == model.ActionDestroy || ignoreIfNotExists {
			return nil
		}
		return model.E(model.KindUnmetDependencyMissing, "%s depends on %s which does not exist", to, from)
	}
	g.preds[to][from] = true
	g.succs[from][to] = true
	return nil
}

// Step returns the node for a key.
func (g *Graph) Step(key model.Key) *Step {
	return g.steps[key]
}

// Steps returns every step sorted by key.
func (g *Graph) Steps() []*Step {
	steps := make([]*Step, 0, len(g.steps))
	for _, step := range g.steps {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Key.String() < steps[j].Key.String() })
	return steps
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Predecessors returns the sorted dependencies of a step.
func (g *Graph) Predecessors(key model.Key) []model.Key {
	return sortedSet(g.preds[key])
}

// Successors returns the sorted dependents of a step.
func (g *Graph) Successors(key model.Key) []model.Key {
	return sortedSet(g.succs[key])
}

// Validate checks the graph against the planned action mix and marks
// actionless or filtered steps skipped. It must be called once, before
// scheduling.
func (g *Graph) Validate() error {
	if cycle := g.findCycle(); cycle != nil {
		parts := make([]string, len(cycle))
		for i, key := range cycle {
			parts[i] = key.String()
		}
		return model.E(model.KindCircularDependency,
			"The package contains circular dependencies: %s", strings.Join(parts, ">"))
	}
	if err := g.checkCreatable(); err != nil {
		return err
	}
	if err := g.checkDestroyable(); err != nil {
		return err
	}
	for _, step := range g.steps {
		if step.Action == model.ActionNone || step.Skip {
			step.Status = StatusSkipped
		}
	}
	return nil
}

// checkCreatable verifies that steps to create or update only depend on
// deployments that exist or will be created during this run.
func (g *Graph) checkCreatable() error {
	for _, to := range g.Steps() {
		switch to.Action {
		case model.ActionCreate, model.ActionUpdate, model.ActionConditionalUpdate:
		default:
			continue
		}
		if to.Skip {
			continue
		}
		for _, fromKey := range g.Predecessors(to.Key) {
			from := g.steps[fromKey]
			if from.Action == model.ActionDestroy && !from.Skip {
				return model.E(model.KindDependencyScheduledForDestroy,
					"%s must be deployed after %s which will be destroyed during this run", to.Key, fromKey)
			}
			if from.Action == model.ActionCreate && from.Skip {
				return model.E(model.KindUnmetDependencyMissing,
					"%s must be deployed after %s which has not yet been created and will not be created during this run", to.Key, fromKey)
			}
		}
	}
	return nil
}

// checkDestroyable verifies that steps to destroy are not depended on
// by deployments that remain after this run.
func (g *Graph) checkDestroyable() error {
	for _, from := range g.Steps() {
		if from.Action != model.ActionDestroy || from.Skip {
			continue
		}
		for _, toKey := range g.Successors(from.Key) {
			to := g.steps[toKey]
			if to.Action == model.ActionCreate && to.Skip {
				continue
			}
			if to.Action == model.ActionDestroy && !to.Skip {
				continue
			}
			return model.E(model.KindDependentRemainsAfterDestroy,
				"%s must be destroyed after %s which has not yet been destroyed and will not be destroyed during this run", from.Key, toKey)
		}
	}
	return nil
}

// findCycle runs a DFS and returns one cycle, or nil.
func (g *Graph) findCycle() []model.Key {
	const (
		white = iota
		grey
		black
	)
	color := map[model.Key]int{}
	var stack []model.Key
	var cycle []model.Key

	var visit func(key model.Key) bool
	visit = func(key model.Key) bool {
		color[key] = grey
		stack = append(stack, key)
		for _, next := range g.Successors(key) {
			if color[next] == grey {
				for i, onStack := range stack {
					if onStack == next {
						cycle = append([]model.Key{}, stack[i:]...)
						break
					}
				}
				return true
			}
			if color[next] == white && visit(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[key] = black
		return false
	}

	for _, step := range g.Steps() {
		if color[step.Key] == white && visit(step.Key) {
			return cycle
		}
	}
	return nil
}

// TopoOrder returns a deterministic topological order, ties broken by
// lexicographic key. It assumes Validate succeeded.
func (g *Graph) TopoOrder() []model.Key {
	indegree := map[model.Key]int{}
	for key, preds := range g.preds {
		indegree[key] = len(preds)
	}
	var ready []model.Key
	for key, deg := range indegree {
		if deg == 0 {
			ready = append(ready, key)
		}
	}

	order := make([]model.Key, 0, len(g.steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)
		for _, succ := range g.Successors(key) {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}
	return order
}

// HasUpstreamPendingChanges reports whether any dependency of the step
// still has changes pending or made: a create or destroy, or an update
// that resulted in changes. Used by the preview gate.
func (g *Graph) HasUpstreamPendingChanges(key model.Key) bool {
	for _, predKey := range g.Predecessors(key) {
		pred := g.steps[predKey]
		if pred.Skip {
			continue
		}
		switch pred.Action {
		case model.ActionCreate, model.ActionDestroy:
			return true
		case model.ActionUpdate, model.ActionConditionalUpdate:
			if pred.MadeChanges {
				return true
			}
		}
	}
	return false
}

// Complete marks a step completed with its outcome.
func (g *Graph) Complete(key model.Key, madeChanges bool, result string, detailed map[string]any) {
	step := g.steps[key]
	step.Status = StatusCompleted
	step.MadeChanges = madeChanges
	step.Result = result
	step.DetailedResults = detailed
}

// Fail records a failed attempt. When attempts remain and the failure
// is retriable the step goes back to pending with a wait deadline;
// otherwise it is terminal.
func (g *Graph) Fail(key model.Key, kind model.Kind, retriable bool, result string, detailed map[string]any) {
	step := g.steps[key]
	step.Result = result
	step.DetailedResults = detailed
	step.FailureKind = kind
	if retriable && step.NbAttempts < step.MaxAttempts {
		step.Status = StatusPending
		step.WaitUntil = time.Now().Add(step.Delay)
		return
	}
	step.Status = StatusFailed
}

func sortedSet(set map[model.Key]bool) []model.Key {
	keys := make([]model.Key, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
