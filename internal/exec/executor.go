// Package exec drives the deployment graph: a single supervisor owns
// every step and state mutation, a bounded pool of workers runs the
// engine subprocesses and reports back on a completion channel.
package exec

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/orgdeploy-io/orgdeploy/internal/deploy"
	"github.com/orgdeploy-io/orgdeploy/internal/engine"
	"github.com/orgdeploy-io/orgdeploy/internal/graph"
	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// Options configures a run.
type Options struct {
	// Command is "preview", "apply" or "update-hash".
	Command string
	// TempDir hosts the cache and log directories.
	TempDir string
	// Workers bounds the pool; at most Workers steps run at once.
	Workers int
	// KeepDeploymentCache leaves the per-step cache directories on
	// disk for troubleshooting.
	KeepDeploymentCache bool
	// SaveStateEvery enables periodic state checkpoints when positive.
	SaveStateEvery time.Duration
}

// task is a fully prepared unit of work. The supervisor resolves
// variables and configuration before dispatch so that workers never
// read shared state.
type task struct {
	key             model.Key
	action          model.Action
	attempt         int
	variables       map[string]any
	moduleConfig    map[string]any
	moduleDir       string
	engineName      string
	roleArn         string
	deploymentCache string
}

type taskResult struct {
	key     model.Key
	outcome engine.Outcome
	err     error
}

// Executor runs the pending steps of a package.
type Executor struct {
	pkg    *deploy.Package
	opts   Options
	ladder *Ladder
	runner *Runner

	runID           string
	topo            []model.Key
	engineCacheDirs map[string]string
	deploymentsRoot string
}

// New prepares the temporary directory layout for a run: one cache
// directory per engine shared across runs, a fresh deployments cache
// and a timestamped log directory.
func New(pkg *deploy.Package, opts Options, ladder *Ladder, creds *CredentialCache) (*Executor, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	cacheDir := filepath.Join(opts.TempDir, "cache")
	engineCacheDirs := map[string]string{}
	for name := range pkg.Engines {
		dir := filepath.Join(cacheDir, "engines", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		engineCacheDirs[name] = dir
	}
	deploymentsRoot := filepath.Join(cacheDir, "deployments")
	if err := os.RemoveAll(deploymentsRoot); err != nil {
		return nil, err
	}
	logsDir := filepath.Join(opts.TempDir, "logs", time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, err
	}
	return &Executor{
		pkg:             pkg,
		opts:            opts,
		ladder:          ladder,
		runner:          &Runner{LogsDir: logsDir, Ladder: ladder, Creds: creds},
		runID:           uuid.NewString(),
		engineCacheDirs: engineCacheDirs,
		deploymentsRoot: deploymentsRoot,
	}, nil
}

// Run drives the graph until every step is terminal, the ladder stops
// dispatch and the pool drains, or the context aborts the supervisor.
// The state store is flushed on every exit path.
func (e *Executor) Run(ctx context.Context) error {
	logging.Info("starting execution", "run", e.runID, "workers", e.opts.Workers, "command", e.opts.Command)
	e.topo = e.pkg.Graph.TopoOrder()

	e.pkg.Current.StartAutoSave(ctx, e.opts.SaveStateEvery)
	defer func() {
		e.pkg.Current.Stop()
		e.pkg.Save(context.WithoutCancel(ctx))
		if !e.opts.KeepDeploymentCache {
			os.RemoveAll(e.deploymentsRoot)
		}
	}()

	// Buffered so that workers can always deliver, even when the
	// supervisor aborts without draining.
	results := make(chan taskResult, e.opts.Workers)
	running := 0

	for {
		if e.ladder.Level() == LevelRun {
			for running < e.opts.Workers {
				t, ok := e.nextTask()
				if !ok {
					break
				}
				running++
				go e.executeTask(ctx, t, results)
			}
		}

		if running == 0 {
			if e.ladder.Level() != LevelRun || !e.hasPendingSteps() {
				break
			}
			// Every pending step is waiting on a retry deadline.
			select {
			case <-time.After(time.Second):
			case <-e.ladder.Changed():
			case <-ctx.Done():
				e.abort()
				return ctx.Err()
			}
			continue
		}

		select {
		case res := <-results:
			running--
			e.finish(res)
		case <-time.After(time.Second):
			// Wake up for retry deadlines.
		case <-e.ladder.Changed():
		case <-ctx.Done():
			e.abort()
			return ctx.Err()
		}
	}
	return nil
}

// nextTask scans the graph for the next dispatchable step, honoring
// the original ordering: destroys first in reverse topological order,
// then creates and updates forward. Steps whose neighbors failed are
// failed in place; conditional updates whose upstream outputs did not
// drift complete here without touching an engine.
func (e *Executor) nextTask() (task, bool) {
	now := time.Now()
	for i := len(e.topo) - 1; i >= 0; i-- {
		step := e.pkg.Graph.Step(e.topo[i])
		if step.Action != model.ActionDestroy || step.Status != graph.StatusPending || step.WaitUntil.After(now) {
			continue
		}
		if e.neighborFailed(e.pkg.Graph.Successors(step.Key)) {
			e.failUpstream(step.Key)
			continue
		}
		if !e.neighborsReady(e.pkg.Graph.Successors(step.Key)) {
			continue
		}
		if t, ok := e.dispatch(step); ok {
			return t, true
		}
	}
	for _, key := range e.topo {
		step := e.pkg.Graph.Step(key)
		switch step.Action {
		case model.ActionCreate, model.ActionUpdate, model.ActionConditionalUpdate:
		default:
			continue
		}
		if step.Status != graph.StatusPending || step.WaitUntil.After(now) {
			continue
		}
		if e.neighborFailed(e.pkg.Graph.Predecessors(step.Key)) {
			e.failUpstream(step.Key)
			continue
		}
		if !e.neighborsReady(e.pkg.Graph.Predecessors(step.Key)) {
			continue
		}
		if t, ok := e.dispatch(step); ok {
			return t, true
		}
	}
	return task{}, false
}

func (e *Executor) neighborFailed(keys []model.Key) bool {
	for _, key := range keys {
		if e.pkg.Graph.Step(key).Status == graph.StatusFailed {
			return true
		}
	}
	return false
}

func (e *Executor) neighborsReady(keys []model.Key) bool {
	for _, key := range keys {
		status := e.pkg.Graph.Step(key).Status
		if status != graph.StatusCompleted && status != graph.StatusSkipped {
			return false
		}
	}
	return true
}

func (e *Executor) failUpstream(key model.Key) {
	logging.Step(key).Error("failed because at least one dependency failed")
	e.pkg.Fail(key, model.KindUpstreamFailed, false, "Failed because at least one dependency failed", nil)
}

// dispatch marks a step ongoing and builds its task. Steps that
// resolve without engine work (preview gate, hash updates, unchanged
// conditional updates, unresolvable outputs) are finalized here and
// reported as not dispatchable.
func (e *Executor) dispatch(step *graph.Step) (task, bool) {
	key := step.Key
	step.Status = graph.StatusOngoing
	step.NbAttempts++
	log := logging.Step(key)

	// Previewing a step whose upstreams still have pending changes
	// would plan against a state that does not exist yet.
	if e.opts.Command == "preview" && step.Action != model.ActionDestroy &&
		e.pkg.Graph.HasUpstreamPendingChanges(key) {
		msg := "Unable to preview changes as this deployment is dependent on other deployments with pending changes"
		log.Error(msg)
		e.pkg.Fail(key, model.KindPreviewBlocked, false, msg, nil)
		return task{}, false
	}

	if e.opts.Command == "update-hash" {
		if e.pkg.UpdateHash(key) {
			log.Info("updated the value of the module hash")
		} else {
			log.Info("no action needed")
		}
		return task{}, false
	}

	action := step.Action
	if action != model.ActionDestroy {
		if err := e.pkg.ResolveOutputVariablesStrict(key); err != nil {
			log.Error("cannot resolve the upstream outputs", "error", err)
			e.pkg.Fail(key, model.KindUpstreamOutputMissing, false, "Failed", map[string]any{"ErrorMessage": err.Error()})
			return task{}, false
		}
	}
	if action == model.ActionConditionalUpdate {
		if !e.pkg.UpdateNeeded(key) {
			e.pkg.Graph.Complete(key, false,
				"No changes required because the dependent output values have not changed", nil)
			return task{}, false
		}
		action = model.ActionUpdate
	}

	moduleConfig, err := e.pkg.ModuleConfigFor(key)
	if err != nil {
		log.Error("cannot render the module configuration", "error", err)
		e.pkg.Fail(key, model.KindValidation, false, "Failed", map[string]any{"ErrorMessage": err.Error()})
		return task{}, false
	}
	module := e.pkg.Modules[key.Module]
	log.Info("starting", "action", action, "attempt", step.NbAttempts, "max_attempts", step.MaxAttempts)
	return task{
		key:             key,
		action:          action,
		attempt:         step.NbAttempts,
		variables:       e.pkg.StepVariables(key, action),
		moduleConfig:    moduleConfig,
		moduleDir:       module.Dir,
		engineName:      module.Engine,
		roleArn:         engine.AssumeRoleArn(moduleConfig),
		deploymentCache: filepath.Join(e.deploymentsRoot, key.Module, key.AccountID, key.Region),
	}, true
}

// executeTask runs on a worker: prepare, subprocess fan-out, then
// postprocess. The deployment cache directory lives exactly as long as
// the attempt unless the run keeps caches for troubleshooting.
func (e *Executor) executeTask(ctx context.Context, t task, results chan<- taskResult) {
	outcome, err := e.runEngine(ctx, t)
	results <- taskResult{key: t.key, outcome: outcome, err: err}
}

func (e *Executor) runEngine(ctx context.Context, t task) (engine.Outcome, error) {
	if err := os.MkdirAll(t.deploymentCache, 0o755); err != nil {
		return engine.Outcome{}, model.Wrap(model.KindEngineFailure, err, "cannot create the deployment cache directory")
	}
	if !e.opts.KeepDeploymentCache {
		defer os.RemoveAll(t.deploymentCache)
	}

	eng := e.pkg.Engines[t.engineName]
	req := engine.Request{
		Key:                t.key,
		Command:            e.opts.Command,
		Action:             t.action,
		Variables:          t.variables,
		ModuleConfig:       t.moduleConfig,
		ModuleDir:          t.moduleDir,
		DeploymentCacheDir: t.deploymentCache,
		EngineCacheDir:     e.engineCacheDirs[t.engineName],
		Backend: engine.BackendConfig{
			Bucket: e.pkg.Def.PackageConfiguration.S3Bucket,
			Region: e.pkg.Def.PackageConfiguration.S3Region,
			Prefix: e.pkg.Def.PackageConfiguration.S3Prefix,
		},
	}

	logging.Step(t.key).Debug("executing prepare")
	commands, err := eng.Prepare(req)
	if err != nil {
		return engine.Outcome{}, model.Wrap(model.KindEngineFailure, err, "prepare failed")
	}
	if err := e.runner.Run(ctx, t.key, t.attempt, t.roleArn, commands); err != nil {
		return engine.Outcome{}, err
	}
	logging.Step(t.key).Debug("executing postprocess")
	outcome, err := eng.Postprocess(req)
	if err != nil {
		return engine.Outcome{}, model.Wrap(model.KindEngineFailure, err, "postprocess failed").AsRetriable()
	}
	return outcome, nil
}

// finish folds a worker result back into the graph and the state
// store. It runs on the supervisor, which gives successors a
// consistent view of the state before they dispatch.
func (e *Executor) finish(res taskResult) {
	log := logging.Step(res.key)
	if res.err != nil {
		kind := model.KindOf(res.err)
		if kind == "" {
			kind = model.KindEngineFailure
		}
		log.Error("failed", "error", res.err)
		e.pkg.Fail(res.key, kind, model.IsRetriable(res.err), "Failed",
			map[string]any{"ErrorMessage": res.err.Error()})
		return
	}
	e.pkg.Complete(res.key, res.outcome.MadeChanges, res.outcome.Result,
		res.outcome.DetailedResults, res.outcome.Outputs)
	log.Info("completed", "result", res.outcome.Result)
}

// hasPendingSteps reports whether any step still waits to run.
func (e *Executor) hasPendingSteps() bool {
	for _, step := range e.pkg.Graph.Steps() {
		if step.Status == graph.StatusPending {
			return true
		}
	}
	return false
}

// abort marks the steps still running as interrupted. Their
// subprocesses are being killed by the context.
func (e *Executor) abort() {
	for _, step := range e.pkg.Graph.Steps() {
		if step.Status == graph.StatusOngoing {
			e.pkg.Fail(step.Key, model.KindInterrupted, false, "Interrupted", nil)
		}
	}
	logging.Warn("execution aborted")
}
