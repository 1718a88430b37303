// Package engine defines the contract between the scheduler and the
// pluggable IaC engines, and ships the built-in implementations.
package engine

import "github.com/orgdeploy-io/orgdeploy/internal/model"

// Command describes one subprocess an engine wants executed. Commands
// returned by Prepare run sequentially; a non-zero exit fails the step.
type Command struct {
	// Name is a friendly label used in logs and log file headers.
	Name string
	// Args is the full argv, executable first.
	Args []string
	// Dir is the working directory.
	Dir string
	// Env holds additional environment variables merged over the
	// parent environment.
	Env map[string]string
	// AssumeRole requests temporary credentials for the module's
	// AssumeRole to be injected into the subprocess environment.
	AssumeRole bool
	// StdoutFile, when set, receives a copy of the subprocess stdout.
	StdoutFile string
}

// Outcome is the result of a step as reported by an engine.
type Outcome struct {
	MadeChanges     bool
	Result          string
	DetailedResults map[string]any
	Outputs         map[string]any
}

// BackendConfig locates the object store that persists package data.
// Engines that keep their own remote state derive its location from it.
type BackendConfig struct {
	Bucket string
	Region string
	Prefix string
}

// Request carries everything an engine needs to prepare or post-process
// one step.
type Request struct {
	Key                model.Key
	Command            string
	Action             model.Action
	Variables          map[string]any
	ModuleConfig       map[string]any
	ModuleDir          string
	DeploymentCacheDir string
	EngineCacheDir     string
	Backend            BackendConfig
}

// Engine turns a deployment step into local subprocess invocations.
// Implementations must be safe for concurrent use: Prepare and
// Postprocess are called from parallel workers.
type Engine interface {
	Name() string

	// DefaultHashPatterns returns the include and exclude glob
	// patterns used to compute module hashes when a module has no
	// hash configuration of its own.
	DefaultHashPatterns() (include, exclude []string)

	// ValidateModuleConfig rejects invalid module configuration before
	// any step runs.
	ValidateModuleConfig(cfg map[string]any) error

	// Prepare writes input files into the deployment cache directory
	// and returns the subprocesses to run.
	Prepare(req Request) ([]Command, error)

	// Postprocess parses the files produced by the subprocesses and
	// returns the step outcome.
	Postprocess(req Request) (Outcome, error)
}
