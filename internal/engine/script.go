package engine

import (
	"path/filepath"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// Script runs an arbitrary per-module wrapper program. The wrapper
// reads the input envelope from its working directory and must write
// the output envelope back before exiting.
type Script struct{}

func (s *Script) Name() string { return "script" }

func (s *Script) DefaultHashPatterns() ([]string, []string) {
	return []string{"*"}, nil
}

func (s *Script) ValidateModuleConfig(cfg map[string]any) error {
	if err := ValidateCommonConfig(cfg); err != nil {
		return err
	}
	for _, field := range []string{"ScriptExecutable", "ScriptFile"} {
		if v, ok := cfg[field]; ok {
			if _, ok := v.(string); !ok {
				return model.E(model.KindValidation, "%s must be a string", field)
			}
		}
	}
	return nil
}

func (s *Script) Prepare(req Request) ([]Command, error) {
	if err := WriteInput(req.DeploymentCacheDir, Input{
		Deployment:         req.Key,
		Command:            req.Command,
		Action:             req.Action,
		Variables:          req.Variables,
		ModuleConfig:       req.ModuleConfig,
		ModulePath:         req.ModuleDir,
		DeploymentCacheDir: req.DeploymentCacheDir,
		EngineCacheDir:     req.EngineCacheDir,
	}); err != nil {
		return nil, err
	}

	exe := "python3"
	if v, ok := req.ModuleConfig["ScriptExecutable"].(string); ok && v != "" {
		exe = v
	}
	entry := "main.py"
	if v, ok := req.ModuleConfig["ScriptFile"].(string); ok && v != "" {
		entry = v
	}
	return []Command{{
		Name:       "run script",
		Args:       []string{exe, filepath.Join(req.ModuleDir, entry)},
		Dir:        req.DeploymentCacheDir,
		AssumeRole: true,
	}}, nil
}

func (s *Script) Postprocess(req Request) (Outcome, error) {
	return ReadOutput(req.DeploymentCacheDir)
}
