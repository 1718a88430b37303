package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// Names of the files exchanged with wrapper subprocesses. They are the
// sole channel between the supervisor and the subprocess.
const (
	InputFilename  = "input.json"
	OutputFilename = "output.json"
)

// Input is the input.json envelope handed to wrapper subprocesses.
type Input struct {
	Deployment         model.Key      `json:"Deployment"`
	Command            string         `json:"Command"`
	Action             model.Action   `json:"Action"`
	Variables          map[string]any `json:"Variables"`
	ModuleConfig       map[string]any `json:"ModuleConfig"`
	ModulePath         string         `json:"ModulePath"`
	DeploymentCacheDir string         `json:"DeploymentCacheDir"`
	EngineCacheDir     string         `json:"EngineCacheDir"`
}

// Output is the output.json envelope produced by wrapper subprocesses.
type Output struct {
	MadeChanges     bool           `json:"MadeChanges"`
	Result          string         `json:"Result"`
	DetailedResults map[string]any `json:"DetailedResults"`
	Outputs         map[string]any `json:"Outputs"`
}

// WriteInput writes the input envelope into the deployment cache dir.
func WriteInput(dir string, in Input) error {
	body, err := json.MarshalIndent(in, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", InputFilename, err)
	}
	return os.WriteFile(filepath.Join(dir, InputFilename), body, 0o644)
}

// ReadOutput reads the output envelope from the deployment cache dir.
func ReadOutput(dir string) (Outcome, error) {
	body, err := os.ReadFile(filepath.Join(dir, OutputFilename))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read %s: %w", OutputFilename, err)
	}
	var out Output
	if err := json.Unmarshal(body, &out); err != nil {
		return Outcome{}, fmt.Errorf("%s is malformed: %w", OutputFilename, err)
	}
	return Outcome{
		MadeChanges:     out.MadeChanges,
		Result:          out.Result,
		DetailedResults: out.DetailedResults,
		Outputs:         out.Outputs,
	}, nil
}
