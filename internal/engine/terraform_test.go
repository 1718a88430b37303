package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

func terraformRequest(t *testing.T, command string, action model.Action) Request {
	t.Helper()
	moduleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(moduleDir, "main.tf"), []byte(`resource "aws_ssm_parameter" "p" {}`), 0o644))
	return Request{
		Key:                model.Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"},
		Command:            command,
		Action:             action,
		Variables:          map[string]any{"SSMParameterValue": "old"},
		ModuleConfig:       map[string]any{"AssumeRole": "arn:aws:iam::123456789012:role/deployer"},
		ModuleDir:          moduleDir,
		DeploymentCacheDir: t.TempDir(),
		EngineCacheDir:     t.TempDir(),
		Backend:            BackendConfig{Bucket: "state-bucket", Region: "eu-west-1", Prefix: "pkg/"},
	}
}

func TestTerraformPrepareApply(t *testing.T) {
	tf := &Terraform{}
	req := terraformRequest(t, "apply", model.ActionCreate)
	commands, err := tf.Prepare(req)
	require.NoError(t, err)

	// init, plan, show, apply, output
	require.Len(t, commands, 5)
	assert.Equal(t, "init", commands[0].Name)
	assert.Contains(t, commands[1].Args, "plan")
	assert.NotEmpty(t, commands[2].StdoutFile)
	assert.Contains(t, commands[3].Args, "-auto-approve")
	for _, c := range commands {
		assert.Equal(t, req.DeploymentCacheDir, c.Dir)
		assert.Equal(t, req.EngineCacheDir, c.Env["TF_PLUGIN_CACHE_DIR"])
		assert.False(t, c.AssumeRole, "the provider assumes the role itself")
	}

	// The module sources and the generated files are in place.
	for _, name := range []string{"main.tf", "terraform.tfvars.json", "orgdeploy.tf"} {
		_, err := os.Stat(filepath.Join(req.DeploymentCacheDir, name))
		assert.NoError(t, err, name)
	}
	overrides, err := os.ReadFile(filepath.Join(req.DeploymentCacheDir, "orgdeploy.tf"))
	require.NoError(t, err)
	assert.Contains(t, string(overrides), `bucket = "state-bucket"`)
	assert.Contains(t, string(overrides), "pkg/terraform/ssm-parameter/123456789012/eu-west-1/terraform.tfstate")
	assert.Contains(t, string(overrides), "role_arn")
}

func TestTerraformPreparePreviewHasNoApply(t *testing.T) {
	tf := &Terraform{}
	commands, err := tf.Prepare(terraformRequest(t, "preview", model.ActionUpdate))
	require.NoError(t, err)
	require.Len(t, commands, 3)
	for _, c := range commands {
		assert.NotContains(t, c.Args, "apply")
	}
}

func TestTerraformPrepareDestroySkipsSources(t *testing.T) {
	tf := &Terraform{}
	req := terraformRequest(t, "apply", model.ActionDestroy)
	commands, err := tf.Prepare(req)
	require.NoError(t, err)
	// init, plan, show, apply; no outputs for a destroy.
	require.Len(t, commands, 4)
	_, err = os.Stat(filepath.Join(req.DeploymentCacheDir, "main.tf"))
	assert.True(t, os.IsNotExist(err), "destroy must not copy the module sources")
}

func TestTerraformPostprocess(t *testing.T) {
	tf := &Terraform{}
	req := terraformRequest(t, "apply", model.ActionUpdate)
	planJSON := `{
		"resource_changes": [
			{"address": "aws_ssm_parameter.p", "change": {"actions": ["update"]}},
			{"address": "aws_ssm_parameter.q", "change": {"actions": ["create"]}},
			{"address": "aws_ssm_parameter.r", "change": {"actions": ["delete", "create"]}},
			{"address": "aws_ssm_parameter.s", "change": {"actions": ["no-op"]}}
		]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(req.DeploymentCacheDir, "plan.json"), []byte(planJSON), 0o644))
	outputsJSON := `{"SSMParameterID": {"sensitive": false, "value": "id-1"}}`
	require.NoError(t, os.WriteFile(filepath.Join(req.DeploymentCacheDir, "tf-outputs.json"), []byte(outputsJSON), 0o644))

	outcome, err := tf.Postprocess(req)
	require.NoError(t, err)
	assert.True(t, outcome.MadeChanges)
	assert.Equal(t, "1 resources added, 2 changed, 0 deleted", outcome.Result)
	assert.Equal(t, "id-1", outcome.Outputs["SSMParameterID"])
	assert.Equal(t, []string{"aws_ssm_parameter.q"}, outcome.DetailedResults["ResourcesAdded"])
}

func TestTerraformPostprocessPreview(t *testing.T) {
	tf := &Terraform{}
	req := terraformRequest(t, "preview", model.ActionUpdate)
	require.NoError(t, os.WriteFile(filepath.Join(req.DeploymentCacheDir, "plan.json"),
		[]byte(`{"resource_changes": []}`), 0o644))

	outcome, err := tf.Postprocess(req)
	require.NoError(t, err)
	assert.False(t, outcome.MadeChanges)
	assert.Equal(t, "0 resources to add, 0 to change, 0 to delete", outcome.Result)
	assert.Nil(t, outcome.Outputs)
}

func TestScriptPrepare(t *testing.T) {
	s := &Script{}
	req := Request{
		Key:                model.Key{Module: "job", AccountID: "123456789012", Region: "eu-west-1"},
		Command:            "apply",
		Action:             model.ActionCreate,
		Variables:          map[string]any{"v": "x"},
		ModuleConfig:       map[string]any{"AssumeRole": "arn:aws:iam::123456789012:role/deployer"},
		ModuleDir:          t.TempDir(),
		DeploymentCacheDir: t.TempDir(),
		EngineCacheDir:     t.TempDir(),
	}
	commands, err := s.Prepare(req)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "python3", commands[0].Args[0])
	assert.Equal(t, filepath.Join(req.ModuleDir, "main.py"), commands[0].Args[1])
	assert.Equal(t, req.DeploymentCacheDir, commands[0].Dir)
	assert.True(t, commands[0].AssumeRole)

	_, err = os.Stat(filepath.Join(req.DeploymentCacheDir, InputFilename))
	assert.NoError(t, err)
}
