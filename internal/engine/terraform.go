package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// Terraform drives Terraform modules. The module sources are copied
// into the deployment cache directory, a generated override file wires
// the AWS provider and the S3 backend, and the plan JSON plus the
// output JSON are parsed back into the step outcome.
type Terraform struct{}

func (t *Terraform) Name() string { return "terraform" }

func (t *Terraform) DefaultHashPatterns() ([]string, []string) {
	return []string{"*.tf"}, nil
}

func (t *Terraform) ValidateModuleConfig(cfg map[string]any) error {
	if err := ValidateCommonConfig(cfg); err != nil {
		return err
	}
	if v, ok := cfg["TerraformExecutable"]; ok {
		if _, ok := v.(string); !ok {
			return model.E(model.KindValidation, "TerraformExecutable must be a string")
		}
	}
	return nil
}

func (t *Terraform) Prepare(req Request) ([]Command, error) {
	// For create and update, work on a copy of the module sources with
	// the variables rendered next to them. For destroy the directory
	// stays empty of templates: the target state holds no resources.
	if req.Action == model.ActionCreate || req.Action == model.ActionUpdate {
		if err := copyTree(req.ModuleDir, req.DeploymentCacheDir); err != nil {
			return nil, fmt.Errorf("failed to copy module sources: %w", err)
		}
		vars, err := json.MarshalIndent(req.Variables, "", "    ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode variables: %w", err)
		}
		varFile := filepath.Join(req.DeploymentCacheDir, "terraform.tfvars.json")
		if err := os.WriteFile(varFile, vars, 0o644); err != nil {
			return nil, err
		}
	}
	if err := t.writeOverrides(req); err != nil {
		return nil, err
	}

	exe := "terraform"
	if v, ok := req.ModuleConfig["TerraformExecutable"].(string); ok && v != "" {
		exe = v
	}
	commonEnv := map[string]string{
		"TF_PLUGIN_CACHE_DIR":                          req.EngineCacheDir,
		"TF_PLUGIN_CACHE_MAY_BREAK_DEPENDENCY_LOCK_FILE": "true",
		"TF_IN_AUTOMATION":                             "1",
	}
	command := func(name string, stdoutFile string, args ...string) Command {
		return Command{
			Name:       name,
			Args:       append([]string{exe}, append(args, "-no-color")...),
			Dir:        req.DeploymentCacheDir,
			Env:        commonEnv,
			StdoutFile: stdoutFile,
		}
	}

	commands := []Command{
		command("init", "", "init"),
		command("plan", "", "plan", "-out=tfplan"),
		command("get plan in JSON", filepath.Join(req.DeploymentCacheDir, "plan.json"), "show", "-json", "tfplan"),
	}
	if req.Command == "apply" {
		commands = append(commands, command("apply plan", "", "apply", "-auto-approve", "tfplan"))
		if req.Action == model.ActionCreate || req.Action == model.ActionUpdate {
			commands = append(commands,
				command("get outputs", filepath.Join(req.DeploymentCacheDir, "tf-outputs.json"), "output", "-json"))
		}
	}
	return commands, nil
}

// writeOverrides generates the AWS provider and S3 backend blocks. The
// provider assumes the module role itself so that the backend keeps the
// execution account's permissions on the state bucket.
func (t *Terraform) writeOverrides(req Request) error {
	var b strings.Builder
	b.WriteString("provider \"aws\" {\n")
	fmt.Fprintf(&b, "  region = %q\n", req.Key.Region)
	if role := AssumeRoleArn(req.ModuleConfig); role != "" {
		b.WriteString("  assume_role {\n")
		fmt.Fprintf(&b, "    role_arn     = %q\n", role)
		b.WriteString("    session_name = \"orgdeploy\"\n")
		b.WriteString("  }\n")
	}
	endpoints := EndpointUrls(req.ModuleConfig)
	if len(endpoints) > 0 {
		b.WriteString("  endpoints {\n")
		for service, url := range endpoints {
			fmt.Fprintf(&b, "    %s = %q\n", service, url)
		}
		b.WriteString("  }\n")
	}
	b.WriteString("}\n")
	b.WriteString("terraform {\n")
	b.WriteString("  backend \"s3\" {\n")
	fmt.Fprintf(&b, "    bucket = %q\n", req.Backend.Bucket)
	fmt.Fprintf(&b, "    region = %q\n", req.Backend.Region)
	stateKey := fmt.Sprintf("%sterraform/%s/%s/%s/terraform.tfstate",
		req.Backend.Prefix, req.Key.Module, req.Key.AccountID, req.Key.Region)
	fmt.Fprintf(&b, "    key = %q\n", stateKey)
	if url, ok := endpoints["s3"]; ok {
		fmt.Fprintf(&b, "    endpoint = %q\n", url)
		b.WriteString("    force_path_style = true\n")
	}
	if url, ok := endpoints["sts"]; ok {
		fmt.Fprintf(&b, "    sts_endpoint = %q\n", url)
	}
	b.WriteString("  }\n")
	b.WriteString("}\n")
	return os.WriteFile(filepath.Join(req.DeploymentCacheDir, "orgdeploy.tf"), []byte(b.String()), 0o644)
}

func (t *Terraform) Postprocess(req Request) (Outcome, error) {
	add, change, del, err := parsePlanChanges(filepath.Join(req.DeploymentCacheDir, "plan.json"))
	if err != nil {
		return Outcome{}, err
	}
	madeChanges := len(add)+len(change)+len(del) > 0

	if req.Command == "preview" {
		return Outcome{
			MadeChanges: madeChanges,
			Result: fmt.Sprintf("%d resources to add, %d to change, %d to delete",
				len(add), len(change), len(del)),
			DetailedResults: map[string]any{
				"ResourcesToAdd":    add,
				"ResourcesToChange": change,
				"ResourcesToDelete": del,
			},
		}, nil
	}

	var outputs map[string]any
	if req.Action == model.ActionCreate || req.Action == model.ActionUpdate {
		outputs, err = parseOutputValues(filepath.Join(req.DeploymentCacheDir, "tf-outputs.json"))
		if err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{
		MadeChanges: madeChanges,
		Result: fmt.Sprintf("%d resources added, %d changed, %d deleted",
			len(add), len(change), len(del)),
		DetailedResults: map[string]any{
			"ResourcesAdded":   add,
			"ResourcesChanged": change,
			"ResourcesDeleted": del,
		},
		Outputs: outputs,
	}, nil
}

// parsePlanChanges classifies the resource_changes of a Terraform plan
// JSON document. A delete-and-recreate pair counts as a change.
func parsePlanChanges(planFile string) (add, change, del []string, err error) {
	body, err := os.ReadFile(planFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read the plan JSON: %w", err)
	}
	var doc struct {
		ResourceChanges []struct {
			Address string `json:"address"`
			Change  struct {
				Actions []string `json:"actions"`
			} `json:"change"`
		} `json:"resource_changes"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("the plan JSON is malformed: %w", err)
	}
	add, change, del = []string{}, []string{}, []string{}
	for _, rc := range doc.ResourceChanges {
		actions := strings.Join(rc.Change.Actions, ",")
		switch actions {
		case "create":
			add = append(add, rc.Address)
		case "delete":
			del = append(del, rc.Address)
		case "update", "delete,create", "create,delete":
			change = append(change, rc.Address)
		}
	}
	return add, change, del, nil
}

// parseOutputValues flattens the `terraform output -json` document.
func parseOutputValues(outputFile string) (map[string]any, error) {
	body, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read the Terraform outputs: %w", err)
	}
	var doc map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("the Terraform outputs are malformed: %w", err)
	}
	outputs := make(map[string]any, len(doc))
	for name, out := range doc {
		outputs[name] = out.Value
	}
	return outputs, nil
}

// copyTree copies a directory recursively, replacing the destination.
func copyTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
