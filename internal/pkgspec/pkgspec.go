// Package pkgspec loads and validates the package definition file.
package pkgspec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

const (
	// DefaultConcurrentWorkers bounds the scheduler pool when the
	// package configuration leaves ConcurrentWorkers unset.
	DefaultConcurrentWorkers = 10

	// DefaultOrgaCacheExpiration is the inventory cache TTL in seconds
	// when OrgaCacheExpiration is unset.
	DefaultOrgaCacheExpiration = 300
)

// PackageConfiguration holds package-wide settings.
type PackageConfiguration struct {
	S3Bucket                 string `yaml:"S3Bucket" validate:"required,min=3"`
	S3Region                 string `yaml:"S3Region" validate:"required,min=3"`
	S3Prefix                 string `yaml:"S3Prefix" validate:"omitempty,endswith=/"`
	ConcurrentWorkers        int    `yaml:"ConcurrentWorkers" validate:"omitempty,min=1,max=50"`
	AssumeOrgaRoleArn        string `yaml:"AssumeOrgaRoleArn"`
	OrgaCacheExpiration      *int   `yaml:"OrgaCacheExpiration" validate:"omitempty,min=0"`
	OverrideAccountNameByTag string `yaml:"OverrideAccountNameByTag"`
}

// ScopeFilter selects or rejects accounts and regions for one
// deployment block.
type ScopeFilter struct {
	AccountIds   []string `yaml:"AccountIds" validate:"omitempty,dive,account_id"`
	AccountNames []string `yaml:"AccountNames"`
	AccountTags  []string `yaml:"AccountTags" validate:"omitempty,dive,tag_kv"`
	OUIds        []string `yaml:"OUIds"`
	OUTags       []string `yaml:"OUTags" validate:"omitempty,dive,tag_kv"`
	Regions      []string `yaml:"Regions"`
}

// DeploymentBlock is one item of a module's Deployments list.
type DeploymentBlock struct {
	Include              *ScopeFilter               `yaml:"Include"`
	Exclude              *ScopeFilter               `yaml:"Exclude"`
	Variables            map[string]any             `yaml:"Variables"`
	VariablesFromOutputs map[string]model.OutputRef `yaml:"VariablesFromOutputs"`
	Dependencies         []model.Reference          `yaml:"Dependencies"`
}

// ModuleBlock declares the deployments of one module. Deployments is a
// pointer so that an absent key (invalid) can be told apart from a
// present empty list (valid, destroys every deployment of the module).
type ModuleBlock struct {
	Configuration        map[string]any             `yaml:"Configuration"`
	Variables            map[string]any             `yaml:"Variables"`
	VariablesFromOutputs map[string]model.OutputRef `yaml:"VariablesFromOutputs"`
	Deployments          *[]DeploymentBlock         `yaml:"Deployments" validate:"omitempty,dive"`
}

// DeploymentBlocks returns the declared deployment blocks.
func (m *ModuleBlock) DeploymentBlocks() []DeploymentBlock {
	if m.Deployments == nil {
		return nil
	}
	return *m.Deployments
}

// Definition is the parsed package definition file.
type Definition struct {
	PackageConfiguration       PackageConfiguration      `yaml:"PackageConfiguration"`
	DefaultModuleConfiguration map[string]map[string]any `yaml:"DefaultModuleConfiguration"`
	DefaultVariables           map[string]map[string]any `yaml:"DefaultVariables"`
	Modules                    map[string]*ModuleBlock   `yaml:"Modules" validate:"omitempty,dive"`
}

// Workers returns the configured worker count or the default.
func (d *Definition) Workers() int {
	if d.PackageConfiguration.ConcurrentWorkers > 0 {
		return d.PackageConfiguration.ConcurrentWorkers
	}
	return DefaultConcurrentWorkers
}

// OrgaCacheTTL returns the inventory cache expiration in seconds.
func (d *Definition) OrgaCacheTTL() int {
	if d.PackageConfiguration.OrgaCacheExpiration != nil {
		return *d.PackageConfiguration.OrgaCacheExpiration
	}
	return DefaultOrgaCacheExpiration
}

var (
	accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)
	tagPattern       = regexp.MustCompile(`^.+=.+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("account_id", func(fl validator.FieldLevel) bool {
		return accountIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("tag_kv", func(fl validator.FieldLevel) bool {
		return tagPattern.MatchString(fl.Field().String())
	})
	return v
}

// Load reads, parses and validates the package definition file.
// Unknown properties anywhere in the document are rejected.
func Load(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.Wrap(model.KindValidation, err, "cannot open the package definition file %s", path)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a package definition document.
func Parse(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, model.Wrap(model.KindValidation, err, "the package definition YAML file is invalid")
	}
	if err := def.check(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) check() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			v := verrs[0]
			return model.E(model.KindValidation,
				"the package definition YAML file is invalid - %s failed the %q constraint", v.Namespace(), v.Tag())
		}
		return model.Wrap(model.KindValidation, err, "the package definition YAML file is invalid")
	}
	if len(d.Modules) == 0 {
		return model.E(model.KindValidation, "the package definition YAML file is invalid - Modules is required")
	}
	for name, mod := range d.Modules {
		if mod == nil || mod.Deployments == nil {
			return model.E(model.KindValidation,
				"the package definition YAML file is invalid - module %q must define Deployments (an empty list is allowed)", name)
		}
		if err := checkOutputRefs(fmt.Sprintf("module %q", name), mod.VariablesFromOutputs); err != nil {
			return err
		}
		for i, block := range mod.DeploymentBlocks() {
			where := fmt.Sprintf("module %q deployment block %d", name, i)
			if err := checkOutputRefs(where, block.VariablesFromOutputs); err != nil {
				return err
			}
			for _, dep := range block.Dependencies {
				if dep.Module == "" || dep.AccountID == "" || dep.Region == "" {
					return model.E(model.KindValidation,
						"the package definition YAML file is invalid - %s has a dependency missing Module, AccountId or Region", where)
				}
			}
		}
	}
	return nil
}

func checkOutputRefs(where string, refs map[string]model.OutputRef) error {
	for varName, ref := range refs {
		if ref.Module == "" || ref.AccountID == "" || ref.Region == "" || ref.OutputName == "" {
			return model.E(model.KindValidation,
				"the package definition YAML file is invalid - %s variable %q must set Module, AccountId, Region and OutputName", where, varName)
		}
	}
	return nil
}
