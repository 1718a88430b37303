package expand

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgdeploy-io/orgdeploy/internal/engine"
	"github.com/orgdeploy-io/orgdeploy/internal/inventory"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
	"github.com/orgdeploy-io/orgdeploy/internal/modules"
	"github.com/orgdeploy-io/orgdeploy/internal/pkgspec"
)

func testInventory() *inventory.Inventory {
	return &inventory.Inventory{
		Accounts: map[string]inventory.Account{
			"123456789012": {
				Name:           "app-prod",
				ParentOUs:      []string{"r-root"},
				Tags:           map[string]string{"Env": "prod"},
				EnabledRegions: []string{"eu-west-1", "us-east-1"},
			},
			"210987654321": {
				Name:           "app-dev",
				ParentOUs:      []string{"r-root"},
				Tags:           map[string]string{"Env": "dev"},
				EnabledRegions: []string{"eu-west-1"},
			},
		},
		OUs: map[string]inventory.OU{
			"r-root": {Name: "root", Tags: map[string]string{}},
		},
	}
}

func testExpander(t *testing.T, doc string) *Expander {
	t.Helper()
	def, err := pkgspec.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	return &Expander{
		Def: def,
		Modules: map[string]*modules.Module{
			"ssm-parameter": {Name: "ssm-parameter", Engine: "script", Hash: "hash-ssm"},
			"vpc":           {Name: "vpc", Engine: "terraform", Hash: "hash-vpc"},
		},
		Engines:   engine.All(),
		Inventory: testInventory(),
	}
}

const header = `
PackageConfiguration:
  S3Bucket: my-bucket
  S3Region: eu-west-1
`

func TestExpandScopeAndKeywords(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Variables:
      SSMParameterValue: "old-${CURRENT_ACCOUNT_ID}-${CURRENT_REGION}"
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1, us-east-1]
`)
	target, err := e.Expand()
	require.NoError(t, err)
	require.Len(t, target.Deployments, 2)

	key := model.Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"}
	ts := target.Deployments[key]
	require.NotNil(t, ts)
	assert.Equal(t, "old-123456789012-eu-west-1", ts.Variables["SSMParameterValue"])
	assert.Equal(t, "hash-ssm", ts.ModuleHash)

	key.Region = "us-east-1"
	assert.Equal(t, "old-123456789012-us-east-1", target.Deployments[key].Variables["SSMParameterValue"])
}

func TestExpandEmptyIncludeSelectsEverything(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Deployments:
      - Variables:
          a: 1
`)
	target, err := e.Expand()
	require.NoError(t, err)
	// 2 regions for the prod account, 1 for the dev account.
	assert.Len(t, target.Deployments, 3)
}

func TestExpandExcludeSubtracts(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Deployments:
      - Exclude:
          AccountTags: ["Env=dev"]
          Regions: [us-east-1]
`)
	target, err := e.Expand()
	require.NoError(t, err)
	require.Len(t, target.Deployments, 1)
	key := model.Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"}
	assert.Contains(t, target.Deployments, key)
}

func TestExpandLaterBlockOverrides(t *testing.T) {
	e := testExpander(t, header+`
DefaultVariables:
  All:
    Layer: default
Modules:
  ssm-parameter:
    Variables:
      Layer: module
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1]
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1]
        Variables:
          Layer: block
`)
	target, err := e.Expand()
	require.NoError(t, err)
	key := model.Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"}
	assert.Equal(t, "block", target.Deployments[key].Variables["Layer"])
}

func TestExpandUnknownKeywordFails(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Variables:
      Bad: "${CURRENT_COLOR}"
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
`)
	_, err := e.Expand()
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
	assert.Contains(t, err.Error(), "CURRENT_COLOR")
}

func TestExpandUnknownModuleReferenceFails(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1]
        Dependencies:
          - Module: nonexistent
            AccountId: "123456789012"
            Region: eu-west-1
`)
	_, err := e.Expand()
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestExpandUnknownModuleReferenceDroppedWhenIgnored(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1]
        Dependencies:
          - Module: nonexistent
            AccountId: "123456789012"
            Region: eu-west-1
            IgnoreIfNotExists: true
        VariablesFromOutputs:
          VarKey:
            Module: nonexistent
            AccountId: "123456789012"
            Region: eu-west-1
            OutputName: Id
            IgnoreIfNotExists: true
`)
	target, err := e.Expand()
	require.NoError(t, err)
	key := model.Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"}
	ts := target.Deployments[key]
	require.NotNil(t, ts)
	assert.Empty(t, ts.Dependencies)
	assert.Empty(t, ts.VariablesFromOutputs)
}

func TestExpandIgnoreIfNotExistsDropsReference(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1]
        Dependencies:
          - Module: vpc
            AccountId: "999999999999"
            Region: eu-west-1
            IgnoreIfNotExists: true
        VariablesFromOutputs:
          VpcId:
            Module: vpc
            AccountId: "999999999999"
            Region: eu-west-1
            OutputName: VpcId
            IgnoreIfNotExists: true
`)
	target, err := e.Expand()
	require.NoError(t, err)
	key := model.Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"}
	ts := target.Deployments[key]
	assert.Empty(t, ts.Dependencies)
	assert.Empty(t, ts.VariablesFromOutputs)
}

func TestExpandKeywordsInReferences(t *testing.T) {
	e := testExpander(t, header+`
Modules:
  ssm-parameter:
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1]
        Dependencies:
          - Module: vpc
            AccountId: ${CURRENT_ACCOUNT_ID}
            Region: ${CURRENT_REGION}
  vpc:
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1]
`)
	target, err := e.Expand()
	require.NoError(t, err)
	key := model.Key{Module: "ssm-parameter", AccountID: "123456789012", Region: "eu-west-1"}
	deps := target.Deployments[key].Dependencies
	require.Len(t, deps, 1)
	assert.Equal(t, model.Key{Module: "vpc", AccountID: "123456789012", Region: "eu-west-1"}, deps[0].Key())
}

func TestSubstituteConfig(t *testing.T) {
	cfg := map[string]any{
		"AssumeRole": "arn:aws:iam::${CURRENT_ACCOUNT_ID}:role/deployer",
		"Retry":      map[string]any{"MaxAttempts": 2},
	}
	key := model.Key{Module: "m", AccountID: "123456789012", Region: "eu-west-1"}
	out, err := SubstituteConfig(cfg, key)
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::123456789012:role/deployer", out["AssumeRole"])
	// The original configuration is untouched.
	assert.Equal(t, "arn:aws:iam::${CURRENT_ACCOUNT_ID}:role/deployer", cfg["AssumeRole"])
}
