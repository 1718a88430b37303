package pkgspec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

const validDocument = `
PackageConfiguration:
  S3Bucket: my-bucket
  S3Region: eu-west-1
  S3Prefix: "prefix/"
  ConcurrentWorkers: 3
DefaultVariables:
  All:
    Env: prod
  terraform:
    TFSpecific: yes
Modules:
  ssm-parameter:
    Configuration:
      AssumeRole: arn:aws:iam::${CURRENT_ACCOUNT_ID}:role/deployer
      Retry:
        MaxAttempts: 2
        DelayBeforeRetrying: 5
    Variables:
      SSMParameterValue: "old-${CURRENT_ACCOUNT_ID}-${CURRENT_REGION}"
    Deployments:
      - Include:
          AccountIds: ["123456789012"]
          Regions: [eu-west-1, us-east-1]
        Dependencies:
          - Module: vpc
            AccountId: "123456789012"
            Region: ${CURRENT_REGION}
  vpc:
    Deployments: []
`

func TestParseValidDocument(t *testing.T) {
	def, err := Parse(strings.NewReader(validDocument))
	require.NoError(t, err)

	assert.Equal(t, "my-bucket", def.PackageConfiguration.S3Bucket)
	assert.Equal(t, 3, def.Workers())
	assert.Equal(t, DefaultOrgaCacheExpiration, def.OrgaCacheTTL())
	require.Contains(t, def.Modules, "ssm-parameter")
	require.Contains(t, def.Modules, "vpc")

	blocks := def.Modules["ssm-parameter"].DeploymentBlocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, []string{"123456789012"}, blocks[0].Include.AccountIds)
	require.Len(t, blocks[0].Dependencies, 1)
	assert.Equal(t, "${CURRENT_REGION}", blocks[0].Dependencies[0].Region)

	// An empty Deployments list is valid and distinct from an absent key.
	assert.Empty(t, def.Modules["vpc"].DeploymentBlocks())
}

func TestParseRejectsUnknownProperty(t *testing.T) {
	doc := `
PackageConfiguration:
  S3Bucket: my-bucket
  S3Region: eu-west-1
  SomethingElse: true
Modules:
  vpc:
    Deployments: []
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestParseRejectsMissingBucket(t *testing.T) {
	doc := `
PackageConfiguration:
  S3Region: eu-west-1
Modules:
  vpc:
    Deployments: []
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestParseRejectsMissingDeployments(t *testing.T) {
	doc := `
PackageConfiguration:
  S3Bucket: my-bucket
  S3Region: eu-west-1
Modules:
  vpc:
    Variables:
      a: 1
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Deployments")
}

func TestParseRejectsBadAccountID(t *testing.T) {
	doc := `
PackageConfiguration:
  S3Bucket: my-bucket
  S3Region: eu-west-1
Modules:
  vpc:
    Deployments:
      - Include:
          AccountIds: ["not-an-account"]
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestParseRejectsIncompleteOutputRef(t *testing.T) {
	doc := `
PackageConfiguration:
  S3Bucket: my-bucket
  S3Region: eu-west-1
Modules:
  vpc:
    Deployments:
      - VariablesFromOutputs:
          VarKey:
            Module: other
            AccountId: "123456789012"
            Region: eu-west-1
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OutputName")
}

func TestParseRejectsBadPrefix(t *testing.T) {
	doc := `
PackageConfiguration:
  S3Bucket: my-bucket
  S3Region: eu-west-1
  S3Prefix: "no-trailing-slash"
Modules:
  vpc:
    Deployments: []
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}
