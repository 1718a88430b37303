package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/orgdeploy-io/orgdeploy/internal/logging"
)

// credentialTTL is how long the temporary credentials of one role are
// shared between workers before a fresh AssumeRole.
const credentialTTL = 5 * time.Minute

// credentialDuration is the lifetime requested for the temporary
// credentials themselves.
const credentialDuration = int32(3600)

type stsAssumeAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, opts ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type cachedCredentials struct {
	env       map[string]string
	createdAt time.Time
}

// CredentialCache hands out temporary credentials for engine
// subprocesses: one AssumeRole per role per TTL window, behind a lock
// so parallel workers never race on the same role.
type CredentialCache struct {
	mu     sync.Mutex
	client stsAssumeAPI
	cache  map[string]cachedCredentials
}

// NewCredentialCache builds a cache on the ambient credential chain.
func NewCredentialCache(ctx context.Context) (*CredentialCache, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return &CredentialCache{
		client: sts.NewFromConfig(cfg),
		cache:  map[string]cachedCredentials{},
	}, nil
}

// Env returns the credential environment variables for a role.
func (c *CredentialCache) Env(ctx context.Context, roleArn string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[roleArn]; ok && time.Since(cached.createdAt) < credentialTTL {
		return cached.env, nil
	}
	logging.Debug("assuming the IAM role", "role", roleArn)
	out, err := c.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleArn),
		RoleSessionName: aws.String("orgdeploy-" + uuid.NewString()[:8]),
		DurationSeconds: aws.Int32(credentialDuration),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assume the IAM role %s: %w", roleArn, err)
	}
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     aws.ToString(out.Credentials.AccessKeyId),
		"AWS_SECRET_ACCESS_KEY": aws.ToString(out.Credentials.SecretAccessKey),
		"AWS_SESSION_TOKEN":     aws.ToString(out.Credentials.SessionToken),
	}
	c.cache[roleArn] = cachedCredentials{env: env, createdAt: time.Now()}
	return env, nil
}
