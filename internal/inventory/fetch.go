package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/account"
	accounttypes "github.com/aws/aws-sdk-go-v2/service/account/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/orgdeploy-io/orgdeploy/internal/logging"
)

// fetchConcurrency bounds the per-account tag and region lookups.
const fetchConcurrency = 10

type organizationsAPI interface {
	ListAccounts(ctx context.Context, in *organizations.ListAccountsInput, opts ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error)
	ListRoots(ctx context.Context, in *organizations.ListRootsInput, opts ...func(*organizations.Options)) (*organizations.ListRootsOutput, error)
	ListChildren(ctx context.Context, in *organizations.ListChildrenInput, opts ...func(*organizations.Options)) (*organizations.ListChildrenOutput, error)
	ListTagsForResource(ctx context.Context, in *organizations.ListTagsForResourceInput, opts ...func(*organizations.Options)) (*organizations.ListTagsForResourceOutput, error)
	DescribeOrganizationalUnit(ctx context.Context, in *organizations.DescribeOrganizationalUnitInput, opts ...func(*organizations.Options)) (*organizations.DescribeOrganizationalUnitOutput, error)
}

type accountAPI interface {
	ListRegions(ctx context.Context, in *account.ListRegionsInput, opts ...func(*account.Options)) (*account.ListRegionsOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Fetcher queries AWS Organizations for the account/OU/region tree.
type Fetcher struct {
	orgs            organizationsAPI
	accounts        accountAPI
	sts             stsAPI
	overrideNameTag string
}

// NewAWSFetcher builds a Fetcher on the ambient credential chain,
// assuming roleArn first when it is set.
func NewAWSFetcher(ctx context.Context, roleArn, overrideNameTag string) (*Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	if roleArn != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleArn,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = "orgdeploy-" + uuid.NewString()[:8]
			})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return &Fetcher{
		orgs:            organizations.NewFromConfig(cfg),
		accounts:        account.NewFromConfig(cfg),
		sts:             sts.NewFromConfig(cfg),
		overrideNameTag: overrideNameTag,
	}, nil
}

// Fetch walks the organization: active accounts, their parent OU
// chains, tags and enabled regions, then the OUs' names and tags.
func (f *Fetcher) Fetch(ctx context.Context) (*Inventory, error) {
	logging.Info("querying the organization for accounts and organizational units")

	identity, err := f.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve the caller identity: %w", err)
	}
	managementAccountID := aws.ToString(identity.Account)

	accounts, err := f.listActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if err := f.resolveParentOUs(ctx, accounts); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	err = forEachConcurrently(ids, fetchConcurrency, func(id string) error {
		return f.describeAccount(ctx, id, managementAccountID, accounts)
	})
	if err != nil {
		return nil, err
	}

	ous, err := f.describeOUs(ctx, accounts)
	if err != nil {
		return nil, err
	}
	inv := &Inventory{Accounts: map[string]Account{}, OUs: ous}
	for id, acct := range accounts {
		inv.Accounts[id] = *acct
	}
	logging.Info("found accounts and organizational units",
		"accounts", len(inv.Accounts), "ous", len(inv.OUs))
	return inv, nil
}

func (f *Fetcher) listActiveAccounts(ctx context.Context) (map[string]*Account, error) {
	accounts := map[string]*Account{}
	var next *string
	for {
		page, err := f.orgs.ListAccounts(ctx, &organizations.ListAccountsInput{NextToken: next})
		if err != nil {
			return nil, fmt.Errorf("failed to list the organization accounts: %w", err)
		}
		for _, acct := range page.Accounts {
			if acct.Status != orgtypes.AccountStatusActive {
				continue
			}
			accounts[aws.ToString(acct.Id)] = &Account{
				Name: aws.ToString(acct.Name),
				Tags: map[string]string{},
			}
		}
		if page.NextToken == nil {
			return accounts, nil
		}
		next = page.NextToken
	}
}

// resolveParentOUs browses the organization recursively and records the
// OU chain of every account, nearest parent first.
func (f *Fetcher) resolveParentOUs(ctx context.Context, accounts map[string]*Account) error {
	roots, err := f.orgs.ListRoots(ctx, &organizations.ListRootsInput{})
	if err != nil {
		return fmt.Errorf("failed to list the organization roots: %w", err)
	}

	var browse func(ouID string, parents []string) error
	browse = func(ouID string, parents []string) error {
		chain := append([]string{ouID}, parents...)
		children, err := f.listChildren(ctx, ouID, orgtypes.ChildTypeAccount)
		if err != nil {
			return err
		}
		for _, child := range children {
			if acct, ok := accounts[child]; ok {
				acct.ParentOUs = chain
			}
		}
		childOUs, err := f.listChildren(ctx, ouID, orgtypes.ChildTypeOrganizationalUnit)
		if err != nil {
			return err
		}
		for _, child := range childOUs {
			if err := browse(child, chain); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range roots.Roots {
		if err := browse(aws.ToString(root.Id), nil); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) listChildren(ctx context.Context, parentID string, childType orgtypes.ChildType) ([]string, error) {
	var ids []string
	var next *string
	for {
		page, err := f.orgs.ListChildren(ctx, &organizations.ListChildrenInput{
			ParentId:  aws.String(parentID),
			ChildType: childType,
			NextToken: next,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list the children of %s: %w", parentID, err)
		}
		for _, child := range page.Children {
			ids = append(ids, aws.ToString(child.Id))
		}
		if page.NextToken == nil {
			return ids, nil
		}
		next = page.NextToken
	}
}

// describeAccount fills the tags and enabled regions of one account.
// The management account must be queried without an AccountId.
func (f *Fetcher) describeAccount(ctx context.Context, id, managementAccountID string, accounts map[string]*Account) error {
	acct := accounts[id]
	tags, err := f.listTags(ctx, id)
	if err != nil {
		return err
	}
	acct.Tags = tags
	if f.overrideNameTag != "" {
		if name, ok := tags[f.overrideNameTag]; ok {
			acct.Name = name
		}
	}

	in := &account.ListRegionsInput{
		RegionOptStatusContains: []accounttypes.RegionOptStatus{
			accounttypes.RegionOptStatusEnabled,
			accounttypes.RegionOptStatusEnabledByDefault,
		},
	}
	if id != managementAccountID {
		in.AccountId = aws.String(id)
	}
	var regions []string
	for {
		page, err := f.accounts.ListRegions(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to list the regions of account %s: %w", id, err)
		}
		for _, region := range page.Regions {
			regions = append(regions, aws.ToString(region.RegionName))
		}
		if page.NextToken == nil {
			break
		}
		in.NextToken = page.NextToken
	}
	sort.Strings(regions)
	acct.EnabledRegions = regions
	return nil
}

func (f *Fetcher) describeOUs(ctx context.Context, accounts map[string]*Account) (map[string]OU, error) {
	seen := map[string]bool{}
	var ouIDs []string
	for _, acct := range accounts {
		for _, ouID := range acct.ParentOUs {
			if !seen[ouID] {
				seen[ouID] = true
				ouIDs = append(ouIDs, ouID)
			}
		}
	}
	sort.Strings(ouIDs)

	ous := map[string]OU{}
	var mu sync.Mutex
	err := forEachConcurrently(ouIDs, fetchConcurrency, func(ouID string) error {
		name := "root"
		if len(ouID) > 3 && ouID[:3] == "ou-" {
			out, err := f.orgs.DescribeOrganizationalUnit(ctx, &organizations.DescribeOrganizationalUnitInput{
				OrganizationalUnitId: aws.String(ouID),
			})
			if err != nil {
				return fmt.Errorf("failed to describe the organizational unit %s: %w", ouID, err)
			}
			name = aws.ToString(out.OrganizationalUnit.Name)
		}
		tags, err := f.listTags(ctx, ouID)
		if err != nil {
			return err
		}
		mu.Lock()
		ous[ouID] = OU{Name: name, Tags: tags}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ous, nil
}

func (f *Fetcher) listTags(ctx context.Context, resourceID string) (map[string]string, error) {
	tags := map[string]string{}
	var next *string
	for {
		page, err := f.orgs.ListTagsForResource(ctx, &organizations.ListTagsForResourceInput{
			ResourceId: aws.String(resourceID),
			NextToken:  next,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list the tags of %s: %w", resourceID, err)
		}
		for _, tag := range page.Tags {
			tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
		if page.NextToken == nil {
			return tags, nil
		}
		next = page.NextToken
	}
}

// forEachConcurrently processes items with a bounded pool and returns
// the first error.
func forEachConcurrently(items []string, concurrency int, fn func(string) error) error {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, item := range items {
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := fn(item); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(item)
	}
	wg.Wait()
	return firstErr
}
