package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgdeploy-io/orgdeploy/internal/deploy"
	"github.com/orgdeploy-io/orgdeploy/internal/engine"
	"github.com/orgdeploy-io/orgdeploy/internal/inventory"
	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
	"github.com/orgdeploy-io/orgdeploy/internal/modules"
	"github.com/orgdeploy-io/orgdeploy/internal/pkgspec"
	"github.com/orgdeploy-io/orgdeploy/internal/plan"
	"github.com/orgdeploy-io/orgdeploy/internal/store"
)

// Flags shared by the run-scoped commands.
var (
	flagDetailedExitcode bool
	flagForceUpdate      bool
	flagNonInteractive   bool
	flagKeepCache        bool
	flagSaveStateEvery   int

	flagIncludeModules      []string
	flagIncludeRegions      []string
	flagIncludeAccountIDs   []string
	flagIncludeAccountTags  []string
	flagIncludeAccountNames []string
	flagIncludeOUIDs        []string
	flagIncludeOUTags       []string
	flagExcludeModules      []string
	flagExcludeRegions      []string
	flagExcludeAccountIDs   []string
	flagExcludeAccountTags  []string
	flagExcludeAccountNames []string
	flagExcludeOUIDs        []string
	flagExcludeOUTags       []string
)

func addDetailedExitcodeFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flagDetailedExitcode, "detailed-exitcode", false,
		"Exit code is 0 if succeeded with no changes to be made, 1 if error, 2 if succeeded with changes present")
}

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&flagForceUpdate, "force-update", "f", false,
		"Force module redeployment even when the module hash and variables are unchanged")
	cmd.Flags().StringSliceVar(&flagIncludeModules, "include-modules", nil, "Include only certain modules")
	cmd.Flags().StringSliceVar(&flagIncludeRegions, "include-regions", nil, "Include only certain regions")
	cmd.Flags().StringSliceVar(&flagIncludeAccountIDs, "include-account-ids", nil, "Include only certain account IDs")
	cmd.Flags().StringSliceVar(&flagIncludeAccountTags, "include-account-tags", nil, "Include only the accounts with certain KEY=VALUE tags")
	cmd.Flags().StringSliceVar(&flagIncludeAccountNames, "include-account-names", nil, "Include only certain account names, wildcards allowed")
	cmd.Flags().StringSliceVar(&flagIncludeOUIDs, "include-ou-ids", nil, "Include only certain organizational unit IDs")
	cmd.Flags().StringSliceVar(&flagIncludeOUTags, "include-ou-tags", nil, "Include only the organizational units with certain KEY=VALUE tags")
	cmd.Flags().StringSliceVar(&flagExcludeModules, "exclude-modules", nil, "Exclude certain modules")
	cmd.Flags().StringSliceVar(&flagExcludeRegions, "exclude-regions", nil, "Exclude certain regions")
	cmd.Flags().StringSliceVar(&flagExcludeAccountIDs, "exclude-account-ids", nil, "Exclude certain account IDs")
	cmd.Flags().StringSliceVar(&flagExcludeAccountTags, "exclude-account-tags", nil, "Exclude the accounts with certain KEY=VALUE tags")
	cmd.Flags().StringSliceVar(&flagExcludeAccountNames, "exclude-account-names", nil, "Exclude certain account names, wildcards allowed")
	cmd.Flags().StringSliceVar(&flagExcludeOUIDs, "exclude-ou-ids", nil, "Exclude certain organizational unit IDs")
	cmd.Flags().StringSliceVar(&flagExcludeOUTags, "exclude-ou-tags", nil, "Exclude the organizational units with certain KEY=VALUE tags")
}

func addExecutionFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flagNonInteractive, "non-interactive", false,
		"Do not ask to review and confirm the deployment scope")
	cmd.Flags().BoolVar(&flagKeepCache, "keep-deployment-cache", false,
		"Keep temporary files created during module deployment to enable troubleshooting")
}

func addSaveStateFlag(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagSaveStateEvery, "save-state-every-seconds", 0,
		"Save the package state periodically during execution to recover from an abrupt interruption")
}

var (
	accountIDFlagPattern = regexp.MustCompile(`^[0-9]{12}$`)
	tagFlagPattern       = regexp.MustCompile(`^.+=.+$`)
)

func validateScopeFlags() error {
	for _, id := range append(append([]string{}, flagIncludeAccountIDs...), flagExcludeAccountIDs...) {
		if !accountIDFlagPattern.MatchString(id) {
			return model.E(model.KindValidation, "invalid account ID %q: must be a 12-digit string", id)
		}
	}
	tags := append(append([]string{}, flagIncludeAccountTags...), flagExcludeAccountTags...)
	tags = append(append(tags, flagIncludeOUTags...), flagExcludeOUTags...)
	for _, tag := range tags {
		if !tagFlagPattern.MatchString(tag) {
			return model.E(model.KindValidation, "invalid tag predicate %q: must be KEY=VALUE", tag)
		}
	}
	if flagSaveStateEvery < 0 {
		return model.E(model.KindValidation, "--save-state-every-seconds must not be negative")
	}
	return nil
}

// loadInventory builds the object store and loads the inventory,
// honoring the cache TTL.
func loadInventory(ctx context.Context, def *pkgspec.Definition) (store.ObjectStore, *inventory.Inventory, error) {
	cfg := def.PackageConfiguration
	objects, err := store.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix)
	if err != nil {
		return nil, nil, err
	}
	service := &inventory.Service{
		Objects: objects,
		TTL:     time.Duration(def.OrgaCacheTTL()) * time.Second,
		Fetch: func(ctx context.Context) (*inventory.Inventory, error) {
			fetcher, err := inventory.NewAWSFetcher(ctx, cfg.AssumeOrgaRoleArn, cfg.OverrideAccountNameByTag)
			if err != nil {
				return nil, err
			}
			return fetcher.Fetch(ctx)
		},
	}
	inv, err := service.Load(ctx, flagForceOrgaRefresh)
	if err != nil {
		return nil, nil, err
	}
	return objects, inv, nil
}

// loadPackage loads everything a run-scoped command needs: definition,
// modules, inventory and persisted state.
func loadPackage(ctx context.Context, command string) (*deploy.Package, error) {
	def, err := pkgspec.Load(flagPackageFile)
	if err != nil {
		return nil, err
	}
	engines := engine.All()
	packageDir, err := filepath.Abs(filepath.Dir(flagPackageFile))
	if err != nil {
		return nil, err
	}
	mods, err := modules.Discover(packageDir, engines)
	if err != nil {
		return nil, err
	}
	objects, inv, err := loadInventory(ctx, def)
	if err != nil {
		return nil, err
	}
	state, err := store.LoadState(ctx, objects)
	if err != nil {
		return nil, err
	}
	pkg := &deploy.Package{
		Def:       def,
		Modules:   mods,
		Engines:   engines,
		Inventory: inv,
		Current:   state,
		Command:   command,
	}
	pkg.Filters = buildFilters(pkg)
	return pkg, nil
}

// buildFilters intersects the CLI scope filters with the package
// scope, exactly like the package-level include/exclude predicates.
func buildFilters(pkg *deploy.Package) *plan.Filters {
	mods := map[string]bool{}
	for name := range pkg.Modules {
		mods[name] = true
	}
	if flagIncludeModules != nil {
		intersectSet(mods, flagIncludeModules)
	}
	for _, name := range flagExcludeModules {
		delete(mods, name)
	}

	accounts := map[string]bool{}
	for _, id := range pkg.Inventory.AllAccounts() {
		accounts[id] = true
	}
	inv := pkg.Inventory
	if flagIncludeAccountIDs != nil {
		intersectSet(accounts, inv.AccountsByID(flagIncludeAccountIDs))
	}
	if flagIncludeAccountNames != nil {
		intersectSet(accounts, inv.AccountsByName(flagIncludeAccountNames))
	}
	if flagIncludeAccountTags != nil {
		intersectSet(accounts, inv.AccountsByTag(flagIncludeAccountTags))
	}
	if flagIncludeOUIDs != nil {
		intersectSet(accounts, inv.AccountsByOU(flagIncludeOUIDs))
	}
	if flagIncludeOUTags != nil {
		intersectSet(accounts, inv.AccountsByOUTag(flagIncludeOUTags))
	}
	for _, id := range inv.AccountsByID(flagExcludeAccountIDs) {
		delete(accounts, id)
	}
	for _, id := range inv.AccountsByName(flagExcludeAccountNames) {
		delete(accounts, id)
	}
	for _, id := range inv.AccountsByTag(flagExcludeAccountTags) {
		delete(accounts, id)
	}
	for _, id := range inv.AccountsByOU(flagExcludeOUIDs) {
		delete(accounts, id)
	}
	for _, id := range inv.AccountsByOUTag(flagExcludeOUTags) {
		delete(accounts, id)
	}

	regions := map[string]bool{}
	for _, region := range inv.AllEnabledRegions() {
		regions[region] = true
	}
	if flagIncludeRegions != nil {
		intersectSet(regions, flagIncludeRegions)
	}
	for _, region := range flagExcludeRegions {
		delete(regions, region)
	}

	return &plan.Filters{Modules: mods, AccountIDs: accounts, Regions: regions}
}

func intersectSet(set map[string]bool, keep []string) {
	allowed := map[string]bool{}
	for _, item := range keep {
		allowed[item] = true
	}
	for item := range set {
		if !allowed[item] {
			delete(set, item)
		}
	}
}

// confirmScope asks the user to confirm the deployment scope.
func confirmScope() bool {
	fmt.Print(`Enter "yes" to confirm the deployment scope (use the command "list" for details): `)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return scanner.Text() == "yes"
}

// writeOutput writes the output document of a command to disk.
func writeOutput(content any, description string) error {
	logging.Info("exporting "+description, "file", flagOutputFile)
	body, err := json.MarshalIndent(content, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(flagOutputFile, body, 0o644)
}
