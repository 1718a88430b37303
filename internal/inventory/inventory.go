// Package inventory models the organization's accounts, organizational
// units and enabled regions, and serves the lookups used for scope
// expansion.
package inventory

import (
	"path"
	"sort"
	"strings"
)

// AllEnabledSentinel selects every enabled region of an account.
const AllEnabledSentinel = "ALL_ENABLED"

// Account is one active account of the organization.
type Account struct {
	Name           string            `json:"Name"`
	ParentOUs      []string          `json:"ParentOUs"`
	Tags           map[string]string `json:"Tags"`
	EnabledRegions []string          `json:"EnabledRegions"`
}

// OU is one organizational unit.
type OU struct {
	Name string            `json:"Name"`
	Tags map[string]string `json:"Tags"`
}

// Inventory is the account/OU/region tree used for scope expansion.
// It has its own lifecycle, refreshed by age rather than run boundaries.
type Inventory struct {
	Accounts map[string]Account `json:"Accounts"`
	OUs      map[string]OU      `json:"OUs"`
}

// AllAccounts returns every account ID, sorted.
func (inv *Inventory) AllAccounts() []string {
	ids := make([]string, 0, len(inv.Accounts))
	for id := range inv.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AccountsByID returns the account IDs present both in the organization
// and in the given list.
func (inv *Inventory) AccountsByID(ids []string) []string {
	var result []string
	for _, id := range ids {
		if _, ok := inv.Accounts[id]; ok {
			result = append(result, id)
		}
	}
	return result
}

// AccountsByName returns the accounts whose name matches one of the
// given patterns. Matching is a case-sensitive glob with `*`.
func (inv *Inventory) AccountsByName(patterns []string) []string {
	var result []string
	for _, id := range inv.AllAccounts() {
		name := inv.Accounts[id].Name
		for _, pattern := range patterns {
			if ok, err := path.Match(pattern, name); err == nil && ok {
				result = append(result, id)
				break
			}
		}
	}
	return result
}

// AccountsByOU returns the accounts that belong to at least one of the
// given organizational units, at any depth.
func (inv *Inventory) AccountsByOU(ouIDs []string) []string {
	var result []string
	for _, id := range inv.AllAccounts() {
		for _, parent := range inv.Accounts[id].ParentOUs {
			if contains(ouIDs, parent) {
				result = append(result, id)
				break
			}
		}
	}
	return result
}

// AccountsByTag returns the accounts carrying every given KEY=VALUE tag.
func (inv *Inventory) AccountsByTag(tags []string) []string {
	var result []string
	for _, id := range inv.AllAccounts() {
		if hasAllTags(inv.Accounts[id].Tags, tags) {
			result = append(result, id)
		}
	}
	return result
}

// AccountsByOUTag returns the accounts that belong to at least one
// organizational unit carrying every given KEY=VALUE tag.
func (inv *Inventory) AccountsByOUTag(tags []string) []string {
	var result []string
	for _, id := range inv.AllAccounts() {
		for _, parent := range inv.Accounts[id].ParentOUs {
			if hasAllTags(inv.OUs[parent].Tags, tags) {
				result = append(result, id)
				break
			}
		}
	}
	return result
}

// AccountRegions returns the enabled regions of an account intersected
// with the given list; AllEnabledSentinel selects all of them.
func (inv *Inventory) AccountRegions(accountID string, regions []string) []string {
	enabled := inv.Accounts[accountID].EnabledRegions
	if contains(regions, AllEnabledSentinel) {
		return enabled
	}
	var result []string
	for _, region := range enabled {
		if contains(regions, region) {
			result = append(result, region)
		}
	}
	return result
}

// AllEnabledRegions returns the regions enabled in at least one account.
func (inv *Inventory) AllEnabledRegions() []string {
	seen := map[string]bool{}
	for _, account := range inv.Accounts {
		for _, region := range account.EnabledRegions {
			seen[region] = true
		}
	}
	regions := make([]string, 0, len(seen))
	for region := range seen {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// AccountName returns the name of an account, or "undefined" when the
// account is no longer active in the organization.
func (inv *Inventory) AccountName(accountID string) string {
	account, ok := inv.Accounts[accountID]
	if !ok {
		return "undefined"
	}
	return account.Name
}

// AccountRegionExists reports whether the account is active and the
// region enabled in it.
func (inv *Inventory) AccountRegionExists(accountID, region string) bool {
	account, ok := inv.Accounts[accountID]
	return ok && contains(account.EnabledRegions, region)
}

func hasAllTags(have map[string]string, want []string) bool {
	for _, tag := range want {
		key, value, ok := strings.Cut(tag, "=")
		if !ok || have[key] != value {
			return false
		}
	}
	return true
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
