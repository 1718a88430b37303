package model

import "fmt"

// Key identifies a module deployment by its (module, account, region)
// triple. Keys are comparable and usable as map keys; the string form
// is used in logs and error messages.
type Key struct {
	Module    string `json:"Module" yaml:"Module"`
	AccountID string `json:"AccountId" yaml:"AccountId"`
	Region    string `json:"Region" yaml:"Region"`
}

func (k Key) String() string {
	return fmt.Sprintf("[%s,%s,%s]", k.Module, k.AccountID, k.Region)
}
