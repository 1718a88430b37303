package cli

import (
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed modules and deployments to create, update or destroy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateScopeFlags(); err != nil {
			return err
		}
		pkg, err := loadPackage(cmd.Context(), "list")
		if err != nil {
			return err
		}
		if err := pkg.Init(flagForceUpdate); err != nil {
			return err
		}
		hasPending := pkg.AnalyzeChanges()
		if err := writeOutput(pkg.ExportChanges(), "the list of deployed modules and changes to be made"); err != nil {
			return err
		}
		if hasPending && flagDetailedExitcode {
			return exitCodeError{code: 2}
		}
		return nil
	},
}

func init() {
	addDetailedExitcodeFlag(listCmd)
	addScopeFlags(listCmd)
}
