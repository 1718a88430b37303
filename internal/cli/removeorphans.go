package cli

import (
	"github.com/spf13/cobra"
)

var flagDryRun bool

var removeOrphansCmd = &cobra.Command{
	Use:   "remove-orphans",
	Short: "Remove orphaned module deployments from the package state",
	Long: `Remove the state records of deployments whose account no longer
exists in the organization or whose region is no longer enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := loadPackage(cmd.Context(), "remove-orphans")
		if err != nil {
			return err
		}
		orphans := pkg.RemoveOrphans(cmd.Context(), flagDryRun)
		dicts := make([]map[string]string, 0, len(orphans))
		for _, key := range orphans {
			dicts = append(dicts, map[string]string{
				"Module":    key.Module,
				"AccountId": key.AccountID,
				"Region":    key.Region,
			})
		}
		if err := writeOutput(map[string]any{"OrphanedDeployments": dicts},
			"the list of orphaned module deployments"); err != nil {
			return err
		}
		if len(orphans) > 0 && flagDetailedExitcode {
			return exitCodeError{code: 2}
		}
		return nil
	},
}

func init() {
	addDetailedExitcodeFlag(removeOrphansCmd)
	removeOrphansCmd.Flags().BoolVar(&flagDryRun, "dry-run", false,
		"Return the list of orphaned module deployments without making any changes")
}
