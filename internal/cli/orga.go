package cli

import (
	"github.com/spf13/cobra"

	"github.com/orgdeploy-io/orgdeploy/internal/pkgspec"
)

var orgaCmd = &cobra.Command{
	Use:   "orga",
	Short: "Export the account list and organization structure",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := pkgspec.Load(flagPackageFile)
		if err != nil {
			return err
		}
		_, inv, err := loadInventory(cmd.Context(), def)
		if err != nil {
			return err
		}
		return writeOutput(inv, "the account list and organization structure")
	},
}
