// Package cli wires the orgdeploy commands.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgdeploy-io/orgdeploy/internal/logging"
)

var (
	flagPackageFile      string
	flagOutputFile       string
	flagTempDir          string
	flagForceOrgaRefresh bool
	flagDebug            bool
)

var rootCmd = &cobra.Command{
	Use:   "orgdeploy",
	Short: "Deploy infrastructure-as-code at the scale of an organization",
	Long: `orgdeploy expands a package definition against the accounts and
regions of an AWS organization, reconciles the resulting deployments
against the persisted state, and executes the pending changes with
pluggable engines under a bounded concurrent scheduler.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "info"
		if flagDebug {
			level = "debug"
		}
		logging.Init(level)
	},
}

// exitCodeError carries a process exit code through RunE.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			return exit.code
		}
		logging.Error(err.Error())
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagPackageFile, "package-file", "p", "package.yaml",
		"Location of the package definition YAML file")
	rootCmd.PersistentFlags().StringVarP(&flagOutputFile, "output-file", "o", "output.json",
		"Location of the JSON file to which the command output details are written")
	rootCmd.PersistentFlags().StringVar(&flagTempDir, "temp-dir", ".orgdeploy",
		"Location of the folder that stores cache and detailed log files")
	rootCmd.PersistentFlags().BoolVar(&flagForceOrgaRefresh, "force-orga-refresh", false,
		"Ignore the inventory cache and query the organization again")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false,
		"Increase log verbosity for debugging")

	rootCmd.AddCommand(orgaCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(updateHashCmd)
	rootCmd.AddCommand(removeOrphansCmd)
}
