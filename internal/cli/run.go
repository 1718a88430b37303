package cli

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgdeploy-io/orgdeploy/internal/exec"
	"github.com/orgdeploy-io/orgdeploy/internal/logging"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Preview resources to add, update or delete when pending deployments are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExecution(cmd, "preview",
			`"preview" will determine which resources to add, update or delete if the pending deployments are applied`)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExecution(cmd, "apply",
			`"apply" will apply pending deployments, resulting in the creation, update or deletion of resources`)
	},
}

var updateHashCmd = &cobra.Command{
	Use:   "update-hash",
	Short: "Update the value of the module hash without redeploying",
	Long: `Rewrite the persisted module hash for deployments classified as
updates. This allows editing the module source code without needing to
update the deployments themselves.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExecution(cmd, "update-hash",
			`"update-hash" will update the value of the module hash for deployments to update`)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{previewCmd, applyCmd, updateHashCmd} {
		addDetailedExitcodeFlag(cmd)
		addScopeFlags(cmd)
		addExecutionFlags(cmd)
	}
	addSaveStateFlag(applyCmd)
	addSaveStateFlag(updateHashCmd)
}

// runExecution is the shared flow of preview, apply and update-hash:
// reconcile, confirm, schedule, export.
func runExecution(cmd *cobra.Command, command, banner string) error {
	if err := validateScopeFlags(); err != nil {
		return err
	}
	pkg, err := loadPackage(cmd.Context(), command)
	if err != nil {
		return err
	}
	if err := pkg.Init(flagForceUpdate); err != nil {
		return err
	}
	if !pkg.AnalyzeChanges() {
		return nil
	}
	logging.Info(banner)
	if !flagNonInteractive && !confirmScope() {
		return nil
	}

	creds, err := exec.NewCredentialCache(cmd.Context())
	if err != nil {
		return err
	}
	ladder := exec.NewLadder()
	executor, err := exec.New(pkg, exec.Options{
		Command:             command,
		TempDir:             flagTempDir,
		Workers:             pkg.Def.Workers(),
		KeepDeploymentCache: flagKeepCache,
		SaveStateEvery:      time.Duration(flagSaveStateEvery) * time.Second,
	}, ladder, creds)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	stopSignals := watchInterrupts(ladder, cancel)
	defer stopSignals()

	if err := executor.Run(ctx); err != nil {
		logging.Error("interrupted")
		return exitCodeError{code: 1}
	}

	madeChanges, hasFailed := pkg.AnalyzeResults()
	if err := writeOutput(pkg.ExportResults(), "the result of the execution"); err != nil {
		return err
	}
	if hasFailed {
		return exitCodeError{code: 1}
	}
	if madeChanges && flagDetailedExitcode {
		return exitCodeError{code: 2}
	}
	return nil
}

// watchInterrupts maps successive CTRL+C presses to the cancellation
// ladder: stop dispatching, interrupt subprocesses, terminate them,
// then abort the supervisor.
func watchInterrupts(ladder *exec.Ladder, abort context.CancelFunc) func() {
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, os.Interrupt)
	go func() {
		presses := 0
		for range signals {
			presses++
			switch presses {
			case 1:
				logging.Info("interrupted - waiting for current deployments to complete")
				ladder.Escalate(exec.LevelStopDispatch)
			case 2:
				logging.Info("interrupted - sending SIGINT to subprocesses")
				ladder.Escalate(exec.LevelInterruptProcesses)
			case 3:
				logging.Info("interrupted - sending SIGTERM to subprocesses")
				ladder.Escalate(exec.LevelTerminateProcesses)
			default:
				logging.Info("interrupted - forcing deployments to abort")
				ladder.Escalate(exec.LevelAbort)
				abort()
			}
		}
	}()
	return func() { signal.Stop(signals) }
}
