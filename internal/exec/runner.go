package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/orgdeploy-io/orgdeploy/internal/engine"
	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// Runner executes the commands an engine prepared, captures their
// output to per-step log files and relays the cancellation ladder to
// the running subprocess.
type Runner struct {
	LogsDir string
	Ladder  *Ladder
	Creds   *CredentialCache
}

// Run executes the commands sequentially and stops at the first
// failure. A non-zero exit, including one caused by a ladder signal,
// fails the step with a retriable engine failure; a subprocess that
// exits cleanly after a ladder signal, or is killed because the context
// was cancelled, fails it as interrupted.
func (r *Runner) Run(ctx context.Context, key model.Key, attempt int, roleArn string, commands []engine.Command) error {
	for _, command := range commands {
		if err := r.runCommand(ctx, key, attempt, roleArn, command); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runCommand(ctx context.Context, key model.Key, attempt int, roleArn string, command engine.Command) error {
	log := logging.Step(key)
	log.Debug("executing subprocess", "name", command.Name, "args", command.Args, "cwd", command.Dir)

	cmd := osexec.Command(command.Args[0], command.Args[1:]...)
	cmd.Dir = command.Dir
	cmd.Env = mergedEnv(command.Env)
	if command.AssumeRole && roleArn != "" {
		creds, err := r.Creds.Env(ctx, roleArn)
		if err != nil {
			return model.Wrap(model.KindEngineFailure, err, "cannot obtain credentials for the subprocess %q", command.Name)
		}
		cmd.Env = append(cmd.Env, envList(creds)...)
	}
	// Detach the subprocess from the CLI's process group so that a
	// terminal CTRL+C reaches it only through the ladder.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return model.Wrap(model.KindEngineFailure, err, "cannot start the subprocess %q", command.Name)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	sentInterrupt, sentTerminate := false, false
	var waitErr error
wait:
	for {
		if level := r.Ladder.Level(); level >= LevelInterruptProcesses && !sentInterrupt {
			_ = cmd.Process.Signal(os.Interrupt)
			sentInterrupt = true
		} else if level >= LevelTerminateProcesses && !sentTerminate {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			sentTerminate = true
		}
		select {
		case waitErr = <-done:
			break wait
		case <-r.Ladder.Changed():
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			r.writeLogs(key, command.Name, attempt, stdout.Bytes(), stderr.Bytes())
			return model.E(model.KindInterrupted, "the subprocess %q was aborted", command.Name)
		}
	}

	r.writeLogs(key, command.Name, attempt, stdout.Bytes(), stderr.Bytes())
	if command.StdoutFile != "" {
		if err := os.WriteFile(command.StdoutFile, stdout.Bytes(), 0o644); err != nil {
			return model.Wrap(model.KindEngineFailure, err, "cannot save the output of the subprocess %q", command.Name)
		}
	}
	if waitErr != nil {
		return model.Wrap(model.KindEngineFailure, waitErr,
			"the subprocess %q exited with a non-zero code", command.Name).AsRetriable()
	}
	if sentInterrupt || sentTerminate {
		return model.E(model.KindInterrupted, "the subprocess %q was interrupted", command.Name)
	}
	return nil
}

// writeLogs appends the captured subprocess output under
// <logs>/<module>/<account>/<region>/.
func (r *Runner) writeLogs(key model.Key, commandName string, attempt int, stdout, stderr []byte) {
	dir := filepath.Join(r.LogsDir, key.Module, key.AccountID, key.Region)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Step(key).Warn("cannot create the log directory", "error", err)
		return
	}
	for filename, content := range map[string][]byte{
		"stdout.log": stdout,
		"stderr.log": stderr,
	} {
		f, err := os.OpenFile(filepath.Join(dir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logging.Step(key).Warn("cannot write the subprocess logs", "error", err)
			continue
		}
		fmt.Fprintf(f, "################################\n")
		fmt.Fprintf(f, "# Subprocess %q - Attempt #%d\n", commandName, attempt)
		fmt.Fprintf(f, "################################\n")
		f.Write(content)
		fmt.Fprintln(f)
		f.Close()
	}
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	return append(env, envList(extra)...)
}

func envList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(vars))
	for _, key := range keys {
		list = append(list, key+"="+vars[key])
	}
	return list
}
