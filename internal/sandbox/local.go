package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/HatimBenzahra/agent/internal/domain"
)

// LocalRunner executes commands as subprocesses on the host. The workspace
// directory doubles as HOME so toolchains that write dotfiles stay inside
// the sandbox.
type LocalRunner struct{}

// NewLocalRunner creates a subprocess-backed runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run executes one shell command in workDir.
func (r *LocalRunner) Run(ctx context.Context, workspace, workDir, command string) (domain.CommandResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "HOME="+workspace, "PWD="+workDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return domain.CommandResult{
			Output:   "Command timed out",
			Success:  false,
			ExitCode: -1,
			Duration: duration,
		}, nil
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return domain.CommandResult{}, fmt.Errorf("run command: %w", err)
		}
	}

	return domain.CommandResult{
		Output:   output,
		Success:  exitCode == 0,
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Close is a no-op: subprocesses hold no per-project resources.
func (r *LocalRunner) Close(ctx context.Context, projectID string) error {
	return nil
}
