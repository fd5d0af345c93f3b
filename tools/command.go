package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
)

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, so a grandchild holding stdout open cannot outlive the timeout.
const waitDelay = 2 * time.Second

// RunCommandTool implements the tool for running shell commands.
type RunCommandTool struct {
	policy  *policy
	Timeout time.Duration
}

func (t *RunCommandTool) Name() string { return "RunCommand" }
func (t *RunCommandTool) Description() string {
	return fmt.Sprintf("Executes a shell command with a %s timeout. Args: command (string), working_directory (string, default '.').", t.timeout())
}

func (t *RunCommandTool) timeout() time.Duration {
	if t.Timeout <= 0 {
		return config.DefaultCommandTimeout
	}
	return t.Timeout
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]interface{}) Outcome {
	command, ok := stringArg(args, "command")
	if !ok {
		return Fail("missing or invalid 'command' argument")
	}
	workDir := stringArgOr(args, "working_directory", ".")
	if denied, ok := t.policy.checkCommand(command); !ok {
		return denied
	}

	timeout := t.timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(runCtx, command)
	cmd.Dir = workDir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Fail("Command timed out after %s: %s", timeout, command).
			With("timed_out", true)
	}
	if ctx.Err() != nil {
		return Fail("Command cancelled: %s", command)
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Fail("Failed to execute command '%s': %v", command, err)
		}
		code = exitErr.ExitCode()
	}

	report := formatCommandOutput(stdout.String(), stderr.String(), code)
	var out Outcome
	if code == 0 {
		out = Ok(report)
	} else {
		out = Fail("Command exited with code %d\n%s", code, report)
	}
	return out.
		With("return_code", code).
		With("stdout", stdout.String()).
		With("stderr", stderr.String())
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}

func formatCommandOutput(stdout, stderr string, code int) string {
	var parts []string
	if stdout != "" {
		parts = append(parts, "STDOUT:", strings.TrimRight(stdout, "\n"))
	}
	if stderr != "" {
		parts = append(parts, "STDERR:", strings.TrimRight(stderr, "\n"))
	}
	parts = append(parts, fmt.Sprintf("Return code: %d", code))
	return strings.Join(parts, "\n")
}
