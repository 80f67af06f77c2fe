package host

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the host. With MaybeSudo set, non-root callers
// go through "sudo -n" so a missing credential fails instead of prompting.
type ExecRunner struct {
	MaybeSudo bool
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if !r.MaybeSudo || os.Geteuid() == 0 {
		return runCmdOutput(ctx, name, args...)
	}
	if !HasBinary("sudo") {
		return "", fmt.Errorf("sudo is required to run %s as non-root", name)
	}
	sudoArgs := append([]string{"-n", name}, args...)
	return runCmdOutput(ctx, "sudo", sudoArgs...)
}

func runCmdOutput(ctx context.Context, name string, args ...string) (string, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return "", fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}

	return stdout.String(), nil
}

func HasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
