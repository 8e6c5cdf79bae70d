// Package cmdutil runs short-lived external commands with a bounded
// timeout, so a hung child process can never block the control plane.
package cmdutil

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// TimeoutFast bounds the signal sent to the co-located engine process during
// nuclear resync — it must return quickly or be killed.
const TimeoutFast = 10 * time.Second

// Run executes a command with the given timeout, returning its combined
// output. If the command exceeds the timeout it is killed and an error is
// returned.
func Run(timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out after %v: %s %v", timeout, name, args)
	}
	return output, err
}

// RunFast executes a command with TimeoutFast (10s).
func RunFast(name string, args ...string) ([]byte, error) {
	return Run(TimeoutFast, name, args...)
}
