package runner

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Exec runs a host command (args[0] plus the rest) and returns its combined
// output. The command is killed when ctx is cancelled. Failures carry the
// exit error and any captured output.
func Exec(ctx context.Context, args []string) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("exec: no command given")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w (output: %s)", args[0], err, out)
	}
	return string(out), nil
}

// Sleep sleeps for the duration in args[0] (Go duration syntax) and returns
// the duration slept. Context-aware: a kill interrupts the sleep.
func Sleep(ctx context.Context, args []string) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sleep: want exactly one duration argument, got %d", len(args))
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
