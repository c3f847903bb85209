package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Local runs commands in a local shell. It backs single-node setups where
// meshadm runs on the machine being bootstrapped, and keeps tests off the
// network.
type Local struct {
	// Name appears in errors instead of a hostname. Defaults to "localhost".
	Name string
}

func (l *Local) node() string {
	if l.Name == "" {
		return "localhost"
	}
	return l.Name
}

// Run executes command with /bin/sh. See Executor for the error contract.
func (l *Local) Run(ctx context.Context, command string) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		if ctx.Err() != nil {
			return result, fmt.Errorf("command on %s interrupted: %w", l.node(), ctx.Err())
		}
		result.ExitCode = exitErr.ExitCode()
		return result, &ExitError{Node: l.node(), Command: command, Result: result}
	default:
		return result, fmt.Errorf("%w: %s: %v", ErrUnreachable, l.node(), err)
	}
}

// Upload writes content to path on the local filesystem.
func (l *Local) Upload(_ context.Context, content []byte, path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Close is a no-op.
func (l *Local) Close() error {
	return nil
}
