package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meshadm/meshadm/internal/remote"
)

// ErrVerifyTimeout reports that a node did not become Ready within the
// verification window. The node may still converge on its own; the error
// distinguishes "slow" from "broken" for callers and for state reasons.
var ErrVerifyTimeout = errors.New("verification timed out")

// ErrMeshDown reports that the WireGuard interface is absent on a node.
// Bootstrap refuses to start in that case unless the mesh check is
// explicitly skipped.
var ErrMeshDown = errors.New("wireguard mesh interface not up")

// ErrControlPlaneUnavailable reports that worker joins cannot proceed
// because the control plane never reached a verified state.
var ErrControlPlaneUnavailable = errors.New("control plane not available")

// failureReason renders a compact reason for a node failure. It is what
// ends up in the state file and the status output.
func failureReason(err error) string {
	if exitErr, ok := remote.AsExitError(err); ok {
		return commandFailureReason(exitErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out: " + rootMessage(err)
	}
	return err.Error()
}

// commandFailureReason summarizes a failed remote command, keeping the
// tail of stderr so the reason stays useful without storing whole logs.
func commandFailureReason(exitErr *remote.ExitError) string {
	detail := strings.TrimSpace(exitErr.Result.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(exitErr.Result.Stdout)
	}
	if detail == "" {
		return fmt.Sprintf("command failed with exit code %d", exitErr.Result.ExitCode)
	}

	lines := strings.Split(detail, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return fmt.Sprintf("command failed with exit code %d: %s",
		exitErr.Result.ExitCode, strings.Join(lines, " / "))
}

// rootMessage unwraps to the innermost error message.
func rootMessage(err error) string {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err.Error()
		}
		err = unwrapped
	}
}
