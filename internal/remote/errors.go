package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnreachable marks transport-level failures: the node could not be
// dialed, the connection dropped mid-command, or the session could not be
// opened. These are the only remote errors worth retrying.
var ErrUnreachable = errors.New("node unreachable")

// ExitError reports a command that ran to completion with a non-zero exit
// code. It is never retried; the remote stderr is preserved verbatim so the
// operator sees what the node saw.
type ExitError struct {
	Node    string
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command failed on %s (exit %d): %s", e.Node, e.Result.ExitCode, e.Command)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += "\nstderr: " + stderr
	}
	return msg
}

// IsUnreachable reports whether err stems from a transport failure rather
// than a failing command.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// AsExitError extracts an *ExitError from err's chain.
func AsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}
