// Package remote executes commands on cluster nodes.
//
// The Executor interface abstracts over SSH for real nodes and a local
// process runner for single-node or test setups. All bootstrap steps go
// through it, so everything above this package stays transport-agnostic.
package remote

import (
	"context"
	"os"
	"strings"
	"time"
)

// Result captures a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands and uploads files on a single node.
//
// Run returns a nil error only for exit code zero. A non-zero exit yields an
// *ExitError with the full Result attached; transport failures yield errors
// matching ErrUnreachable. Implementations must be safe for sequential use;
// callers do not share an Executor across goroutines.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
	Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error
	Close() error
}

// Script joins commands into a single strict shell script. Remote round
// trips are expensive over WAN links, so multi-command steps ship as one
// script that stops at the first failing line.
func Script(commands ...string) string {
	return "set -eu\n" + strings.Join(commands, "\n")
}

// quoteArg single-quotes s for POSIX shells.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
