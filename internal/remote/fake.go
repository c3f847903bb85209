package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// FakeUpload records one Upload call.
type FakeUpload struct {
	Content []byte
	Mode    os.FileMode
}

type fakeRule struct {
	match   string
	once    bool
	respond func(command string) (Result, error)
}

// Fake is a scripted Executor for tests. Unmatched commands succeed with an
// empty Result; rules registered via Respond and friends override that, first
// match wins. All calls are recorded.
type Fake struct {
	mu       sync.Mutex
	Node     string
	Commands []string
	Uploads  map[string]FakeUpload
	Closed   bool
	rules    []fakeRule
}

func NewFake(node string) *Fake {
	return &Fake{
		Node:    node,
		Uploads: make(map[string]FakeUpload),
	}
}

// Respond makes every command containing match return the given result.
func (f *Fake) Respond(match string, result Result, err error) {
	f.addRule(fakeRule{match: match, respond: func(string) (Result, error) {
		return result, err
	}})
}

// RespondOnce is Respond for a single invocation; later matches fall through
// to the next rule or the default.
func (f *Fake) RespondOnce(match string, result Result, err error) {
	f.addRule(fakeRule{match: match, once: true, respond: func(string) (Result, error) {
		return result, err
	}})
}

// FailOnce makes the next command containing match fail with an *ExitError.
func (f *Fake) FailOnce(match string, exitCode int, stderr string) {
	f.addRule(fakeRule{match: match, once: true, respond: func(command string) (Result, error) {
		result := Result{ExitCode: exitCode, Stderr: stderr}
		return result, &ExitError{Node: f.Node, Command: command, Result: result}
	}})
}

// UnreachableOnce makes the next command containing match fail with a
// transport error.
func (f *Fake) UnreachableOnce(match string) {
	f.addRule(fakeRule{match: match, once: true, respond: func(string) (Result, error) {
		return Result{}, fmt.Errorf("%w: %s: connection refused", ErrUnreachable, f.Node)
	}})
}

func (f *Fake) addRule(r fakeRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, r)
}

func (f *Fake) Run(ctx context.Context, command string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	f.mu.Lock()
	f.Commands = append(f.Commands, command)
	for i, rule := range f.rules {
		if strings.Contains(command, rule.match) {
			if rule.once {
				f.rules = append(f.rules[:i], f.rules[i+1:]...)
			}
			f.mu.Unlock()
			return rule.respond(command)
		}
	}
	f.mu.Unlock()
	return Result{}, nil
}

func (f *Fake) Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads[path] = FakeUpload{Content: append([]byte(nil), content...), Mode: mode}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Ran reports whether any recorded command contains match.
func (f *Fake) Ran(match string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Commands {
		if strings.Contains(c, match) {
			return true
		}
	}
	return false
}
