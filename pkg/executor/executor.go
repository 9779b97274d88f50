// Package executor runs the external portage tools (emerge, eix, eselect)
// either on the local host or through a micro-runner.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Command is a single process invocation. Argv is never passed through a
// shell.
type Command struct {
	// Argv is the program followed by its arguments.
	Argv []string

	// Env is merged over the inherited environment.
	Env map[string]string

	// Dir is the working directory, empty for the current one.
	Dir string

	// Timeout bounds the run when non-zero.
	Timeout time.Duration
}

// String renders argv for logs.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (c Command) EnvList() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// EnvKeys returns the sorted names of Env. Logs carry these instead of
// EnvList since values may hold credentials.
func (c Command) EnvKeys() []string {
	out := make([]string, 0, len(c.Env))
	for k := range c.Env {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Result is the captured outcome of a successful run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs commands. Implementations return *ExitError for a non-zero
// exit status and never retry.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", strings.Join(e.Argv, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// ExecuteFunc adapts a function to the Executor interface.
type ExecuteFunc func(ctx context.Context, cmd Command) (*Result, error)

// Execute calls f.
func (f ExecuteFunc) Execute(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}
