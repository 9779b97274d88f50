package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Local runs commands on this host with os/exec.
type Local struct {
	logger zerolog.Logger
}

// NewLocal creates a local executor.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger.With().Str("executor", "local").Logger()}
}

// Execute runs cmd and waits for it.
func (l *Local) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.EnvList()...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	l.logger.Debug().Str("command", cmd.String()).Strs("env", cmd.EnvKeys()).Msg("Executing command")

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			l.logger.Debug().
				Str("command", cmd.String()).
				Int("exit_code", result.ExitCode).
				Dur("duration", result.Duration).
				Msg("Command failed")
			return result, &ExitError{Argv: cmd.Argv, ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
		return nil, fmt.Errorf("failed to execute %s: %w", cmd.Argv[0], err)
	}

	return result, nil
}
