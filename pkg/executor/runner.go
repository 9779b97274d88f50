package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/portagegt/pkg/micro_runner/protocol"
	"github.com/rs/zerolog"
)

// RunnerClient is the part of the micro-runner client a Runner needs.
type RunnerClient interface {
	Exec(ctx context.Context, params *protocol.ExecParams, timeout time.Duration) (*protocol.ExecResult, error)
}

// Runner runs commands on a remote host through a started micro-runner.
type Runner struct {
	client RunnerClient
	// timeout applies to commands without their own.
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRunner creates a Runner over client.
func NewRunner(client RunnerClient, timeout time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		client:  client,
		timeout: timeout,
		logger:  logger.With().Str("executor", "micro-runner").Logger(),
	}
}

// Execute sends cmd to the runner. Output lines of emerge are streamed as
// events while it runs.
func (r *Runner) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}

	r.logger.Debug().Str("command", cmd.String()).Strs("env", cmd.EnvKeys()).Msg("Executing command")

	res, err := r.client.Exec(ctx, &protocol.ExecParams{
		Argv:        cmd.Argv,
		Env:         cmd.Env,
		WorkDir:     cmd.Dir,
		StreamLines: true,
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", cmd.Argv[0], err)
	}

	result := &Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: time.Duration(res.Duration * float64(time.Second)),
	}
	if result.ExitCode != 0 {
		r.logger.Debug().
			Str("command", cmd.String()).
			Int("exit_code", result.ExitCode).
			Dur("duration", result.Duration).
			Msg("Command failed")
		return result, &ExitError{Argv: cmd.Argv, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}
