// Package client drives a micro-runner: it uploads the binary through a
// Transport, waits for READY and exchanges commands over the runner's
// stdin and stdout.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/portagegt/pkg/micro_runner/protocol"
	"github.com/rs/zerolog"
)

// Transport defines the interface for uploading and executing the runner.
type Transport interface {
	// Upload copies the runner binary to the remote host
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the runner process and returns its stdin and stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes the runner binary from the remote host
	Cleanup(ctx context.Context, remotePath string) error
}

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("micro-runner client is closed")

// CommandError is an ERROR reply: the runner could not run the command.
type CommandError struct {
	CommandID string
	Code      string
	Message   string
	Retryable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("micro-runner command %s failed: %s: %s", e.CommandID, e.Code, e.Message)
}

// Config contains client configuration options.
type Config struct {
	Transport Transport

	// RunnerPath is the local runner binary. Empty skips the upload and
	// expects the runner at RemotePath already.
	RunnerPath string

	// RemotePath is where the runner lives on the remote host.
	RemotePath string

	StartupTimeout time.Duration

	Logger zerolog.Logger

	// OnEvent receives progress events. Nil logs them.
	OnEvent func(*protocol.EventMessage)
}

// Client manages communication with a micro-runner instance. Commands are
// serialized; the protocol has one command in flight at a time.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewClient creates a new micro-runner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/tmp/portagegt-micro-runner"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "micro-runner-client").Logger(),
	}, nil
}

// Start uploads the runner binary, starts it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	if c.cfg.RunnerPath != "" {
		if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
			return fmt.Errorf("failed to upload runner: %w", err)
		}
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}
	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		if !ready.Caps[string(protocol.CommandTypeExec)] {
			return fmt.Errorf("runner %s does not support exec", ready.Version)
		}
		c.ready = ready
		c.started = true
		c.logger.Debug().
			Str("version", ready.Version).
			Str("platform", ready.Platform+"/"+ready.Arch).
			Int("pid", ready.PID).
			Msg("Micro-runner ready")
		return nil
	}
}

// Execute sends a command and waits for its DONE reply. An ERROR reply is
// returned as *CommandError.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.started {
		return nil, fmt.Errorf("micro-runner client is not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			c.emit(&event)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &CommandError{
				CommandID: cmd.ID,
				Code:      errMsg.Code,
				Message:   errMsg.Message,
				Retryable: errMsg.Retryable,
			}

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("runner exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Exec runs one program on the remote host. A zero timeout becomes one hour.
func (c *Client) Exec(ctx context.Context, params *protocol.ExecParams, timeout time.Duration) (*protocol.ExecResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exec params: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Hour
	}

	done, err := c.Execute(ctx, &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    protocol.CommandTypeExec,
		Timeout: int(math.Ceil(timeout.Seconds())),
		Params:  raw,
	})
	if err != nil {
		return nil, err
	}

	var result protocol.ExecResult
	if err := protocol.ParseParams(done.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse exec result: %w", err)
	}
	return &result, nil
}

func (c *Client) emit(event *protocol.EventMessage) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(event)
		return
	}
	logEvent := c.logger.Debug()
	if event.Level == "warn" {
		logEvent = c.logger.Warn()
	}
	logEvent.Str("command_id", event.CommandID).Msg(event.Message)
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes stdin, which makes the runner exit and delete itself, then
// removes the binary in case it could not.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}
	if c.cfg.RunnerPath != "" {
		if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
			c.logger.Debug().Err(err).Str("path", c.cfg.RemotePath).Msg("Runner cleanup failed; it may have removed itself")
		}
	}

	return errors.Join(errs...)
}
