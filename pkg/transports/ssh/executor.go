package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run runs cmd through the remote shell and waits for it. A non-zero exit
// status is reported in the result, not as an error.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	command := c.wrap(cmd)
	c.logger.Debug().Str("command", command).Msg("Executing command")

	start := time.Now()
	if err := session.Start(command); err != nil {
		return nil, &TransportError{Op: "execute", Err: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{Op: "execute", Err: ctx.Err()}
	case err = <-waitCh:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return nil, &TransportError{Op: "execute", Err: err}
	}
	return result, nil
}

// Execute starts the micro-runner at remotePath. Closing stdout ends the
// session.
func (c *Client) Execute(_ context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "start-runner", Err: err, IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "start-runner", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "start-runner", Err: err}
	}
	session.Stderr = c.logger.With().Str("stream", "runner-stderr").Logger()

	command := c.wrap(shellQuote(remotePath))
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "start-runner", Err: err}
	}
	c.logger.Debug().Str("command", command).Msg("Micro-runner started")

	return stdin, &sessionReader{Reader: stdout, session: session}, nil
}

func (c *Client) wrap(cmd string) string {
	if c.config.Sudo {
		return "sudo -n " + cmd
	}
	return cmd
}

type sessionReader struct {
	io.Reader
	session *ssh.Session
}

func (r *sessionReader) Close() error {
	err := r.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
