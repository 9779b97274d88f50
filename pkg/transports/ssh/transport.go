// Package ssh connects to a remote Gentoo host. It uploads and starts the
// micro-runner, runs short commands and exposes the remote package database
// as an fs.FS over SFTP.
package ssh

import (
	"fmt"
	"time"

	"github.com/openfroyo/portagegt/pkg/micro_runner/client"
)

var _ client.Transport = (*Client)(nil)

// ExecResult contains the result of a command run with Run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError wraps transport-specific errors.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s failed", e.Op)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
