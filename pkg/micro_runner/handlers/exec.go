// Package handlers implements command handlers for the micro-runner.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/portagegt/pkg/micro_runner/protocol"
)

// ExecHandler runs a program without a shell.
type ExecHandler struct {
	// Environ is the base environment; nil means os.Environ.
	Environ func() []string
}

// Handle runs params.Argv and waits for it. A non-zero exit status is a
// result, not an error; an error means the program could not be started.
// When StreamLines is set every stdout line is sent on eventCh as well.
func (h *ExecHandler) Handle(ctx context.Context, commandID string, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, params.Argv[0], params.Argv[1:]...)
	cmd.Dir = params.WorkDir
	if len(params.Env) > 0 {
		environ := os.Environ
		if h.Environ != nil {
			environ = h.Environ
		}
		cmd.Env = append(environ(), envList(params.Env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr
	var lines *lineWriter
	if params.StreamLines && eventCh != nil {
		lines = &lineWriter{commandID: commandID, eventCh: eventCh}
		cmd.Stdout = io.MultiWriter(&stdout, lines)
	} else {
		cmd.Stdout = &stdout
	}

	start := time.Now()
	err := cmd.Run()
	if lines != nil {
		lines.flush()
	}

	result := &protocol.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Seconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", params.Argv[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// lineWriter turns written output into one event per complete line.
type lineWriter struct {
	commandID string
	eventCh   chan<- *protocol.EventMessage
	partial   []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.send(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.send(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) send(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	// Portage prefixes its own errors and warnings with !!!.
	level := "info"
	if strings.HasPrefix(line, "!!!") {
		level = "warn"
	}
	w.eventCh <- &protocol.EventMessage{CommandID: w.commandID, Level: level, Message: line}
}
