// Package server implements the micro-runner command loop. The loop reads
// CMD lines, runs them through the handlers and answers on the same stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/openfroyo/portagegt/pkg/micro_runner/handlers"
	"github.com/openfroyo/portagegt/pkg/micro_runner/protocol"
)

// Version is reported in the READY message.
const Version = "1.0.0"

// Options configure a Server.
type Options struct {
	// TTL bounds the lifetime of the runner. Zero means no limit.
	TTL time.Duration

	// SelfDelete removes the runner binary when the loop ends.
	SelfDelete bool

	// ExecPath is the binary removed by SelfDelete; empty means os.Executable.
	ExecPath string
}

// Server answers commands from one controller.
type Server struct {
	opts         Options
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	exec         *handlers.ExecHandler
	commandCount int
}

// New creates a server reading commands from in and writing replies to out.
func New(in io.Reader, out io.Writer, opts Options) *Server {
	return &Server{
		opts:    opts,
		encoder: protocol.NewEncoder(out),
		decoder: protocol.NewDecoder(in),
		exec:    &handlers.ExecHandler{},
	}
}

// Serve sends READY and processes commands until the input ends, the TTL
// expires or ctx is done. It always finishes with an EXIT message and
// returns the exit code the process should use.
func (s *Server) Serve(ctx context.Context) int {
	if s.opts.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TTL)
		defer cancel()
	}

	if err := s.sendReady(); err != nil {
		return s.exit("ready_failed", 1)
	}

	type decoded struct {
		cmd *protocol.CommandMessage
		err error
	}
	next := make(chan decoded)
	go func() {
		for {
			cmd, err := s.decoder.DecodeCommand()
			select {
			case next <- decoded{cmd, err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrStream) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return s.exit("ttl_expired", 0)
		case d := <-next:
			switch {
			case errors.Is(d.err, io.EOF):
				return s.exit("stdin_closed", 0)
			case errors.Is(d.err, protocol.ErrStream):
				return s.exit("error", 1)
			case d.err != nil:
				// A malformed line is answered and skipped.
				if err := s.encoder.EncodeError(&protocol.ErrorMessage{
					Code:    protocol.ErrCodeInvalidParams,
					Message: d.err.Error(),
				}); err != nil {
					return s.exit("error", 1)
				}
			default:
				if err := s.process(ctx, d.cmd); err != nil {
					return s.exit("error", 1)
				}
			}
		}
	}
}

func (s *Server) sendReady() error {
	return s.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     map[string]bool{string(protocol.CommandTypeExec): true},
		Metadata: map[string]string{"ttl": s.opts.TTL.String()},
	})
}

// process runs one command. Events are drained before DONE or ERROR is
// written so that the reply is always the last line for the command.
func (s *Server) process(ctx context.Context, cmd *protocol.CommandMessage) error {
	s.commandCount++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range eventCh {
			_ = s.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, code, err := s.handle(cmdCtx, cmd, eventCh)
	close(eventCh)
	wg.Wait()

	if err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
			Retryable: false,
		})
	}
	return s.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(start).Seconds(),
	})
}

func (s *Server) handle(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, string, error) {
	switch cmd.Type {
	case protocol.CommandTypeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.ErrCodeInvalidParams, err
		}
		if err := params.Validate(); err != nil {
			return nil, protocol.ErrCodeInvalidParams, err
		}
		result, err := s.exec.Handle(ctx, cmd.ID, &params, eventCh)
		if err != nil {
			return nil, protocol.ErrCodeExecFailed, err
		}
		raw, err := json.Marshal(result)
		return raw, protocol.ErrCodeExecFailed, err

	default:
		return nil, protocol.ErrCodeUnsupported, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

// exit sends EXIT after the optional self-delete and returns exitCode.
func (s *Server) exit(reason string, exitCode int) int {
	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: s.commandCount,
	}

	if s.opts.SelfDelete {
		path := s.opts.ExecPath
		if path == "" {
			path, _ = os.Executable()
		}
		if path != "" && os.Remove(path) == nil {
			msg.SelfDeleted = true
		}
	}

	_ = s.encoder.EncodeExit(msg)
	return exitCode
}
