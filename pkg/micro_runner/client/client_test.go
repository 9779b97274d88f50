package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/portagegt/pkg/micro_runner/protocol"
	"github.com/openfroyo/portagegt/pkg/micro_runner/server"
	"github.com/rs/zerolog"
)

// pipeTransport runs an in-process runner over io.Pipe.
type pipeTransport struct {
	mu      sync.Mutex
	uploads []string
	cleaned []string
	exit    chan int
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{exit: make(chan int, 1)}
}

func (p *pipeTransport) Upload(_ context.Context, localPath, remotePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, localPath+" -> "+remotePath)
	return nil
}

func (p *pipeTransport) Execute(_ context.Context, _ string) (io.WriteCloser, io.ReadCloser, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		code := server.New(inR, outW, server.Options{}).Serve(context.Background())
		_ = outW.Close()
		p.exit <- code
	}()
	return inW, outR, nil
}

func (p *pipeTransport) Cleanup(_ context.Context, remotePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleaned = append(p.cleaned, remotePath)
	return nil
}

func startClient(t *testing.T, cfg Config) (*Client, *pipeTransport) {
	t.Helper()
	transport := newPipeTransport()
	cfg.Transport = transport
	cfg.Logger = zerolog.Nop()

	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, transport
}

func TestStartUploadsAndWaitsForReady(t *testing.T) {
	c, transport := startClient(t, Config{RunnerPath: "/build/micro-runner", RemotePath: "/tmp/runner"})

	if diff := cmp.Diff([]string{"/build/micro-runner -> /tmp/runner"}, transport.uploads); diff != "" {
		t.Errorf("uploads mismatch (-want +got):\n%s", diff)
	}
	ready := c.Ready()
	if ready == nil || ready.Version != server.Version {
		t.Fatalf("Ready() = %+v", ready)
	}
	if !ready.Caps["exec"] {
		t.Error("runner does not announce exec")
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if diff := cmp.Diff([]string{"/tmp/runner"}, transport.cleaned); diff != "" {
		t.Errorf("cleanup mismatch (-want +got):\n%s", diff)
	}
	select {
	case code := <-transport.exit:
		if code != 0 {
			t.Errorf("runner exit code = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit after stdin was closed")
	}
}

func TestExec(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	c, _ := startClient(t, Config{
		OnEvent: func(e *protocol.EventMessage) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e.Level+": "+e.Message)
		},
	})

	result, err := c.Exec(context.Background(), &protocol.ExecParams{
		Argv:        []string{"sh", "-c", `echo ">>> Emerging dev-db/mysql"; echo "!!! fetch failed"; echo oops >&2; exit 3`},
		StreamLines: true,
	}, 30*time.Second)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}

	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Stdout != ">>> Emerging dev-db/mysql\n!!! fetch failed\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if result.Stderr != "oops\n" {
		t.Errorf("Stderr = %q", result.Stderr)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"info: >>> Emerging dev-db/mysql", "warn: !!! fetch failed"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestExecEnvironment(t *testing.T) {
	c, _ := startClient(t, Config{})

	result, err := c.Exec(context.Background(), &protocol.ExecParams{
		Argv: []string{"sh", "-c", `printf %s "$USE"`},
		Env:  map[string]string{"USE": "-ssl"},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stdout != "-ssl" {
		t.Errorf("Stdout = %q, want -ssl", result.Stdout)
	}
}

func TestExecMissingProgram(t *testing.T) {
	c, _ := startClient(t, Config{})

	_, err := c.Exec(context.Background(), &protocol.ExecParams{
		Argv: []string{"/nonexistent/emerge", "--version"},
	}, time.Minute)

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Exec() error = %v, want *CommandError", err)
	}
	if cmdErr.Code != protocol.ErrCodeExecFailed {
		t.Errorf("Code = %q", cmdErr.Code)
	}

	// The stream is still usable after an ERROR reply.
	result, err := c.Exec(context.Background(), &protocol.ExecParams{Argv: []string{"true"}}, time.Minute)
	if err != nil || result.ExitCode != 0 {
		t.Errorf("follow-up Exec() = %+v, %v", result, err)
	}
}

func TestExecRejectsEmptyArgv(t *testing.T) {
	c, _ := startClient(t, Config{})
	if _, err := c.Exec(context.Background(), &protocol.ExecParams{}, time.Minute); err == nil {
		t.Error("expected an error for empty argv")
	}
}

func TestExecuteBeforeStart(t *testing.T) {
	c, err := NewClient(Config{Transport: newPipeTransport()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Exec(context.Background(), &protocol.ExecParams{Argv: []string{"true"}}, time.Minute)
	if err == nil || !strings.Contains(err.Error(), "not started") {
		t.Errorf("Exec() before Start = %v", err)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close = %v, want ErrClosed", err)
	}
}

// silentTransport starts a "runner" that writes a DONE line instead of READY.
type silentTransport struct{ pipeTransport }

func (s *silentTransport) Execute(_ context.Context, _ string) (io.WriteCloser, io.ReadCloser, error) {
	_, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		_ = protocol.NewEncoder(outW).EncodeDone(&protocol.DoneMessage{CommandID: "x"})
	}()
	return inW, outR, nil
}

func TestStartRejectsMissingReady(t *testing.T) {
	c, err := NewClient(Config{Transport: &silentTransport{}, StartupTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "expected READY") {
		t.Errorf("Start() error = %v", err)
	}
}

func TestNewClientRequiresTransport(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("expected an error without a transport")
	}
}
