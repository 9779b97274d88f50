package handlers

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/portagegt/pkg/micro_runner/protocol"
)

func TestLineWriter(t *testing.T) {
	eventCh := make(chan *protocol.EventMessage, 16)
	w := &lineWriter{commandID: "cmd-1", eventCh: eventCh}

	for _, chunk := range []string{">>> Emer", "ging (1 of 2)\r\n", "\n!!! fetch ", "failed\nno newline"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	w.flush()
	close(eventCh)

	var got []string
	for evt := range eventCh {
		if evt.CommandID != "cmd-1" {
			t.Errorf("CommandID = %q", evt.CommandID)
		}
		got = append(got, evt.Level+" "+evt.Message)
	}
	want := []string{
		"info >>> Emerging (1 of 2)",
		"warn !!! fetch failed",
		"info no newline",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestExecHandler(t *testing.T) {
	h := &ExecHandler{Environ: func() []string { return []string{"PATH=/usr/bin:/bin"} }}

	tests := []struct {
		name     string
		params   protocol.ExecParams
		wantCode int
		wantOut  string
		wantErr  bool
	}{
		{
			name:    "success",
			params:  protocol.ExecParams{Argv: []string{"sh", "-c", "echo ok"}},
			wantOut: "ok\n",
		},
		{
			name:     "non-zero exit is a result",
			params:   protocol.ExecParams{Argv: []string{"sh", "-c", "exit 2"}},
			wantCode: 2,
		},
		{
			name:    "environment is merged over the base",
			params:  protocol.ExecParams{Argv: []string{"sh", "-c", `printf %s "$FEATURES"`}, Env: map[string]string{"FEATURES": "-sandbox"}},
			wantOut: "-sandbox",
		},
		{
			name:    "working directory",
			params:  protocol.ExecParams{Argv: []string{"pwd"}, WorkDir: "/"},
			wantOut: "/\n",
		},
		{
			name:    "missing program",
			params:  protocol.ExecParams{Argv: []string{"/nonexistent/eix"}},
			wantErr: true,
		},
		{
			name:    "empty argv",
			params:  protocol.ExecParams{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.Handle(context.Background(), "cmd-1", &tt.params, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if result.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", result.ExitCode, tt.wantCode)
			}
			if result.Stdout != tt.wantOut {
				t.Errorf("Stdout = %q, want %q", result.Stdout, tt.wantOut)
			}
		})
	}
}
