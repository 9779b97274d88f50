package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/portagegt/pkg/micro_runner/client"
	"github.com/openfroyo/portagegt/pkg/micro_runner/protocol"
	"github.com/rs/zerolog"
)

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "micro-runner")
	if err := os.WriteFile(p, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUploadAndCleanup(t *testing.T) {
	s := newTestSSHServer(t)
	c := connectTestClient(t, s, nil)
	ctx := context.Background()

	local := writeLocal(t, "#!/bin/sh\necho runner\n")
	remote := "/tmp/portagegt/micro-runner"

	if err := c.Upload(ctx, local, remote); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	sum, err := c.Checksum(ctx, remote)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	want := sha256.Sum256([]byte("#!/bin/sh\necho runner\n"))
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("Checksum() = %s", sum)
	}

	// Same content again is a no-op; new content replaces the file.
	if err := c.Upload(ctx, local, remote); err != nil {
		t.Fatalf("second Upload() error = %v", err)
	}
	if err := os.WriteFile(local, []byte("v2"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := c.Upload(ctx, local, remote); err != nil {
		t.Fatalf("Upload() of new content error = %v", err)
	}
	fsys, err := c.FS("/tmp/portagegt")
	if err != nil {
		t.Fatal(err)
	}
	data, err := fsys.ReadFile("micro-runner")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("remote content = %q, want v2", data)
	}

	if err := c.Cleanup(ctx, remote); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := c.Checksum(ctx, remote); err == nil {
		t.Error("file still present after Cleanup")
	}
	if err := c.Cleanup(ctx, remote); err != nil {
		t.Errorf("Cleanup() of a missing file = %v", err)
	}
}

func TestUploadMissingLocalFile(t *testing.T) {
	s := newTestSSHServer(t)
	c := connectTestClient(t, s, nil)

	err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "absent"), "/tmp/runner")
	if err == nil {
		t.Fatal("expected an error for a missing local file")
	}
}

func TestCopyWithContext(t *testing.T) {
	src := strings.Repeat("emerge ", 10000)

	var dst bytes.Buffer
	n, err := copyWithContext(context.Background(), &dst, strings.NewReader(src))
	if err != nil || n != int64(len(src)) || dst.String() != src {
		t.Errorf("copyWithContext() = %d, %v", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := copyWithContext(ctx, io.Discard, strings.NewReader(src)); err != context.Canceled {
		t.Errorf("copyWithContext() with canceled context = %v", err)
	}
}

func TestRunnerOverSSH(t *testing.T) {
	s := newTestSSHServer(t)
	c := connectTestClient(t, s, nil)
	ctx := context.Background()

	var events []string
	rc, err := client.NewClient(client.Config{
		Transport:  c,
		RunnerPath: writeLocal(t, "runner build"),
		RemotePath: "/tmp/portagegt-micro-runner",
		Logger:     zerolog.Nop(),
		OnEvent:    func(e *protocol.EventMessage) { events = append(events, e.Message) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res, err := rc.Exec(ctx, &protocol.ExecParams{
		Argv:        []string{"sh", "-c", "echo '>>> Emerging app-misc/jq'"},
		StreamLines: true,
	}, time.Minute)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if res.Stdout != ">>> Emerging app-misc/jq\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if diff := cmp.Diff([]string{">>> Emerging app-misc/jq"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if err := rc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if diff := cmp.Diff([]string{"'/tmp/portagegt-micro-runner'"}, s.executed()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.Checksum(ctx, "/tmp/portagegt-micro-runner"); err == nil {
		t.Error("runner binary left on the host after Close")
	}
}
