package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/portagegt/pkg/portage/resolve"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if diff := cmp.Diff(resolve.StandardDefaults, cfg.Portage.Defaults()); diff != "" {
		t.Errorf("Defaults() mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.Portage.Policy().DevVersion; got != "9999" {
		t.Errorf("Policy().DevVersion = %q, want 9999", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
		check   func(*testing.T, *Config)
	}{
		{
			name: "partial override keeps defaults",
			yaml: `
portage:
  defaultRepository: company-overlay
  syncPolicy: build_time
  useChange: false
runner:
  command_timeout: 30m
`,
			check: func(t *testing.T, c *Config) {
				if c.Portage.DefaultRepository != "company-overlay" {
					t.Errorf("DefaultRepository = %q", c.Portage.DefaultRepository)
				}
				if c.Portage.DefaultSlot != "0" {
					t.Errorf("DefaultSlot = %q, want default", c.Portage.DefaultSlot)
				}
				if c.Portage.SyncPolicy != SyncPolicyBuildTime {
					t.Errorf("SyncPolicy = %q", c.Portage.SyncPolicy)
				}
				if c.Portage.UseChange {
					t.Error("UseChange should be false")
				}
				if c.Runner.CommandTimeout != 30*time.Minute {
					t.Errorf("CommandTimeout = %v", c.Runner.CommandTimeout)
				}
			},
		},
		{
			name: "sync requires update",
			yaml: `
portage:
  eixRunUpdate: false
  eixRunSync: true
`,
			wantErr: ErrSyncWithoutUpdate,
		},
		{
			name: "update without sync is fine",
			yaml: `
portage:
  eixRunUpdate: true
  eixRunSync: false
`,
		},
		{
			name: "unknown sync policy",
			yaml: `
portage:
  syncPolicy: checksum
`,
			wantErr: errAny,
		},
		{
			name: "ssh runner without host",
			yaml: `
runner:
  mode: ssh
  binary: /usr/libexec/portagegt/micro-runner
`,
			wantErr: errAny,
		},
		{
			name: "ssh runner without binary",
			yaml: `
runner:
  mode: ssh
  ssh:
    host: builder.example.org
`,
			wantErr: errAny,
		},
		{
			name: "empty eixdump version list",
			yaml: `
portage:
  eixDumpVersions: []
`,
			wantErr: errAny,
		},
		{
			name: "bad telemetry",
			yaml: `
telemetry:
  logging:
    level: loud
`,
			wantErr: errAny,
		},
		{
			name:    "malformed yaml",
			yaml:    "portage: [",
			wantErr: errAny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			switch {
			case tt.wantErr == nil && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tt.wantErr != nil && err == nil:
				t.Fatal("expected an error")
			case tt.wantErr != nil && tt.wantErr != errAny && !errors.Is(err, tt.wantErr):
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.check != nil && cfg != nil {
				tt.check(t, cfg)
			}
		})
	}
}

// errAny marks cases where only the presence of an error matters.
var errAny = errors.New("any error")

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "state:\n  path: /tmp/portagegt.db\npolicy:\n  mode: advisory\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.State.Path != "/tmp/portagegt.db" || cfg.Policy.Mode != "advisory" {
		t.Errorf("unexpected config: %+v %+v", cfg.State, cfg.Policy)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
