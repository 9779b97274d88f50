package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/pkg/providers"
	"github.com/openfroyo/portagegt/providers/portage"
)

func TestSettingsFlagsBuild(t *testing.T) {
	tests := []struct {
		name    string
		flags   settingsFlags
		want    string
		wantErr bool
	}{
		{
			name: "nothing set",
		},
		{
			name:  "use and keywords",
			flags: settingsFlags{use: []string{"ssl", "-debug"}, keywords: []string{"~amd64"}},
			want:  `{"keywords":["~amd64"],"use":["ssl","-debug"]}`,
		},
		{
			name:  "flags override --settings",
			flags: settingsFlags{raw: `{"slot":"5.1","use":"perl"}`, slot: "5.5"},
			want:  `{"slot":"5.5","use":"perl"}`,
		},
		{
			name:  "empty object kept",
			flags: settingsFlags{raw: `{}`},
			want:  `{}`,
		},
		{
			name:  "environment",
			flags: settingsFlags{env: []string{"MAKEOPTS=-j4", "FEATURES=test"}, repository: "gentoo"},
			want:  `{"environment":{"FEATURES":"test","MAKEOPTS":"-j4"},"repository":"gentoo"}`,
		},
		{
			name:    "environment without value",
			flags:   settingsFlags{env: []string{"MAKEOPTS"}},
			wantErr: true,
		},
		{
			name:    "settings not an object",
			flags:   settingsFlags{raw: `["ssl"]`},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.build()
			if (err != nil) != tt.wantErr {
				t.Fatalf("build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("build() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPackageResource(t *testing.T) {
	res, err := packageResource("dev-db/mysql:5.5", portage.PackageConfig{
		Ensure:          "latest",
		PackageSettings: json.RawMessage(`{"use":"ssl"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != "package/dev-db/mysql:5.5" || res.Type != "package" || res.Name != "dev-db/mysql:5.5" {
		t.Errorf("resource = %+v", res)
	}

	parsed, err := portage.ParseResource(res)
	if err != nil {
		t.Fatalf("ParseResource() error = %v", err)
	}
	if parsed.Ensure != portage.EnsureLatest || parsed.Atom.String() != "dev-db/mysql:5.5" {
		t.Errorf("parsed = %+v", parsed)
	}
	if diff := cmp.Diff([]string{"ssl"}, parsed.Settings.UseFlags()); diff != "" {
		t.Errorf("use flags mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintValue(t *testing.T) {
	v := struct {
		Package string          `json:"package"`
		State   json.RawMessage `json:"state"`
	}{Package: "dev-db/mysql", State: json.RawMessage(`{"installed":true}`)}

	var buf bytes.Buffer
	if err := printValue(&buf, v); err != nil {
		t.Fatal(err)
	}
	want := "package: dev-db/mysql\nstate:\n  installed: true\n"
	if buf.String() != want {
		t.Errorf("YAML output = %q, want %q", buf.String(), want)
	}

	jsonOutput = true
	defer func() { jsonOutput = false }()
	buf.Reset()
	if err := printValue(&buf, v); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"installed": true`) {
		t.Errorf("JSON output = %s", buf.String())
	}
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	site := filepath.Join(dir, "site.cue")
	if err := os.WriteFile(site, []byte(`"package": "app-editors/vim": ensure: "present"`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	resources, err := loadManifests(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("loadManifests() error = %v", err)
	}
	if len(resources) != 1 || resources[0].ID != "package/app-editors/vim" {
		t.Errorf("resources = %+v", resources)
	}

	if _, err := loadManifests(context.Background(), []string{t.TempDir()}); err == nil {
		t.Error("loadManifests() of an empty directory should fail")
	}
	if _, err := loadManifests(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("loadManifests() of a missing path should fail")
	}
}

// fixedProvider plans an update for resources named in drift.
type fixedProvider struct {
	drift   map[string]bool
	applied []string
}

func (f *fixedProvider) Init(context.Context, engine.ProviderConfig) error { return nil }

func (f *fixedProvider) Read(context.Context, engine.ReadRequest) (*engine.ReadResponse, error) {
	return &engine.ReadResponse{State: json.RawMessage(`{}`)}, nil
}

func (f *fixedProvider) Plan(_ context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	if !f.drift[req.ResourceID] {
		return &engine.PlanResponse{Operation: engine.OperationNoop}, nil
	}
	return &engine.PlanResponse{Operation: engine.OperationCreate}, nil
}

func (f *fixedProvider) Apply(_ context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	if req.ResourceID == "package/broken" {
		return nil, engine.NewCommandError("emerge exited 1", nil)
	}
	f.applied = append(f.applied, req.ResourceID)
	return &engine.ApplyResponse{}, nil
}

func (f *fixedProvider) Destroy(context.Context, engine.DestroyRequest) (*engine.DestroyResponse, error) {
	return &engine.DestroyResponse{Success: true}, nil
}

func (f *fixedProvider) Validate(context.Context, json.RawMessage) error { return nil }

func (f *fixedProvider) Schema() (*engine.ProviderSchema, error) {
	return &engine.ProviderSchema{ResourceTypes: map[string]*engine.ResourceTypeSchema{
		"package": {Name: "package"},
	}}, nil
}

func (f *fixedProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{Name: "fixed"}
}

func testRuntime(t *testing.T, p engine.Provider) *runtime {
	t.Helper()
	registry := providers.NewRegistry(engine.CapabilityExecLocal)
	if err := registry.Register(context.Background(), p, nil); err != nil {
		t.Fatal(err)
	}
	return &runtime{registry: registry, logger: zerolog.Nop()}
}

func testCommand(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd
}

func TestReconcileCommandOutput(t *testing.T) {
	p := &fixedProvider{drift: map[string]bool{"package/dev-db/mysql": true, "package/broken": true}}
	rt := testRuntime(t, p)

	var out bytes.Buffer
	resources := []engine.Resource{
		{ID: "package/dev-db/mysql", Type: "package"},
		{ID: "package/app-editors/vim", Type: "package"},
	}
	if err := reconcile(testCommand(&out), rt, resources, engine.ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile() error = %v", err)
	}
	if diff := cmp.Diff([]string{"package/dev-db/mysql"}, p.applied); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(out.String(), "changed: 1") || !strings.Contains(out.String(), "unchanged: 1") {
		t.Errorf("report output lacks the summary:\n%s", out.String())
	}

	t.Run("failure", func(t *testing.T) {
		out.Reset()
		err := reconcile(testCommand(&out), rt, []engine.Resource{{ID: "package/broken", Type: "package"}}, engine.ReconcileOptions{})
		if err == nil || !strings.Contains(err.Error(), "1 of 1 resources failed") {
			t.Errorf("reconcile() error = %v", err)
		}
		if !engine.HasCode(err, engine.ErrCodeCommandFailed) {
			t.Errorf("reconcile() error lost its code: %v", err)
		}
	})
}

func TestEnsureKeyPair(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")

	pub, err := ensureKeyPair(keyPath)
	if err != nil {
		t.Fatalf("ensureKeyPair() error = %v", err)
	}
	if !bytes.HasPrefix(pub, []byte("ssh-ed25519 ")) {
		t.Errorf("public key = %q", pub)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}

	again, err := ensureKeyPair(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub, again) {
		t.Error("ensureKeyPair() replaced an existing key")
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand("test", "abc", "today")

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	sort.Strings(names)

	want := []string{
		"apply", "eselect", "history", "init", "install", "latest", "metrics",
		"plan", "prefetch", "query", "settings", "uninstall", "update", "validate",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("subcommands mismatch (-want +got):\n%s", diff)
	}

	install, _, err := root.Find([]string{"install"})
	if err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"version", "use", "keywords", "option", "dry-run"} {
		if install.Flags().Lookup(flag) == nil {
			t.Errorf("install has no --%s flag", flag)
		}
	}
	uninstall, _, _ := root.Find([]string{"uninstall"})
	if uninstall.Flags().Lookup("purge") == nil || uninstall.Flags().Lookup("use") != nil {
		t.Error("uninstall flags are wrong")
	}

	apply, _, err := root.Find([]string{"apply"})
	if err != nil {
		t.Fatal(err)
	}
	if retries := apply.Flags().Lookup("retries"); retries == nil || retries.DefValue != "0" {
		t.Errorf("apply --retries must default to no retry, got %+v", retries)
	}
}
