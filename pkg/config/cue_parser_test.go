package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func decodeAttrs(t *testing.T, rc ResourceConfig) map[string]interface{} {
	t.Helper()
	var attrs map[string]interface{}
	if err := json.Unmarshal(rc.Config, &attrs); err != nil {
		t.Fatalf("config of %s is not JSON: %v", rc.ID, err)
	}
	return attrs
}

func resourceIDs(resources []ResourceConfig) []string {
	ids := make([]string, len(resources))
	for i, rc := range resources {
		ids[i] = rc.ID
	}
	return ids
}

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	content := `
"package": {
	"dev-db/mysql": {
		ensure: "latest"
		package_settings: use: "ssl -ldap"
		labels: role: "db"
	}
	vim: {}
}

eselect: ruby: ensure: "ruby20"

resources: {
	python: {
		type: "package"
		name: "dev-lang/python"
		config: {
			ensure: "3.4.0"
			package_settings: slot: "3.4"
		}
	}
}
`

	parsed, err := parser.ParseInline(ctx, content)
	if err != nil {
		t.Fatalf("ParseInline: %v", err)
	}
	if len(parsed.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}

	want := []string{"eselect/ruby", "package/dev-db/mysql", "package/vim", "python"}
	if diff := cmp.Diff(want, resourceIDs(parsed.Resources)); diff != "" {
		t.Fatalf("resource IDs mismatch (-want +got):\n%s", diff)
	}

	ruby := parsed.Resources[0]
	if ruby.Type != ResourceTypeEselect || ruby.Name != "ruby" {
		t.Errorf("unexpected eselect resource: %+v", ruby)
	}

	mysql := parsed.Resources[1]
	if mysql.Name != "dev-db/mysql" || mysql.Labels["role"] != "db" {
		t.Errorf("unexpected package resource: %+v", mysql)
	}
	wantAttrs := map[string]interface{}{
		"name":             "dev-db/mysql",
		"ensure":           "latest",
		"package_settings": map[string]interface{}{"use": "ssl -ldap"},
	}
	if diff := cmp.Diff(wantAttrs, decodeAttrs(t, mysql)); diff != "" {
		t.Errorf("mysql config mismatch (-want +got):\n%s", diff)
	}

	if got := decodeAttrs(t, parsed.Resources[2]); got["name"] != "vim" {
		t.Errorf("concise name not defaulted to the title: %v", got)
	}

	python := decodeAttrs(t, parsed.Resources[3])
	if python["name"] != "dev-lang/python" || python["ensure"] != "3.4.0" {
		t.Errorf("resources block name not carried into config: %v", python)
	}

	engineResources := parsed.ToResources()
	if len(engineResources) != 4 || engineResources[3].Name != "dev-lang/python" {
		t.Errorf("ToResources() = %+v", engineResources)
	}
}

func TestCUEParser_ParseInlineErrors(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name     string
		content  string
		wantPath string
	}{
		{
			name:    "invalid CUE syntax",
			content: "\"package\": {\n\tmysql: {\n\t\tinvalid syntax here\n\t}\n}\n",
		},
		{
			name:     "unknown resource type",
			content:  `resources: svc: {type: "service", name: "sshd", config: {}}`,
			wantPath: "resources.svc",
		},
		{
			name:     "missing name",
			content:  `resources: pkg: {type: "package", config: {ensure: "latest"}}`,
			wantPath: "resources.pkg",
		},
		{
			name:     "schema violation",
			content:  `"package": mysql: {ensure: "latest", version: "5.5"}`,
			wantPath: "package.mysql",
		},
		{
			name:     "eselect without ensure",
			content:  `eselect: ruby: {}`,
			wantPath: "eselect.ruby",
		},
		{
			name: "duplicate id",
			content: `
"package": vim: {}
resources: [{id: "package/vim", type: "package", name: "vim", config: {}}]
`,
			wantPath: "package.vim",
		},
		{
			name:     "resources of the wrong kind",
			content:  `resources: "mysql"`,
			wantPath: "resources",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline: %v", err)
			}
			if len(parsed.Errors) == 0 {
				t.Fatal("expected validation errors")
			}
			if tt.wantPath == "" {
				return
			}
			for _, e := range parsed.Errors {
				if e.Path == tt.wantPath {
					return
				}
			}
			t.Errorf("no error at %s: %v", tt.wantPath, parsed.Errors)
		})
	}
}

func TestCUEParser_EvaluateFiles(t *testing.T) {
	dir := t.TempDir()
	cueFile := filepath.Join(dir, "site.cue")
	starFile := filepath.Join(dir, "extra.star")

	if err := os.WriteFile(cueFile, []byte(`"package": "app-editors/vim": ensure: "present"`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	star := `
def latest(names):
    for name in names:
        package(name, ensure = "latest")

latest(["dev-db/mysql", "dev-db/redis"])
`
	if err := os.WriteFile(starFile, []byte(star), 0o600); err != nil {
		t.Fatal(err)
	}

	files, err := FindManifests(dir)
	if err != nil {
		t.Fatalf("FindManifests: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("FindManifests found %v", files)
	}

	resources, err := NewCUEParser().Evaluate(context.Background(), []string{cueFile, starFile})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	var ids []string
	for _, r := range resources {
		ids = append(ids, r.ID)
	}
	want := []string{"package/app-editors/vim", "package/dev-db/mysql", "package/dev-db/redis"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("resource IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestCUEParser_EvaluateReportsManifestError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.cue")
	if err := os.WriteFile(path, []byte(`eselect: ruby: module: "Ruby"`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewCUEParser().Evaluate(context.Background(), []string{path})
	var merr *ManifestError
	if !errors.As(err, &merr) {
		t.Fatalf("error = %v, want *ManifestError", err)
	}
	if !strings.Contains(err.Error(), "eselect.ruby") {
		t.Errorf("error does not name the declaration: %v", err)
	}
}

func TestCUEParser_ParseMissingSource(t *testing.T) {
	parser := NewCUEParser()
	if _, err := parser.Parse(context.Background(), nil); err == nil {
		t.Error("expected error for no sources")
	}
	if _, err := parser.Parse(context.Background(), []string{filepath.Join(t.TempDir(), "none.cue")}); err == nil {
		t.Error("expected error for missing source")
	}
}
