package config

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{"eselect", "package", "resource"}
	if diff := cmp.Diff(want, sr.ListSchemas()); diff != "" {
		t.Errorf("ListSchemas mismatch (-want +got):\n%s", diff)
	}

	for _, name := range want {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Fatalf("built-in schema %s not found", name)
		}
		if schema.Err() != nil {
			t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
		}
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("custom", "#Custom", "#Custom: {field1: string}"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "custom", map[string]interface{}{"field1": "x"}); err != nil {
		t.Errorf("valid data rejected: %v", err)
	}

	if err := sr.RegisterSchema("missing", "#Other", "#Custom: {}"); err == nil {
		t.Error("expected error for a missing definition")
	}
	if err := sr.RegisterSchema("broken", "#Broken", "#Broken: {"); err == nil {
		t.Error("expected error for invalid CUE")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestSchemaRegistry_Package(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{name: "name only", config: `{"name": "mysql"}`},
		{
			name: "full",
			config: `{
				"name": "mysql",
				"category": "dev-db",
				"ensure": "latest",
				"install_options": ["--oneshot"],
				"package_settings": {
					"slot": "5.5",
					"repository": "company-overlay",
					"use": ["ssl", "-ldap"],
					"keywords": "~amd64",
					"environment": {"MAKEOPTS": "-j4"}
				}
			}`,
		},
		{name: "numeric slot", config: `{"name": "glibc", "package_settings": {"slot": 2.2}}`},
		{name: "missing name", config: `{"ensure": "latest"}`, wantErr: true},
		{name: "unknown attribute", config: `{"name": "mysql", "version": "5.5"}`, wantErr: true},
		{name: "unknown setting", config: `{"name": "mysql", "package_settings": {"flags": "ssl"}}`, wantErr: true},
		{name: "bad environment key", config: `{"name": "mysql", "package_settings": {"environment": {"1BAD": "x"}}}`, wantErr: true},
		{name: "bad repository", config: `{"name": "mysql", "package_settings": {"repository": "bad repo"}}`, wantErr: true},
		{name: "use not a string", config: `{"name": "mysql", "package_settings": {"use": 7}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, "package", json.RawMessage(tt.config))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_Eselect(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{name: "module from name", config: `{"name": "ruby", "ensure": "ruby20"}`},
		{name: "submodule", config: `{"name": "php", "module": "php", "submodule": "cli", "ensure": "php5.5"}`},
		{name: "custom commands", config: `{"name": "java", "listcmd": "java-config -L", "setcmd": "java-config -S", "ensure": "icedtea-bin-7"}`},
		{name: "missing ensure", config: `{"name": "ruby"}`, wantErr: true},
		{name: "bad module", config: `{"name": "ruby", "module": "Ruby2", "ensure": "ruby20"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, "eselect", json.RawMessage(tt.config))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateResource(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := ResourceConfig{
		ID:     "package/dev-db/mysql",
		Type:   ResourceTypePackage,
		Name:   "dev-db/mysql",
		Config: json.RawMessage(`{"name": "dev-db/mysql", "ensure": "present"}`),
		Labels: map[string]string{"role": "db"},
	}
	if err := sr.ValidateResource(ctx, valid); err != nil {
		t.Errorf("valid resource rejected: %v", err)
	}

	wrongType := valid
	wrongType.Type = "service"
	if err := sr.ValidateResource(ctx, wrongType); err == nil {
		t.Error("expected error for unknown resource type")
	}

	badAttrs := valid
	badAttrs.Config = json.RawMessage(`{"name": "dev-db/mysql", "ensure": ""}`)
	if err := sr.ValidateResource(ctx, badAttrs); err == nil {
		t.Error("expected error for empty ensure")
	}

	notJSON := valid
	notJSON.Config = json.RawMessage(`{`)
	if err := sr.ValidateResource(ctx, notJSON); err == nil {
		t.Error("expected error for malformed config")
	}
}
