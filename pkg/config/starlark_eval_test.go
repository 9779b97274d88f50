package config

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "globals are exported",
			script: "result = 2 + 2\n_hidden = 1\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
				if _, ok := sr.Output["_hidden"]; ok {
					t.Error("private globals must not be exported")
				}
			},
		},
		{
			name:   "input variables",
			script: "flags = base + [\"-ldap\"]\n",
			input:  map[string]interface{}{"base": []string{"ssl"}},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				want := []interface{}{"ssl", "-ldap"}
				if diff := cmp.Diff(want, sr.Output["flags"]); diff != "" {
					t.Errorf("flags mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "declarations",
			script: `
def db(name, slot):
    package(name, ensure = "latest", package_settings = {"slot": slot, "use": ["ssl"]})

db("dev-db/mysql", "5.5")
package("app-editors/vim", id = "editor", labels = {"role": "desktop"})
eselect("ruby", ensure = "ruby20")
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Resources) != 3 {
					t.Fatalf("expected 3 resources, got %d", len(sr.Resources))
				}
				if _, ok := sr.Output["db"]; ok {
					t.Error("functions must not be exported")
				}

				mysql := sr.Resources[0]
				if mysql.ID != "package/dev-db/mysql" || mysql.Type != ResourceTypePackage {
					t.Errorf("unexpected resource: %+v", mysql)
				}
				wantAttrs := map[string]interface{}{
					"name":   "dev-db/mysql",
					"ensure": "latest",
					"package_settings": map[string]interface{}{
						"slot": "5.5",
						"use":  []interface{}{"ssl"},
					},
				}
				if diff := cmp.Diff(wantAttrs, decodeAttrs(t, mysql)); diff != "" {
					t.Errorf("attributes mismatch (-want +got):\n%s", diff)
				}

				vim := sr.Resources[1]
				if vim.ID != "editor" || vim.Labels["role"] != "desktop" {
					t.Errorf("id and labels not applied: %+v", vim)
				}
				if _, ok := decodeAttrs(t, vim)["labels"]; ok {
					t.Error("labels leaked into attributes")
				}

				if sr.Resources[2].ID != "eselect/ruby" {
					t.Errorf("unexpected eselect id %q", sr.Resources[2].ID)
				}
			},
		},
		{
			name:    "declaration without title",
			script:  "package(ensure = \"latest\")\n",
			wantErr: true,
		},
		{
			name:    "declaration with a non-string title",
			script:  "package(42)\n",
			wantErr: true,
		},
		{
			name:    "syntax error",
			script:  "package(\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "x = 1 / 0\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if result == nil || result.Error == "" {
					t.Error("expected the error to be recorded in the result")
				}
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    x = 0
    for i in range(1000000000):
        x += i
    return x

total = spin()
`
	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result.Error == "" {
		t.Error("expected timeout to be recorded")
	}
}

func TestStarlarkValueConversion(t *testing.T) {
	in := map[string]interface{}{
		"b": true,
		"i": int64(3),
		"f": 1.5,
		"s": "x",
		"l": []interface{}{"a", int64(1)},
		"m": map[string]interface{}{"k": nil},
	}
	sv, err := toStarlarkValue(in)
	if err != nil {
		t.Fatalf("toStarlarkValue: %v", err)
	}
	out, err := fromStarlarkValue(sv)
	if err != nil {
		t.Fatalf("fromStarlarkValue: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
