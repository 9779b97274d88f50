package eselect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/pkg/executor"
	"github.com/openfroyo/portagegt/pkg/policy"
)

const rubyList = `Available Ruby profiles:
  [1]   ruby19 (with Rubygems)
  [2]   ruby20 (with Rubygems) *
  [3]   ruby21 (with Rubygems)
`

// recorder answers list commands with output and records everything.
type recorder struct {
	output string
	argv   [][]string
}

func (r *recorder) Execute(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	r.argv = append(r.argv, cmd.Argv)
	for _, a := range cmd.Argv {
		if a == "list" || a == "ruby-list" {
			return &executor.Result{Stdout: r.output}, nil
		}
	}
	return &executor.Result{}, nil
}

func TestConfigResource(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    *Resource
		wantErr error
	}{
		{
			name: "module from name",
			cfg:  Config{Name: "ruby", Ensure: "ruby20"},
			want: &Resource{Name: "ruby", Target: "ruby20", Module: "ruby"},
		},
		{
			name: "explicit module",
			cfg:  Config{Name: "ruby-version", Ensure: "ruby20", Module: "ruby"},
			want: &Resource{Name: "ruby-version", Target: "ruby20", Module: "ruby"},
		},
		{
			name: "submodule",
			cfg:  Config{Name: "php-fpm", Ensure: "php5.5", Module: "php", Submodule: "fpm"},
			want: &Resource{Name: "php-fpm", Target: "php5.5", Module: "php", Submodule: "fpm"},
		},
		{
			name: "custom commands",
			cfg:  Config{Name: "jdk", Ensure: "icedtea-7", ListCmd: "java-vm --list", SetCmd: "java-vm --set system"},
			want: &Resource{Name: "jdk", Target: "icedtea-7",
				ListArgv: []string{"java-vm", "--list"}, SetArgv: []string{"java-vm", "--set", "system"}},
		},
		{
			name:    "module disagreement",
			cfg:     Config{Name: "ruby", Ensure: "ruby20", Module: "python"},
			wantErr: ErrModuleDisagreement,
		},
		{
			name:    "listcmd without setcmd",
			cfg:     Config{Name: "jdk", ListCmd: "java-vm --list"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "setcmd without listcmd",
			cfg:     Config{Name: "jdk", SetCmd: "java-vm --set system"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "custom commands with module",
			cfg:     Config{Name: "jdk", Module: "java", ListCmd: "a", SetCmd: "b"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "custom commands with submodule",
			cfg:     Config{Name: "jdk", Submodule: "vm", ListCmd: "a", SetCmd: "b"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "whitespace in submodule",
			cfg:     Config{Name: "php", Submodule: "fpm cli"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "no module",
			cfg:     Config{Name: "ruby-version", Ensure: "ruby20"},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Resource()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resource() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resource() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resource() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	s := &Selector{Binary: "/usr/bin/eselect"}
	tests := []struct {
		name     string
		res      *Resource
		wantList []string
		wantSet  []string
	}{
		{
			name:     "module",
			res:      &Resource{Module: "ruby"},
			wantList: []string{"/usr/bin/eselect", "ruby", "list"},
			wantSet:  []string{"/usr/bin/eselect", "ruby", "set", "ruby21"},
		},
		{
			name:     "submodule",
			res:      &Resource{Module: "php", Submodule: "fpm"},
			wantList: []string{"/usr/bin/eselect", "php", "list", "fpm"},
			wantSet:  []string{"/usr/bin/eselect", "php", "set", "fpm", "ruby21"},
		},
		{
			name:     "custom",
			res:      &Resource{ListArgv: []string{"ruby-list"}, SetArgv: []string{"ruby-set", "-q"}},
			wantList: []string{"ruby-list"},
			wantSet:  []string{"ruby-set", "-q", "ruby21"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.wantList, s.ListCommand(tt.res).Argv); diff != "" {
				t.Errorf("list argv mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSet, s.SetCommand(tt.res, "ruby21").Argv); diff != "" {
				t.Errorf("set argv mismatch (-want +got):\n%s", diff)
			}
		})
	}

	// SetCommand must not grow the resource's argv.
	res := &Resource{ListArgv: []string{"l"}, SetArgv: make([]string, 1, 4)}
	res.SetArgv[0] = "s"
	s.SetCommand(res, "a")
	if got := s.SetCommand(res, "b").Argv; !cmp.Equal(got, []string{"s", "b"}) {
		t.Errorf("second SetCommand = %v", got)
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    *Listing
		wantErr error
	}{
		{
			name:   "selected",
			output: rubyList,
			want:   &Listing{Options: []string{"ruby19", "ruby20", "ruby21"}, Selected: "ruby20"},
		},
		{
			name:   "nothing selected",
			output: "  [1]   python2.7\r\n  [2]   python3.3\r\n",
			want:   &Listing{Options: []string{"python2.7", "python3.3"}},
		},
		{
			name:   "empty",
			output: "",
			want:   &Listing{},
		},
		{
			name:    "multiple selected",
			output:  "[1] ruby19 *\n[2] ruby20 *\n",
			wantErr: ErrMultipleSelected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList(tt.output)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseList() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseList() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCurrent(t *testing.T) {
	s := &Selector{Exec: &recorder{output: rubyList}}

	got, err := s.Current(context.Background(), &Resource{Name: "ruby", Module: "ruby", Target: "ruby21"})
	if err != nil || got != "ruby20" {
		t.Errorf("Current() = %q, %v; want ruby20", got, err)
	}

	_, err = s.Current(context.Background(), &Resource{Name: "ruby", Module: "ruby", Target: "ruby22"})
	var invalid *InvalidOptionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Current() error = %v, want *InvalidOptionError", err)
	}
	if diff := cmp.Diff([]string{"ruby19", "ruby20", "ruby21"}, invalid.Options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}

func newTestProvider(t *testing.T, exec executor.Executor, guard Guard) *Provider {
	t.Helper()
	p := New(Options{Executor: exec, Eselect: "/usr/bin/eselect", Guard: guard})
	if err := p.Init(context.Background(), engine.ProviderConfig{
		Capabilities: []string{string(engine.CapabilityExecMicroRunner)},
	}); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProviderPlanApply(t *testing.T) {
	rec := &recorder{output: rubyList}
	p := newTestProvider(t, rec, nil)
	ctx := context.Background()
	desired := json.RawMessage(`{"ensure": "ruby21"}`)

	plan, err := p.Plan(ctx, engine.PlanRequest{ResourceID: "eselect/ruby", DesiredState: desired})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Operation != engine.OperationUpdate || len(plan.Changes) != 1 || plan.Changes[0].Before != "ruby20" {
		t.Fatalf("plan = %+v", plan)
	}

	resp, err := p.Apply(ctx, engine.ApplyRequest{
		ResourceID: "eselect/ruby", DesiredState: desired, Operation: plan.Operation,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(resp.Events) != 1 {
		t.Errorf("events = %+v", resp.Events)
	}
	want := [][]string{
		{"/usr/bin/eselect", "ruby", "list"},
		{"/usr/bin/eselect", "ruby", "list"},
		{"/usr/bin/eselect", "ruby", "set", "ruby21"},
		{"/usr/bin/eselect", "ruby", "list"},
	}
	if diff := cmp.Diff(want, rec.argv); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestProviderPlanNoop(t *testing.T) {
	p := newTestProvider(t, &recorder{output: rubyList}, nil)
	plan, err := p.Plan(context.Background(), engine.PlanRequest{
		ResourceID: "eselect/ruby", DesiredState: json.RawMessage(`{"name": "ruby", "ensure": "ruby20"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Operation != engine.OperationNoop {
		t.Errorf("Operation = %s", plan.Operation)
	}
}

func TestProviderErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid option", func(t *testing.T) {
		p := newTestProvider(t, &recorder{output: rubyList}, nil)
		_, err := p.Plan(ctx, engine.PlanRequest{ResourceID: "eselect/ruby", DesiredState: json.RawMessage(`{"ensure": "ruby9"}`)})
		if code := engine.CodeOf(err); code != engine.ErrCodeSpecification {
			t.Errorf("Plan() error = %v, want %s", err, engine.ErrCodeSpecification)
		}
	})

	t.Run("multiple selected", func(t *testing.T) {
		p := newTestProvider(t, &recorder{output: "[1] a *\n[2] b *\n"}, nil)
		_, err := p.Read(ctx, engine.ReadRequest{ResourceID: "eselect/ruby", Config: json.RawMessage(`{"ensure": "a"}`)})
		if code := engine.CodeOf(err); code != engine.ErrCodeMetadataIntegrity {
			t.Errorf("Read() error = %v, want %s", err, engine.ErrCodeMetadataIntegrity)
		}
	})

	t.Run("set fails", func(t *testing.T) {
		exec := executor.ExecuteFunc(func(_ context.Context, cmd executor.Command) (*executor.Result, error) {
			if cmd.Argv[2] == "set" {
				return nil, &executor.ExitError{Argv: cmd.Argv, ExitCode: 1, Stderr: "permission denied"}
			}
			return &executor.Result{Stdout: rubyList}, nil
		})
		p := newTestProvider(t, exec, nil)
		_, err := p.Apply(ctx, engine.ApplyRequest{
			ResourceID: "eselect/ruby", DesiredState: json.RawMessage(`{"ensure": "ruby21"}`), Operation: engine.OperationUpdate,
		})
		var ee *engine.EngineError
		if !errors.As(err, &ee) || ee.Code != engine.ErrCodeCommandFailed || ee.Resource != "eselect/ruby" {
			t.Errorf("Apply() error = %v", err)
		}
	})

	t.Run("policy denied", func(t *testing.T) {
		guard, err := policy.NewEngine(zerolog.Nop(), policy.Options{})
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(t.TempDir(), "pinned-ruby.rego")
		err = os.WriteFile(path, []byte(`package portagegt.policies.pinned

import rego.v1

deny contains violation if {
	input.operation == "eselect"
	input.eselect.module == "ruby"
	violation := {"message": "ruby is pinned", "severity": "error"}
}
`), 0o600)
		if err != nil {
			t.Fatal(err)
		}
		if err := guard.LoadPolicies(ctx, []string{path}); err != nil {
			t.Fatal(err)
		}

		rec := &recorder{output: rubyList}
		p := newTestProvider(t, rec, guard)
		_, err = p.Apply(ctx, engine.ApplyRequest{
			ResourceID: "eselect/ruby", DesiredState: json.RawMessage(`{"ensure": "ruby21"}`), Operation: engine.OperationUpdate,
		})
		if code := engine.CodeOf(err); code != engine.ErrCodePolicyDenied {
			t.Fatalf("Apply() error = %v, want %s", err, engine.ErrCodePolicyDenied)
		}
		for _, argv := range rec.argv {
			if argv[2] == "set" {
				t.Error("set ran after a denial")
			}
		}
	})
}

func TestProviderValidate(t *testing.T) {
	p := New(Options{})
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{`{"name": "ruby", "ensure": "ruby20"}`, false},
		{`{"name": "ruby"}`, true},
		{`{"name": "ruby", "ensure": "ruby20", "module": "python"}`, true},
		{`{"name": "ruby", "ensure": "ruby20", "target": "x"}`, true},
	}
	for _, tt := range tests {
		err := p.Validate(context.Background(), json.RawMessage(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
	}
}
