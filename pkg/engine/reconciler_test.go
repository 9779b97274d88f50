package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type sourceMap map[string]Provider

func (s sourceMap) Get(resourceType string) (Provider, error) {
	p, ok := s[resourceType]
	if !ok {
		return nil, fmt.Errorf("no provider for resource type %q", resourceType)
	}
	return p, nil
}

// scripted plans an update for every resource listed in drift and fails
// Apply with the queued errors before succeeding.
type scripted struct {
	drift    map[string]bool
	planErr  error
	applyErr map[string][]error
	applied  []string
}

func (s *scripted) Init(context.Context, ProviderConfig) error { return nil }

func (s *scripted) Read(_ context.Context, req ReadRequest) (*ReadResponse, error) {
	return &ReadResponse{State: json.RawMessage(`{"id":"` + req.ResourceID + `"}`), Exists: true}, nil
}

func (s *scripted) Plan(_ context.Context, req PlanRequest) (*PlanResponse, error) {
	if s.planErr != nil {
		return nil, s.planErr
	}
	if len(req.ActualState) == 0 {
		return nil, errors.New("plan without actual state")
	}
	if !s.drift[req.ResourceID] {
		return &PlanResponse{Operation: OperationNoop}, nil
	}
	return &PlanResponse{
		Operation: OperationUpdate,
		Changes:   []Change{{Path: ".version", Before: "1", After: "2", Action: ChangeActionModify}},
	}, nil
}

func (s *scripted) Apply(_ context.Context, req ApplyRequest) (*ApplyResponse, error) {
	if queue := s.applyErr[req.ResourceID]; len(queue) > 0 {
		s.applyErr[req.ResourceID] = queue[1:]
		return nil, queue[0]
	}
	s.applied = append(s.applied, req.ResourceID)
	return &ApplyResponse{Events: []ProviderEvent{{Type: "package.installed", Message: req.ResourceID}}}, nil
}

func (s *scripted) Destroy(context.Context, DestroyRequest) (*DestroyResponse, error) {
	return &DestroyResponse{Success: true}, nil
}

func (s *scripted) Validate(context.Context, json.RawMessage) error { return nil }
func (s *scripted) Schema() (*ProviderSchema, error)               { return &ProviderSchema{}, nil }
func (s *scripted) Metadata() ProviderMetadata                     { return ProviderMetadata{Name: "scripted"} }

func pkgs(ids ...string) []Resource {
	out := make([]Resource, 0, len(ids))
	for _, id := range ids {
		out = append(out, Resource{ID: id, Type: "package", Config: json.RawMessage(`{}`)})
	}
	return out
}

func statuses(rep *Report) []ResultStatus {
	var out []ResultStatus
	for _, r := range rep.Results {
		out = append(out, r.Status)
	}
	return out
}

func TestReconcile(t *testing.T) {
	p := &scripted{drift: map[string]bool{"package/mysql": true}}
	r := NewReconciler(sourceMap{"package": p}, ReconcileOptions{})

	rep, err := r.Reconcile(context.Background(), pkgs("package/mysql", "package/puppet"))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if diff := cmp.Diff([]ResultStatus{ResultChanged, ResultUnchanged}, statuses(rep)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"package/mysql"}, p.applied); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(RunSummary{Total: 2, Changed: 1, Unchanged: 1}, rep.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if rep.Status() != RunStatusSucceeded || rep.Err() != nil {
		t.Errorf("Status() = %s, Err() = %v", rep.Status(), rep.Err())
	}
	if got := rep.Results[0]; got.Operation != OperationUpdate || len(got.Events) != 1 || got.Attempts != 1 {
		t.Errorf("changed result = %+v", got)
	}
}

func TestReconcileDryRun(t *testing.T) {
	p := &scripted{drift: map[string]bool{"package/mysql": true}}
	r := NewReconciler(sourceMap{"package": p}, ReconcileOptions{DryRun: true})

	rep, err := r.Reconcile(context.Background(), pkgs("package/mysql"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Results[0].Status != ResultPlanned || len(rep.Results[0].Changes) != 1 {
		t.Errorf("result = %+v, want planned with one change", rep.Results[0])
	}
	if len(p.applied) != 0 {
		t.Errorf("dry run applied %v", p.applied)
	}
}

func TestReconcileFailures(t *testing.T) {
	tests := []struct {
		name         string
		opts         ReconcileOptions
		applyErr     []error
		wantStatuses []ResultStatus
		wantCode     string
		wantAttempts int
		wantRun      RunStatus
	}{
		{
			name:         "permanent failure skips the rest",
			applyErr:     []error{NewCommandError("emerge exited 1", nil)},
			wantStatuses: []ResultStatus{ResultFailed, ResultSkipped},
			wantCode:     ErrCodeCommandFailed,
			wantAttempts: 1,
			wantRun:      RunStatusFailed,
		},
		{
			name:         "continue on error",
			opts:         ReconcileOptions{ContinueOnError: true},
			applyErr:     []error{errors.New("boom")},
			wantStatuses: []ResultStatus{ResultFailed, ResultChanged},
			wantCode:     ErrCodeProviderFailed,
			wantAttempts: 1,
			wantRun:      RunStatusPartial,
		},
		{
			name:         "transient failure retried",
			opts:         ReconcileOptions{MaxRetries: 2, RetryDelay: time.Millisecond},
			applyErr:     []error{NewTransientError("mirror unreachable", nil)},
			wantStatuses: []ResultStatus{ResultChanged, ResultChanged},
			wantAttempts: 2,
			wantRun:      RunStatusSucceeded,
		},
		{
			name:         "timeout not retried by default",
			applyErr:     []error{NewTransientError("emerge timed out", nil).WithCode(ErrCodeTimeout)},
			wantStatuses: []ResultStatus{ResultFailed, ResultSkipped},
			wantCode:     ErrCodeTimeout,
			wantAttempts: 1,
			wantRun:      RunStatusFailed,
		},
		{
			name: "retries exhausted",
			opts: ReconcileOptions{MaxRetries: 1, RetryDelay: time.Millisecond},
			applyErr: []error{
				NewTransientError("mirror unreachable", nil).WithCode(ErrCodeTimeout),
				NewTransientError("mirror unreachable", nil).WithCode(ErrCodeTimeout),
			},
			wantStatuses: []ResultStatus{ResultFailed, ResultSkipped},
			wantCode:     ErrCodeTimeout,
			wantAttempts: 2,
			wantRun:      RunStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scripted{
				drift:    map[string]bool{"package/mysql": true, "package/puppet": true},
				applyErr: map[string][]error{"package/mysql": tt.applyErr},
			}
			r := NewReconciler(sourceMap{"package": p}, tt.opts)

			rep, err := r.Reconcile(context.Background(), pkgs("package/mysql", "package/puppet"))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.wantStatuses, statuses(rep)); diff != "" {
				t.Errorf("statuses mismatch (-want +got):\n%s", diff)
			}
			first := rep.Results[0]
			if first.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", first.Attempts, tt.wantAttempts)
			}
			if got := CodeOf(rep.Err()); got != tt.wantCode {
				t.Errorf("CodeOf(Err()) = %q, want %q", got, tt.wantCode)
			}
			if first.Error != nil && (first.Error.Resource != "package/mysql" || first.Error.Operation != "update") {
				t.Errorf("error context = %q/%q", first.Error.Resource, first.Error.Operation)
			}
			if rep.Status() != tt.wantRun {
				t.Errorf("Status() = %s, want %s", rep.Status(), tt.wantRun)
			}
		})
	}
}

func TestReconcileUnknownType(t *testing.T) {
	r := NewReconciler(sourceMap{}, ReconcileOptions{})
	rep, err := r.Reconcile(context.Background(), []Resource{{ID: "service/nginx", Type: "service"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := CodeOf(rep.Err()); got != ErrCodeSpecification {
		t.Errorf("CodeOf() = %q, want %q", got, ErrCodeSpecification)
	}
}

func TestReconcilePlanError(t *testing.T) {
	p := &scripted{planErr: NewAmbiguityError("mysql matches 2 packages", nil)}
	var seen []string
	r := NewReconciler(sourceMap{"package": p}, ReconcileOptions{
		OnResult: func(res *ResourceResult) { seen = append(seen, res.Resource.ID) },
	})

	rep, err := r.Reconcile(context.Background(), pkgs("package/mysql"))
	if err != nil {
		t.Fatal(err)
	}
	if got := rep.Results[0].Error; got == nil || got.Code != ErrCodeAmbiguous || got.Operation != "plan" {
		t.Errorf("Error = %+v", got)
	}
	if diff := cmp.Diff([]string{"package/mysql"}, seen); diff != "" {
		t.Errorf("OnResult mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReconciler(sourceMap{"package": &scripted{}}, ReconcileOptions{})
	if _, err := r.Reconcile(ctx, pkgs("package/mysql")); !errors.Is(err, context.Canceled) {
		t.Errorf("Reconcile() error = %v, want context.Canceled", err)
	}
}
