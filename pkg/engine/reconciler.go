package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ProviderSource resolves the provider serving a resource type.
type ProviderSource interface {
	Get(resourceType string) (Provider, error)
}

// ResultStatus is the outcome of reconciling one resource.
type ResultStatus string

const (
	ResultUnchanged ResultStatus = "unchanged"
	ResultPlanned   ResultStatus = "planned"
	ResultChanged   ResultStatus = "changed"
	ResultFailed    ResultStatus = "failed"
	ResultSkipped   ResultStatus = "skipped"
)

// RunStatus is the overall outcome of a reconciliation.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// ReconcileOptions tune a Reconciler.
type ReconcileOptions struct {
	// DryRun stops after Plan.
	DryRun bool

	// ContinueOnError keeps going after a failed resource. Otherwise the
	// remaining resources are skipped.
	ContinueOnError bool

	// MaxRetries bounds the retries of an Apply that failed with a
	// retryable error.
	MaxRetries int

	// RetryDelay is the first backoff delay. Defaults to one second.
	RetryDelay time.Duration

	// Timeout bounds each resource when non-zero.
	Timeout time.Duration

	// OnResult is called after every resource.
	OnResult func(*ResourceResult)
}

// ResourceResult records what happened to one resource.
type ResourceResult struct {
	Resource  Resource        `json:"resource"`
	Status    ResultStatus    `json:"status"`
	Operation OperationType   `json:"operation,omitempty"`
	Changes   []Change        `json:"changes,omitempty"`
	Events    []ProviderEvent `json:"events,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Error     *EngineError    `json:"error,omitempty"`
}

// RunSummary counts results by status.
type RunSummary struct {
	Total     int `json:"total"`
	Changed   int `json:"changed"`
	Planned   int `json:"planned"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Report is the outcome of Reconcile.
type Report struct {
	Results []*ResourceResult `json:"results"`
	Summary RunSummary        `json:"summary"`
}

// Status derives the run status from the summary.
func (r *Report) Status() RunStatus {
	switch {
	case r.Summary.Failed == 0:
		return RunStatusSucceeded
	case r.Summary.Changed > 0 || r.Summary.Unchanged > 0 || r.Summary.Planned > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// Err returns the first failure, or nil.
func (r *Report) Err() error {
	for _, res := range r.Results {
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}

// Reconciler drives resources through Read, Plan and Apply one at a time,
// in the order given.
type Reconciler struct {
	providers ProviderSource
	opts      ReconcileOptions
}

// NewReconciler creates a reconciler.
func NewReconciler(providers ProviderSource, opts ReconcileOptions) *Reconciler {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	return &Reconciler{providers: providers, opts: opts}
}

// Reconcile processes resources. The returned error is only set when ctx
// ends; resource failures are in the report.
func (r *Reconciler) Reconcile(ctx context.Context, resources []Resource) (*Report, error) {
	report := &Report{Results: make([]*ResourceResult, 0, len(resources))}
	failed := false

	for _, res := range resources {
		var result *ResourceResult
		switch {
		case ctx.Err() != nil:
			return report, ctx.Err()
		case failed && !r.opts.ContinueOnError:
			result = &ResourceResult{Resource: res, Status: ResultSkipped}
		default:
			result = r.reconcileOne(ctx, res)
		}
		if result.Status == ResultFailed {
			failed = true
		}

		report.add(result)
		if r.opts.OnResult != nil {
			r.opts.OnResult(result)
		}
	}
	return report, nil
}

func (rep *Report) add(res *ResourceResult) {
	rep.Results = append(rep.Results, res)
	rep.Summary.Total++
	switch res.Status {
	case ResultChanged:
		rep.Summary.Changed++
	case ResultPlanned:
		rep.Summary.Planned++
	case ResultUnchanged:
		rep.Summary.Unchanged++
	case ResultFailed:
		rep.Summary.Failed++
	case ResultSkipped:
		rep.Summary.Skipped++
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, res Resource) *ResourceResult {
	start := time.Now()
	result := &ResourceResult{Resource: res}
	defer func() { result.Duration = time.Since(start) }()

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	fail := func(op string, err error) *ResourceResult {
		result.Status = ResultFailed
		result.Error = classifyError(err, res.ID, op)
		return result
	}

	p, err := r.providers.Get(res.Type)
	if err != nil {
		return fail("read", NewSpecificationError(err.Error(), err))
	}

	read, err := p.Read(ctx, ReadRequest{ResourceID: res.ID, Config: res.Config})
	if err != nil {
		return fail("read", err)
	}

	plan, err := p.Plan(ctx, PlanRequest{ResourceID: res.ID, DesiredState: res.Config, ActualState: read.State})
	if err != nil {
		return fail("plan", err)
	}
	result.Operation = plan.Operation
	result.Changes = plan.Changes

	if !plan.Operation.IsMutating() {
		result.Status = ResultUnchanged
		return result
	}
	if r.opts.DryRun {
		result.Status = ResultPlanned
		return result
	}

	req := ApplyRequest{
		ResourceID:     res.ID,
		DesiredState:   res.Config,
		ActualState:    read.State,
		Operation:      plan.Operation,
		PlannedChanges: plan.Changes,
	}
	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		var resp *ApplyResponse
		resp, err = p.Apply(ctx, req)
		if err == nil {
			result.Events = resp.Events
			break
		}
		if !IsRetryable(err) || attempt >= r.opts.MaxRetries {
			break
		}

		select {
		case <-time.After(r.backoff(attempt, err)):
		case <-ctx.Done():
			return fail("apply", ctx.Err())
		}
	}
	if err != nil {
		return fail(string(plan.Operation), err)
	}

	result.Status = ResultChanged
	return result
}

// backoff doubles the delay per attempt, starting higher for throttling,
// and caps it at a minute.
func (r *Reconciler) backoff(attempt int, err error) time.Duration {
	base := r.opts.RetryDelay
	if IsThrottled(err) {
		base *= 5
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

func classifyError(err error, resourceID, op string) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.Resource = resourceID
		}
		if ee.Operation == "" {
			ee.Operation = op
		}
		return ee
	}
	return NewPermanentError(fmt.Sprintf("%s failed", op), err).
		WithCode(ErrCodeProviderFailed).
		WithResource(resourceID).
		WithOperation(op)
}
