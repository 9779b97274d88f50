package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a CLI run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one invocation of the CLI that changed or inspected packages.
type Run struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AppliedBuild records the BUILD_TIME of a package right after this tool
// installed it. Comparing it with the current BUILD_TIME tells whether
// something else rebuilt the package since.
type AppliedBuild struct {
	// Atom is "category/name".
	Atom       string    `json:"atom"`
	Slot       string    `json:"slot"`
	ResourceID string    `json:"resource_id"`
	Version    string    `json:"version"`
	Repository string    `json:"repository"`
	BuildTime  time.Time `json:"build_time"`
	// Settings is the JSON encoded package_settings applied with the build.
	Settings  string    `json:"settings"`
	RunID     *string   `json:"run_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Event is a persisted telemetry event.
type Event struct {
	ID         string    `json:"id"`
	RunID      *string   `json:"run_id,omitempty"`
	ResourceID *string   `json:"resource_id,omitempty"`
	Type       string    `json:"type"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Data       *string   `json:"data,omitempty"` // JSON blob
	Timestamp  time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	BuildStore

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID *string, limit, offset int) ([]*Event, error)

	HealthCheck(ctx context.Context) error
}

// BuildStore is the subset of Store the package provider needs for the
// build_time sync policy.
type BuildStore interface {
	RecordBuild(ctx context.Context, build *AppliedBuild) error
	GetBuild(ctx context.Context, atom, slot string) (*AppliedBuild, error)
	DeleteBuild(ctx context.Context, atom, slot string) error
	ListBuilds(ctx context.Context) ([]*AppliedBuild, error)
}
