package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Provider reconciles one resource type, such as package or eselect.
// The Reconciler owns ordering; a provider handles one resource per call
// and must not assume any order between resources.
type Provider interface {
	// Init is called once by the registry before any other method.
	Init(ctx context.Context, config ProviderConfig) error

	// Read reports what is on the host now. A resource that is absent is
	// not an error; Exists is false instead.
	Read(ctx context.Context, req ReadRequest) (*ReadResponse, error)

	// Plan compares the desired config with the host and never changes it.
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)

	// Apply runs the planned operation, for instance emerge or eselect set.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)

	// Destroy removes the resource. Providers with nothing to remove
	// report success.
	Destroy(ctx context.Context, req DestroyRequest) (*DestroyResponse, error)

	// Validate checks a resource config without touching the host.
	Validate(ctx context.Context, config json.RawMessage) error

	Schema() (*ProviderSchema, error)
	Metadata() ProviderMetadata
}

// ProviderConfig is handed to Init by the registry.
type ProviderConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	// Config is the provider section of the agent configuration.
	Config json.RawMessage `json:"config,omitempty"`

	// Capabilities were granted by the registry; Init rejects a provider
	// whose executor needs one that is missing.
	Capabilities []string `json:"capabilities,omitempty"`
}

type ReadRequest struct {
	ResourceID string          `json:"resource_id"`
	Config     json.RawMessage `json:"config"`
}

type ReadResponse struct {
	// State is the provider's state document, e.g. a PackageState.
	State  json.RawMessage `json:"state"`
	Exists bool            `json:"exists"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type PlanRequest struct {
	ResourceID   string          `json:"resource_id"`
	DesiredState json.RawMessage `json:"desired_state"`

	// ActualState comes from Read. Providers that need a fresh view, as the
	// package provider does, read the host again.
	ActualState json.RawMessage `json:"actual_state,omitempty"`
}

type PlanResponse struct {
	// Operation is noop when the host already matches.
	Operation OperationType `json:"operation"`
	Changes   []Change      `json:"changes"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type ApplyRequest struct {
	ResourceID   string          `json:"resource_id"`
	DesiredState json.RawMessage `json:"desired_state"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
	Operation    OperationType   `json:"operation"`

	// PlannedChanges lets guards tell a settings change from a version
	// change within one update.
	PlannedChanges []Change `json:"planned_changes,omitempty"`
}

type ApplyResponse struct {
	NewState json.RawMessage `json:"new_state"`
	Events   []ProviderEvent `json:"events,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type DestroyRequest struct {
	ResourceID string          `json:"resource_id"`
	State      json.RawMessage `json:"state"`
}

type DestroyResponse struct {
	Success bool            `json:"success"`
	Events  []ProviderEvent `json:"events,omitempty"`
}

// ProviderEvent is something a provider did during Apply or Destroy, such
// as an emerge run or a selection switch.
type ProviderEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type ProviderSchema struct {
	Version       string                         `json:"version"`
	ResourceTypes map[string]*ResourceTypeSchema `json:"resource_types"`
}

type ResourceTypeSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// ConfigSchema and StateSchema are JSON schema documents.
	ConfigSchema json.RawMessage `json:"config_schema"`
	StateSchema  json.RawMessage `json:"state_schema,omitempty"`

	Capabilities []string `json:"capabilities,omitempty"`
}

type ProviderMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`
	License     string `json:"license"`
	Repository  string `json:"repository,omitempty"`

	// RequiredCapabilities must all be granted or registration fails.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// ProviderCapability is something the agent can grant a provider.
type ProviderCapability string

const (
	// CapabilityFSRead allows reading the package database and portage
	// configuration.
	CapabilityFSRead ProviderCapability = "fs:read"

	// CapabilityExecMicroRunner allows running commands through the
	// micro-runner on a remote host.
	CapabilityExecMicroRunner ProviderCapability = "exec:micro-runner"

	// CapabilityExecLocal allows running emerge, eix and eselect here.
	CapabilityExecLocal ProviderCapability = "exec:local"

	CapabilityEnvRead ProviderCapability = "env:read"
)
