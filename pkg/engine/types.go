package engine

import (
	"encoding/json"
	"fmt"
)

// OperationType represents the type of operation to perform on a resource.
type OperationType string

const (
	// OperationCreate indicates a package should be installed.
	OperationCreate OperationType = "create"

	// OperationUpdate indicates an installed package should be rebuilt or upgraded.
	OperationUpdate OperationType = "update"

	// OperationDelete indicates a package should be unmerged.
	OperationDelete OperationType = "delete"

	// OperationNoop indicates no operation is needed (resource is in desired state).
	OperationNoop OperationType = "noop"

	// OperationRead indicates a read-only operation to refresh state.
	OperationRead OperationType = "read"
)

// IsMutating returns true if the operation changes the host.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationNoop, OperationRead:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// Change represents a single field change in a plan.
type Change struct {
	// Path is the JSON path to the changed field.
	Path string `json:"path"`

	// Before is the value before the change.
	Before interface{} `json:"before"`

	// After is the value after the change.
	After interface{} `json:"after"`

	// Action is the type of change.
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change to a field.
type ChangeAction string

const (
	// ChangeActionAdd indicates a field is being added.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates a field is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates a field is being modified.
	ChangeActionModify ChangeAction = "modify"
)

// Resource is a single resource declaration handed to a provider.
type Resource struct {
	// ID is the unique identifier for this resource.
	ID string `json:"id"`

	// Type is the resource type ("package" or "eselect").
	Type string `json:"type"`

	// Name is the resource title as written in the manifest.
	Name string `json:"name"`

	// Config is the desired configuration for this resource.
	Config json.RawMessage `json:"config"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`
}
