package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but never block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation in enforcing mode.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation in enforcing mode.
	SeverityCritical Severity = "critical"
)

// blocking reports whether a violation of this severity denies an operation.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode decides what happens to a denied operation.
type Mode string

const (
	// ModeAdvisory logs violations and lets the operation run.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing refuses operations with blocking violations.
	ModeEnforcing Mode = "enforcing"
)

// Operation is the package operation being guarded.
type Operation string

const (
	OperationInstall   Operation = "install"
	OperationUninstall Operation = "uninstall"
	OperationUpdate    Operation = "update"
	OperationSettings  Operation = "settings"
	OperationEselect   Operation = "eselect"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// deny set of the module's package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Package  string   `json:"package,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result represents the outcome of evaluating every enabled policy against
// one input.
type Result struct {
	// Allowed is false when a blocking violation was found, regardless of mode.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Input is the document passed to Rego as `input`.
type Input struct {
	Operation Operation `json:"operation"`

	Resource *ResourceInput `json:"resource,omitempty"`

	Package *PackageInput `json:"package,omitempty"`

	Eselect *EselectInput `json:"eselect,omitempty"`

	Settings SettingsInput `json:"settings"`

	Context *Context `json:"context"`
}

// ResourceInput identifies the manifest resource behind the operation.
type ResourceInput struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// PackageInput is the resolved package the operation acts on.
type PackageInput struct {
	// Atom is category/name without slot or repository.
	Atom       string   `json:"atom"`
	Category   string   `json:"category,omitempty"`
	Name       string   `json:"name"`
	Slot       string   `json:"slot,omitempty"`
	Repository string   `json:"repository,omitempty"`
	Version    string   `json:"version,omitempty"`
	Use        []string `json:"use,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
}

// EselectInput is the selection an eselect operation makes.
type EselectInput struct {
	Module    string `json:"module,omitempty"`
	Submodule string `json:"submodule,omitempty"`
	Current   string `json:"current,omitempty"`
	Target    string `json:"target"`
}

// SettingsInput carries the guard settings from the configuration file so
// that policies can consult them without a data document.
type SettingsInput struct {
	ProtectedPackages []string `json:"protected_packages"`
	AllowLive         bool     `json:"allow_live"`
	DevVersion        string   `json:"dev_version"`
}

// Context provides context information for policy evaluation.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`
	Host      string    `json:"host,omitempty"`
}

// Bundle represents a collection of related policies shipped as one JSON file.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
