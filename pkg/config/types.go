package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/portagegt/pkg/engine"
)

// Resource types understood by the manifest loader.
const (
	ResourceTypePackage = "package"
	ResourceTypeEselect = "eselect"
)

// ResourceConfig is one resource declaration from a manifest.
type ResourceConfig struct {
	// ID is the unique identifier, "package/dev-db/mysql" for the concise
	// form.
	ID string `json:"id" validate:"required"`

	// Type is "package" or "eselect".
	Type string `json:"type" validate:"required,oneof=package eselect"`

	// Name is the resource title, a package atom or an eselect module.
	Name string `json:"name" validate:"required"`

	// Config is the resource attributes, including name.
	Config json.RawMessage `json:"config" validate:"required"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`
}

// ParsedConfig is the result of loading one or more manifests.
type ParsedConfig struct {
	Resources   []ResourceConfig  `json:"resources"`
	SourceFiles []string          `json:"source_files"`
	ParsedAt    time.Time         `json:"parsed_at"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "package.mysql.ensure").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (v ValidationError) String() string {
	loc := v.Path
	if v.File != "" {
		loc = v.File
		if v.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", v.File, v.Line, v.Column)
		}
	}
	if loc == "" {
		return v.Message
	}
	return loc + ": " + v.Message
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// Resources are the resources declared with package() and eselect().
	Resources []ResourceConfig `json:"resources,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
}

// ToResources converts the parsed declarations to provider resources.
func (pc *ParsedConfig) ToResources() []engine.Resource {
	resources := make([]engine.Resource, len(pc.Resources))
	for i, rc := range pc.Resources {
		resources[i] = engine.Resource{
			ID:     rc.ID,
			Type:   rc.Type,
			Name:   rc.Name,
			Config: rc.Config,
			Labels: rc.Labels,
		}
	}
	return resources
}

// ResourceID returns the identifier of a concise declaration.
func ResourceID(resourceType, title string) string {
	return resourceType + "/" + title
}
