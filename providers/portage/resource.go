package portage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/pkg/portage/atom"
	"github.com/openfroyo/portagegt/pkg/portage/flagfile"
	"github.com/openfroyo/portagegt/pkg/portage/settings"
)

// Ensure values with a fixed meaning. Anything else is an exact version.
const (
	EnsurePresent   = "present"
	EnsureInstalled = "installed"
	EnsureLatest    = "latest"
	EnsureAbsent    = "absent"
	EnsurePurged    = "purged"
)

var errInvalidConfig = errors.New("invalid package configuration")

// PackageConfig is the desired configuration of a package resource as it
// appears in a manifest.
type PackageConfig struct {
	// Name is the package atom, optionally with category and slot.
	Name string `json:"name"`

	Category string `json:"category,omitempty"`

	// Ensure is present, latest, absent or an exact version. Defaults to
	// present.
	Ensure string `json:"ensure,omitempty"`

	PackageSettings json.RawMessage `json:"package_settings,omitempty"`

	// InstallOptions are passed to emerge before the package spec.
	InstallOptions []string `json:"install_options,omitempty"`
}

// Resource is a parsed and validated package resource.
type Resource struct {
	ID     string
	Title  string
	Atom   atom.Identifier
	Ensure string

	Settings       *settings.Settings
	InstallOptions []string
	Labels         map[string]string
}

// DecodeConfig parses raw into a PackageConfig, rejecting unknown keys.
func DecodeConfig(raw json.RawMessage) (*PackageConfig, error) {
	var cfg PackageConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	return &cfg, nil
}

// ParseResource builds a Resource from a manifest resource.
func ParseResource(r engine.Resource) (*Resource, error) {
	cfg, err := DecodeConfig(r.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = r.Name
	}
	res, err := cfg.Resource()
	if err != nil {
		return nil, err
	}
	if r.ID != "" {
		res.ID = r.ID
	}
	res.Labels = r.Labels
	return res, nil
}

// Resource validates the configuration. The category and the slot and
// repository of package_settings are merged into the atom.
func (c *PackageConfig) Resource() (*Resource, error) {
	s, err := settings.Decode(c.PackageSettings)
	if err != nil {
		return nil, err
	}

	id, err := atom.Parse(c.Name, atom.Overrides{
		Category:   c.Category,
		Slot:       s.SlotOrEmpty(),
		Repository: s.RepositoryOrEmpty(),
	})
	if err != nil {
		return nil, err
	}

	ensure := strings.TrimSpace(c.Ensure)
	if ensure == "" {
		ensure = EnsurePresent
	}
	if strings.ContainsAny(ensure, " \t/:") {
		return nil, fmt.Errorf("%w: ensure %q is not a version", errInvalidConfig, c.Ensure)
	}

	return &Resource{
		ID:             "package/" + c.Name,
		Title:          c.Name,
		Atom:           id,
		Ensure:         ensure,
		Settings:       s,
		InstallOptions: c.InstallOptions,
	}, nil
}

// Absent reports whether the resource asks for the package to be removed.
func (r *Resource) Absent() bool {
	return r.Ensure == EnsureAbsent || r.Ensure == EnsurePurged
}

// Version returns the pinned version, or "" when ensure is a keyword.
func (r *Resource) Version() string {
	switch r.Ensure {
	case EnsurePresent, EnsureInstalled, EnsureLatest, EnsureAbsent, EnsurePurged:
		return ""
	}
	return r.Ensure
}

// Entry returns the flag file entry of r for the prefetch step.
func (r *Resource) Entry() flagfile.Entry {
	category, _ := r.Atom.Category()
	slot, _ := r.Atom.Slot()
	return flagfile.Entry{
		Title:    r.Title,
		Category: category,
		Name:     r.Atom.Name(),
		Slot:     slot,
		Use:      r.Settings.UseFlags(),
		Keywords: r.Settings.KeywordFlags(),
	}
}
