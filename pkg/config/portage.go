package config

import (
	"github.com/openfroyo/portagegt/pkg/portage/eix"
	"github.com/openfroyo/portagegt/pkg/portage/resolve"
)

// SyncPolicy selects how package_settings drift is detected.
type SyncPolicy string

const (
	// SyncPolicyFlagSet compares the desired USE flags with the installed ones.
	SyncPolicyFlagSet SyncPolicy = "flag_set"

	// SyncPolicyBuildTime compares the installed BUILD_TIME with the one
	// recorded after the last install made by this tool.
	SyncPolicyBuildTime SyncPolicy = "build_time"
)

// Portage holds the host conventions and tool behaviour of the package
// provider.
type Portage struct {
	DefaultSlot       string `yaml:"defaultSlot" validate:"required"`
	DefaultRepository string `yaml:"defaultRepository" validate:"required"`

	// DevVersion is the live ebuild version, never proposed by latest
	// unless already installed.
	DevVersion string `yaml:"devVersion" validate:"required"`

	// EixDumpVersions lists the eixdump format versions known to parse.
	EixDumpVersions []int `yaml:"eixDumpVersions" validate:"min=1,dive,gt=0"`

	UseDir      string `yaml:"useDir" validate:"required"`
	KeywordsDir string `yaml:"keywordsDir" validate:"required"`
	PackageDB   string `yaml:"packageDB" validate:"required"`

	// EixRunUpdate rebuilds the eix index before a run; EixRunSync syncs
	// the tree first and requires EixRunUpdate.
	EixRunUpdate bool `yaml:"eixRunUpdate"`
	EixRunSync   bool `yaml:"eixRunSync"`

	// UseChange rebuilds a package when its USE flags drift.
	UseChange bool `yaml:"useChange"`

	SyncPolicy SyncPolicy `yaml:"syncPolicy" validate:"oneof=flag_set build_time"`

	EixRC   string `yaml:"eixrc"`
	Emerge  string `yaml:"emerge" validate:"required"`
	Eselect string `yaml:"eselect" validate:"required"`
	Eix     string `yaml:"eix" validate:"required"`
}

// DefaultPortage returns the stock Gentoo layout.
func DefaultPortage() Portage {
	return Portage{
		DefaultSlot:       "0",
		DefaultRepository: "gentoo",
		DevVersion:        "9999",
		EixDumpVersions:   []int{6, 7, 8, 9, 10},
		UseDir:            "/etc/portage/package.use",
		KeywordsDir:       "/etc/portage/package.keywords",
		PackageDB:         "/var/db/pkg",
		EixRunUpdate:      true,
		EixRunSync:        true,
		UseChange:         true,
		SyncPolicy:        SyncPolicyFlagSet,
		EixRC:             "/etc/eixrc",
		Emerge:            "/usr/bin/emerge",
		Eselect:           "/usr/bin/eselect",
		Eix:               "/usr/bin/eix",
	}
}

// Validate checks the field constraints of p and that eix sync is only
// enabled together with eix update.
func (p Portage) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.EixRunSync && !p.EixRunUpdate {
		return ErrSyncWithoutUpdate
	}
	return nil
}

// Defaults returns the fallback identifiers used during resolution.
func (p Portage) Defaults() resolve.Defaults {
	return resolve.Defaults{Slot: p.DefaultSlot, Repository: p.DefaultRepository}
}

// Policy returns the candidate selection policy for latest.
func (p Portage) Policy() eix.Policy {
	return eix.Policy{Defaults: p.Defaults(), DevVersion: p.DevVersion}
}
