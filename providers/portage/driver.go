package portage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/executor"
	"github.com/openfroyo/portagegt/pkg/portage/eix"
	"github.com/openfroyo/portagegt/pkg/portage/flags"
	"github.com/openfroyo/portagegt/pkg/portage/resolve"
	"github.com/openfroyo/portagegt/pkg/portage/settings"
	"github.com/openfroyo/portagegt/pkg/portage/vdb"
	"github.com/openfroyo/portagegt/pkg/stores"
	"github.com/openfroyo/portagegt/pkg/telemetry"
)

// InstalledPackage is the installed state of a package as read from the
// package database.
type InstalledPackage struct {
	Name       string `json:"name"`
	Category   string `json:"category"`
	Version    string `json:"version"`
	Slot       string `json:"slot"`
	Repository string `json:"repository"`

	// UseValid is IUSE with default markers removed.
	UseValid []string `json:"use_valid,omitempty"`

	// UsePositive is the set of enabled USE flags.
	UsePositive []string `json:"use_positive,omitempty"`

	BuildTime time.Time `json:"build_time"`
}

// Atom returns category/name.
func (p *InstalledPackage) Atom() string {
	return p.Category + "/" + p.Name
}

// Deps are the collaborators shared by every Driver of a run.
type Deps struct {
	Portage  config.Portage
	Executor executor.Executor
	DB       *vdb.Reader
	Eix      *eix.Client

	// Builds is required by the build_time sync policy only.
	Builds stores.BuildStore

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// Warn reports a message that should only be shown once per run. Nil
	// logs every time.
	Warn func(msg string)
}

// Driver reconciles one package resource.
type Driver struct {
	res   *Resource
	deps  Deps
	log   *telemetry.Logger
	state State
}

// NewDriver creates a driver for res.
func NewDriver(res *Resource, deps Deps) *Driver {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	slot, _ := res.Atom.Slot()
	repo, _ := res.Atom.Repository()
	return &Driver{
		res:  res,
		deps: deps,
		log:  logger.WithPackage(res.Atom.Qualified(), slot, repo),
	}
}

// State returns the current state.
func (d *Driver) State() State { return d.state }

// Resource returns the resource being reconciled.
func (d *Driver) Resource() *Resource { return d.res }

// Spec returns the argument handed to emerge for an install.
func (d *Driver) Spec() string {
	if v := d.res.Version(); v != "" {
		return d.res.Atom.Exact(v)
	}
	return d.res.Atom.String()
}

// InstallCommand returns the emerge invocation of Install.
func (d *Driver) InstallCommand() executor.Command {
	argv := make([]string, 0, len(d.res.InstallOptions)+2)
	argv = append(argv, d.deps.Portage.Emerge)
	argv = append(argv, d.res.InstallOptions...)
	argv = append(argv, d.Spec())
	return executor.Command{Argv: argv, Env: d.res.Settings.EnvironmentOrNil()}
}

// UninstallCommand returns the emerge invocation of Uninstall.
func (d *Driver) UninstallCommand() executor.Command {
	return executor.Command{Argv: []string{d.deps.Portage.Emerge, "--unmerge", d.res.Atom.String()}}
}

// Install emerges the package. Under the build_time policy the resulting
// BUILD_TIME is recorded.
func (d *Driver) Install(ctx context.Context) error {
	d.state = StateInstalling
	defer func() { d.state = StateUnknown }()

	if err := d.run(ctx, d.InstallCommand()); err != nil {
		return err
	}

	if d.deps.Portage.SyncPolicy != config.SyncPolicyBuildTime || d.deps.Builds == nil {
		return nil
	}
	return d.recordBuild(ctx)
}

// Update is Install.
func (d *Driver) Update(ctx context.Context) error {
	return d.Install(ctx)
}

// Uninstall unmerges the package and forgets its build record.
func (d *Driver) Uninstall(ctx context.Context) error {
	var installed *InstalledPackage
	if d.deps.Builds != nil {
		var err error
		if installed, err = d.Query(ctx); err != nil {
			return err
		}
	}

	d.state = StateUninstalling
	defer func() { d.state = StateUnknown }()

	if err := d.run(ctx, d.UninstallCommand()); err != nil {
		return err
	}

	if installed != nil {
		if err := d.deps.Builds.DeleteBuild(ctx, installed.Atom(), installed.Slot); err != nil {
			return fmt.Errorf("failed to forget build of %s: %w", installed.Atom(), err)
		}
	}
	return nil
}

// Query returns the installed package, or nil when it is not installed.
func (d *Driver) Query(ctx context.Context) (*InstalledPackage, error) {
	c, err := d.deps.DB.Query(ctx, d.res.Atom, d.deps.Portage.Defaults())
	if err != nil {
		return nil, Classify(err)
	}
	d.state = StateQueried
	if c == nil {
		return nil, nil
	}
	return &InstalledPackage{
		Name:        c.Name,
		Category:    c.Category,
		Version:     c.Version,
		Slot:        c.Slot,
		Repository:  c.Repository,
		UseValid:    flags.TokenizeList(flags.StripPositive(c.IUSE)),
		UsePositive: c.USE,
		BuildTime:   c.BuildTime,
	}, nil
}

// Latest returns the newest version that could be installed.
func (d *Driver) Latest(ctx context.Context) (string, error) {
	doc, err := d.deps.Eix.Search(ctx, d.res.Atom)
	if err != nil {
		return "", Classify(err)
	}
	if msg := doc.VersionWarning(d.deps.Portage.EixDumpVersions); msg != "" {
		d.deps.Metrics.RecordEixWarning()
		if d.deps.Warn != nil {
			d.deps.Warn(msg)
		} else {
			d.log.Warn(msg)
		}
	}

	c, err := eix.Latest(d.res.Atom, doc, d.deps.Portage.Policy())
	if err != nil {
		return "", Classify(err)
	}
	return c.Version, nil
}

// PackageSettings returns the current settings record, which is the
// installed package. It is nil when the package is not installed.
func (d *Driver) PackageSettings(ctx context.Context) (*InstalledPackage, error) {
	return d.Query(ctx)
}

// PackageSettingsInSync reports whether current satisfies desired.
func (d *Driver) PackageSettingsInSync(ctx context.Context, desired *settings.Settings, current *InstalledPackage) (bool, error) {
	drift, err := d.SettingsDrift(ctx, desired, current)
	if err != nil {
		return false, err
	}
	if len(drift) > 0 {
		d.state = StateOutOfSync
		return false, nil
	}
	d.state = StateInSync
	return true, nil
}

// Drift fields.
const (
	FieldRepository = "repository"
	FieldSlot       = "slot"
	FieldUse        = "use"
	FieldBuildTime  = "build_time"
)

// SettingsDrift returns the settings fields in which current differs from
// desired. A package that is not installed has no settings to compare and
// reports no drift.
func (d *Driver) SettingsDrift(ctx context.Context, desired *settings.Settings, current *InstalledPackage) ([]string, error) {
	if current == nil || desired == nil {
		return nil, nil
	}

	var drift []string
	if desired.Repository != "" && desired.Repository != current.Repository {
		drift = append(drift, FieldRepository)
	}
	if desired.Slot != "" && resolve.StripSubslot(desired.Slot) != current.Slot {
		drift = append(drift, FieldSlot)
	}
	if !d.deps.Portage.UseChange {
		return drift, nil
	}

	if d.deps.Portage.SyncPolicy == config.SyncPolicyBuildTime && d.deps.Builds != nil {
		inSync, recorded, err := d.buildTimeInSync(ctx, desired, current)
		if err != nil {
			return nil, err
		}
		if recorded {
			if !inSync {
				drift = append(drift, FieldBuildTime)
			}
			return drift, nil
		}
		d.log.Debug("no build record, comparing USE flags")
	}

	res := flags.IsInSync(current.UseValid, desired.UseFlags(), current.UsePositive)
	if len(res.Conflicts) > 0 {
		d.log.ConflictWarning(res.Conflicts)
		d.deps.Metrics.RecordFlagConflict()
	}
	if !res.InSync {
		d.log.WithField("missing", res.Missing).WithField("unwanted", res.Unwanted).Debug("USE flags out of sync")
		drift = append(drift, FieldUse)
	}
	return drift, nil
}

// buildTimeInSync compares the recorded build with the installed one. The
// second result is false when nothing was recorded for the package.
func (d *Driver) buildTimeInSync(ctx context.Context, desired *settings.Settings, current *InstalledPackage) (bool, bool, error) {
	rec, err := d.deps.Builds.GetBuild(ctx, current.Atom(), current.Slot)
	if errors.Is(err, stores.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read build record: %w", err)
	}

	if !rec.BuildTime.Equal(current.BuildTime) {
		d.log.WithField("recorded", rec.BuildTime).WithField("installed", current.BuildTime).
			Debug("package was rebuilt outside of portagegt")
		return false, true, nil
	}
	applied, err := encodeSettings(desired)
	if err != nil {
		return false, true, err
	}
	return rec.Settings == applied, true, nil
}

// SetPackageSettings applies desired by reinstalling the package.
func (d *Driver) SetPackageSettings(ctx context.Context, desired *settings.Settings) error {
	if desired != nil {
		id := d.res.Atom
		if desired.Slot != "" {
			id = id.WithSlot(desired.Slot)
		}
		if desired.Repository != "" {
			id = id.WithRepository(desired.Repository)
		}
		d.res.Atom = id
		d.res.Settings = desired
	}
	return d.Install(ctx)
}

func (d *Driver) recordBuild(ctx context.Context) error {
	installed, err := d.Query(ctx)
	if err != nil {
		return err
	}
	if installed == nil {
		d.log.Warn("package not found in the package database after emerge, build not recorded")
		return nil
	}

	applied, err := encodeSettings(d.res.Settings)
	if err != nil {
		return err
	}
	build := &stores.AppliedBuild{
		Atom:       installed.Atom(),
		Slot:       installed.Slot,
		ResourceID: d.res.ID,
		Version:    installed.Version,
		Repository: installed.Repository,
		BuildTime:  installed.BuildTime,
		Settings:   applied,
		AppliedAt:  time.Now().UTC(),
	}
	if err := d.deps.Builds.RecordBuild(ctx, build); err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	return nil
}

func (d *Driver) run(ctx context.Context, cmd executor.Command) error {
	d.log.WithField("command", cmd.String()).Info("running emerge")
	res, err := d.deps.Executor.Execute(ctx, cmd)
	if err != nil {
		return Classify(err)
	}
	d.log.WithField("duration", res.Duration.String()).Debug("emerge finished")
	return nil
}

// encodeSettings is the canonical form stored with a build record.
func encodeSettings(s *settings.Settings) (string, error) {
	if s == nil {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode package settings: %w", err)
	}
	return string(data), nil
}
