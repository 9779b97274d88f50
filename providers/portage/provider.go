// Package portage implements the package resource: a provider that
// reconciles Gentoo packages with emerge, the installed package database
// and the eix index.
package portage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/pkg/executor"
	"github.com/openfroyo/portagegt/pkg/policy"
	"github.com/openfroyo/portagegt/pkg/portage/atom"
	"github.com/openfroyo/portagegt/pkg/portage/eix"
	"github.com/openfroyo/portagegt/pkg/portage/flagfile"
	"github.com/openfroyo/portagegt/pkg/portage/vdb"
	"github.com/openfroyo/portagegt/pkg/stores"
	"github.com/openfroyo/portagegt/pkg/telemetry"
)

// ResourceType is the resource type served by Provider.
const ResourceType = config.ResourceTypePackage

// Version is the provider version reported in Metadata and Schema.
const Version = "1.0.0"

// Guard decides whether a package operation may run. *policy.Engine
// implements it.
type Guard interface {
	Check(ctx context.Context, in *policy.Input) error
}

// Options are the collaborators of a Provider.
type Options struct {
	Portage  config.Portage
	Executor executor.Executor

	// PackageDB serves the installed package database. Defaults to the
	// local Portage.PackageDB directory.
	PackageDB fs.FS

	Builds    stores.BuildStore
	Guard     Guard
	Telemetry *telemetry.Telemetry

	// Host is passed to policies as context.host.
	Host string
}

// Provider implements engine.Provider for package resources.
type Provider struct {
	opts         Options
	portage      config.Portage
	tel          *telemetry.Telemetry
	capabilities map[string]bool
	initialized  bool

	mu     sync.Mutex
	warned map[string]bool
}

var _ engine.Provider = (*Provider)(nil)

// PackageState is the state document of a package resource.
type PackageState struct {
	// Package is the atom as declared.
	Package string `json:"package"`

	Installed   bool     `json:"installed"`
	Category    string   `json:"category,omitempty"`
	Name        string   `json:"name,omitempty"`
	Version     string   `json:"version,omitempty"`
	Slot        string   `json:"slot,omitempty"`
	Repository  string   `json:"repository,omitempty"`
	UseValid    []string `json:"use_valid,omitempty"`
	UsePositive []string `json:"use_positive,omitempty"`

	BuildTime *time.Time `json:"build_time,omitempty"`

	// AvailableVersion is the newest installable version, filled for
	// ensure latest.
	AvailableVersion string `json:"available_version,omitempty"`
}

// New creates a provider. Init must be called before use.
func New(opts Options) *Provider {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Provider{
		opts:    opts,
		portage: opts.Portage,
		tel:     tel,
		warned:  make(map[string]bool),
	}
}

// Init applies portage overrides from cfg.Config and checks that an exec
// capability was granted.
func (p *Provider) Init(_ context.Context, cfg engine.ProviderConfig) error {
	if len(cfg.Config) > 0 {
		if err := json.Unmarshal(cfg.Config, &p.portage); err != nil {
			return engine.NewSpecificationError("failed to parse provider config", err)
		}
	}
	if err := p.portage.Validate(); err != nil {
		return engine.NewSpecificationError("invalid provider config", err)
	}

	p.capabilities = make(map[string]bool)
	for _, c := range cfg.Capabilities {
		p.capabilities[c] = true
	}
	if !p.capabilities[string(engine.CapabilityExecLocal)] && !p.capabilities[string(engine.CapabilityExecMicroRunner)] {
		return fmt.Errorf("provider requires %s or %s capability",
			engine.CapabilityExecLocal, engine.CapabilityExecMicroRunner)
	}
	if p.opts.Executor == nil {
		return fmt.Errorf("provider requires an executor")
	}

	p.initialized = true
	return nil
}

// Portage returns the effective portage configuration.
func (p *Provider) Portage() config.Portage { return p.portage }

// Driver returns a driver for res sharing the provider's collaborators.
func (p *Provider) Driver(res *Resource, logger *telemetry.Logger) *Driver {
	if logger == nil {
		logger = p.tel.Logger.WithResource(ResourceType, res.ID)
	}
	return NewDriver(res, Deps{
		Portage:  p.portage,
		Executor: p.opts.Executor,
		DB:       p.packageDB(),
		Eix:      p.eixClient(),
		Builds:   p.opts.Builds,
		Logger:   logger,
		Metrics:  p.tel.Metrics,
		Warn:     p.warnOnce,
	})
}

// Read retrieves the installed state of a package resource.
func (p *Provider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}

	res, err := ParseResource(engine.Resource{ID: req.ResourceID, Type: ResourceType, Config: req.Config})
	if err != nil {
		return nil, Classify(err)
	}

	state, err := p.readState(ctx, p.Driver(res, nil))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	return &engine.ReadResponse{
		State:  data,
		Exists: state.Installed,
		Metadata: map[string]interface{}{
			"package": res.Atom.String(),
		},
	}, nil
}

func (p *Provider) readState(ctx context.Context, d *Driver) (*PackageState, error) {
	res := d.Resource()
	installed, err := d.Query(ctx)
	if err != nil {
		return nil, err
	}

	state := &PackageState{Package: res.Atom.String()}
	if installed != nil {
		buildTime := installed.BuildTime
		state.Installed = true
		state.Category = installed.Category
		state.Name = installed.Name
		state.Version = installed.Version
		state.Slot = installed.Slot
		state.Repository = installed.Repository
		state.UseValid = installed.UseValid
		state.UsePositive = installed.UsePositive
		state.BuildTime = &buildTime
	}

	if res.Ensure == EnsureLatest {
		latest, err := d.Latest(ctx)
		if err != nil {
			return nil, err
		}
		state.AvailableVersion = latest
	}
	return state, nil
}

func (s *PackageState) installedPackage() *InstalledPackage {
	if s == nil || !s.Installed {
		return nil
	}
	pkg := &InstalledPackage{
		Name:        s.Name,
		Category:    s.Category,
		Version:     s.Version,
		Slot:        s.Slot,
		Repository:  s.Repository,
		UseValid:    s.UseValid,
		UsePositive: s.UsePositive,
	}
	if s.BuildTime != nil {
		pkg.BuildTime = *s.BuildTime
	}
	return pkg
}

// Plan computes the operation that brings the package to its desired state.
// Without an actual state the package database is read.
func (p *Provider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}

	res, err := ParseResource(engine.Resource{ID: req.ResourceID, Type: ResourceType, Config: req.DesiredState})
	if err != nil {
		return nil, Classify(err)
	}
	d := p.Driver(res, nil)

	var actual *PackageState
	if len(req.ActualState) > 0 {
		actual = &PackageState{}
		if err := json.Unmarshal(req.ActualState, actual); err != nil {
			return nil, fmt.Errorf("failed to parse actual state: %w", err)
		}
		if res.Ensure == EnsureLatest && actual.Installed && actual.AvailableVersion == "" {
			if actual.AvailableVersion, err = d.Latest(ctx); err != nil {
				return nil, err
			}
		}
	} else if actual, err = p.readState(ctx, d); err != nil {
		return nil, err
	}

	operation := engine.OperationNoop
	var changes []engine.Change

	switch {
	case res.Absent():
		if actual.Installed {
			operation = engine.OperationDelete
			changes = append(changes,
				engine.Change{Path: ".installed", Before: true, After: false, Action: engine.ChangeActionRemove},
				engine.Change{Path: ".version", Before: actual.Version, After: nil, Action: engine.ChangeActionRemove},
			)
		}

	case !actual.Installed:
		operation = engine.OperationCreate
		changes = append(changes, engine.Change{Path: ".installed", Before: false, After: true, Action: engine.ChangeActionAdd})
		if v := p.wantedVersion(res, actual); v != "" {
			changes = append(changes, engine.Change{Path: ".version", Before: nil, After: v, Action: engine.ChangeActionAdd})
		}

	default:
		if v := p.wantedVersion(res, actual); v != "" && v != actual.Version {
			operation = engine.OperationUpdate
			changes = append(changes, engine.Change{Path: ".version", Before: actual.Version, After: v, Action: engine.ChangeActionModify})
		}

		drift, err := d.SettingsDrift(ctx, res.Settings, actual.installedPackage())
		if err != nil {
			return nil, err
		}
		if len(drift) > 0 {
			operation = engine.OperationUpdate
			changes = append(changes, driftChanges(res, actual, drift)...)
			for _, field := range drift {
				p.tel.Metrics.RecordDrift(ResourceType, field)
			}
			if err := p.tel.Events.PublishDrift(res.ID, drift); err != nil {
				d.log.WithError(err).Debug("drift event dropped")
			}
		}
	}

	return &engine.PlanResponse{
		Operation: operation,
		Changes:   changes,
		Metadata: map[string]interface{}{
			"package": d.Spec(),
			"ensure":  res.Ensure,
		},
	}, nil
}

// wantedVersion is the version ensure asks for, or "" for any version.
func (p *Provider) wantedVersion(res *Resource, actual *PackageState) string {
	if res.Ensure == EnsureLatest {
		return actual.AvailableVersion
	}
	return res.Version()
}

func driftChanges(res *Resource, actual *PackageState, drift []string) []engine.Change {
	changes := make([]engine.Change, 0, len(drift))
	for _, field := range drift {
		c := engine.Change{Path: ".package_settings." + field, Action: engine.ChangeActionModify}
		switch field {
		case FieldRepository:
			c.Before, c.After = actual.Repository, res.Settings.Repository
		case FieldSlot:
			c.Before, c.After = actual.Slot, res.Settings.Slot
		case FieldUse:
			c.Before, c.After = actual.UsePositive, []string(res.Settings.Use)
		case FieldBuildTime:
			c.Before = actual.BuildTime
		}
		changes = append(changes, c)
	}
	return changes
}

// Apply runs the planned operation after the guard allows it.
func (p *Provider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}

	res, err := ParseResource(engine.Resource{ID: req.ResourceID, Type: ResourceType, Config: req.DesiredState})
	if err != nil {
		return nil, Classify(err)
	}
	if req.Operation == engine.OperationNoop {
		return p.applied(ctx, p.Driver(res, nil), nil)
	}

	op := p.tel.StartOperation(ctx, ResourceType, res.ID, string(req.Operation))
	d := p.Driver(res, op.Logger)

	events, err := p.apply(op.Ctx, d, req)
	err = Classify(err)
	op.End(err, engine.CodeOf(err))
	if err != nil {
		if ee, ok := err.(*engine.EngineError); ok && ee.Resource == "" {
			ee.WithResource(res.ID).WithOperation(string(req.Operation))
		}
		return nil, err
	}
	return p.applied(ctx, d, events)
}

func (p *Provider) apply(ctx context.Context, d *Driver, req engine.ApplyRequest) ([]engine.ProviderEvent, error) {
	res := d.Resource()
	guardOp := guardOperation(req.Operation, req.PlannedChanges)
	if err := p.check(ctx, guardOp, res); err != nil {
		p.tel.Metrics.RecordPolicyDenial(string(guardOp))
		_ = p.tel.Events.PublishPackage(telemetry.EventTypePolicyDenied, res.ID, res.Atom.Qualified(), err.Error())
		return nil, err
	}

	var (
		eventType string
		message   string
	)
	switch req.Operation {
	case engine.OperationCreate:
		if err := d.Install(ctx); err != nil {
			return nil, err
		}
		eventType, message = telemetry.EventTypeInstalled, "installed "+d.Spec()

	case engine.OperationUpdate:
		var err error
		if guardOp == policy.OperationSettings {
			err = d.SetPackageSettings(ctx, res.Settings)
			eventType, message = telemetry.EventTypeSettingsApplied, "rebuilt "+d.Spec()+" with new package settings"
		} else {
			err = d.Update(ctx)
			eventType, message = telemetry.EventTypeInstalled, "updated "+d.Spec()
		}
		if err != nil {
			return nil, err
		}

	case engine.OperationDelete:
		if err := d.Uninstall(ctx); err != nil {
			return nil, err
		}
		eventType, message = telemetry.EventTypeUninstalled, "unmerged "+res.Atom.String()

	default:
		return nil, fmt.Errorf("unsupported operation: %s", req.Operation)
	}

	if err := p.tel.Events.PublishPackage(eventType, res.ID, res.Atom.Qualified(), message); err != nil {
		d.log.WithError(err).Debug("event dropped")
	}
	return []engine.ProviderEvent{{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Message:   message,
		Data:      map[string]interface{}{"package": res.Atom.Qualified()},
	}}, nil
}

func (p *Provider) applied(ctx context.Context, d *Driver, events []engine.ProviderEvent) (*engine.ApplyResponse, error) {
	state, err := p.readState(ctx, d)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal new state: %w", err)
	}
	return &engine.ApplyResponse{
		NewState: data,
		Events:   events,
		Metadata: map[string]interface{}{"package": d.Spec()},
	}, nil
}

// guardOperation names the operation for policies. An update whose planned
// changes only touch package_settings is a settings change.
func guardOperation(op engine.OperationType, changes []engine.Change) policy.Operation {
	switch op {
	case engine.OperationCreate:
		return policy.OperationInstall
	case engine.OperationDelete:
		return policy.OperationUninstall
	}
	if len(changes) == 0 {
		return policy.OperationUpdate
	}
	for _, c := range changes {
		if !strings.HasPrefix(c.Path, ".package_settings.") {
			return policy.OperationUpdate
		}
	}
	return policy.OperationSettings
}

func (p *Provider) check(ctx context.Context, op policy.Operation, res *Resource) error {
	if p.opts.Guard == nil {
		return nil
	}
	return p.opts.Guard.Check(ctx, p.policyInput(op, res))
}

func (p *Provider) policyInput(op policy.Operation, res *Resource) *policy.Input {
	category, _ := res.Atom.Category()
	slot, _ := res.Atom.Slot()
	repo, _ := res.Atom.Repository()
	return &policy.Input{
		Operation: op,
		Resource: &policy.ResourceInput{
			ID:     res.ID,
			Type:   ResourceType,
			Name:   res.Title,
			Labels: res.Labels,
		},
		Package: &policy.PackageInput{
			Atom:       res.Atom.Qualified(),
			Category:   category,
			Name:       res.Atom.Name(),
			Slot:       slot,
			Repository: repo,
			Version:    res.Version(),
			Use:        res.Settings.UseFlags(),
			Keywords:   res.Settings.KeywordFlags(),
		},
		Context: &policy.Context{Timestamp: time.Now().UTC(), Host: p.opts.Host},
	}
}

// Destroy unmerges the package recorded in the state.
func (p *Provider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}

	var state PackageState
	if err := json.Unmarshal(req.State, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if !state.Installed {
		return &engine.DestroyResponse{Success: true}, nil
	}

	id := atom.New(state.Category, state.Name, state.Slot, "")
	resp, err := p.Apply(ctx, engine.ApplyRequest{
		ResourceID:   req.ResourceID,
		DesiredState: mustMarshal(PackageConfig{Name: id.String(), Ensure: EnsureAbsent}),
		Operation:    engine.OperationDelete,
	})
	if err != nil {
		return nil, err
	}
	return &engine.DestroyResponse{Success: true, Events: resp.Events}, nil
}

// Validate checks a resource configuration without touching the host.
func (p *Provider) Validate(_ context.Context, raw json.RawMessage) error {
	cfg, err := DecodeConfig(raw)
	if err != nil {
		return Classify(err)
	}
	if cfg.Name == "" {
		return engine.NewSpecificationError("package name is required", nil)
	}
	_, err = cfg.Resource()
	return Classify(err)
}

// Prefetch refreshes the eix index and rewrites the flag files for every
// package resource of a run.
func (p *Provider) Prefetch(ctx context.Context, resources []*Resource) ([]*flagfile.Report, error) {
	entries := make([]flagfile.Entry, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, r.Entry())
	}
	prefetcher := &flagfile.Prefetcher{
		Portage: p.portage,
		Index:   p.eixClient(),
		Syncer: &flagfile.Syncer{
			DefaultSlot: p.portage.DefaultSlot,
			Logger:      p.tel.Logger.NewComponentLogger("flagfile").Zerolog(),
			Recorder:    p.tel.Metrics,
		},
	}
	reports, err := prefetcher.Prefetch(ctx, entries)
	return reports, Classify(err)
}

// Schema returns the JSON schemas of the package resource.
func (p *Provider) Schema() (*engine.ProviderSchema, error) {
	return &engine.ProviderSchema{
		Version: Version,
		ResourceTypes: map[string]*engine.ResourceTypeSchema{
			ResourceType: {
				Name:         ResourceType,
				Description:  "Manages Gentoo packages with emerge",
				ConfigSchema: json.RawMessage(packageConfigSchema),
				StateSchema:  json.RawMessage(packageStateSchema),
				Capabilities: []string{string(engine.CapabilityExecLocal), string(engine.CapabilityFSRead)},
			},
		},
	}, nil
}

// Metadata returns information about this provider.
func (p *Provider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:        "portagegt",
		Version:     Version,
		Description: "Gentoo package provider with slot, repository and USE flag reconciliation",
		Author:      "OpenFroyo",
		License:     "Apache-2.0",
		Repository:  "https://github.com/openfroyo/portagegt",
		RequiredCapabilities: []string{
			string(engine.CapabilityFSRead),
		},
	}
}

func (p *Provider) packageDB() *vdb.Reader {
	fsys := p.opts.PackageDB
	if fsys == nil {
		fsys = os.DirFS(p.portage.PackageDB)
	}
	return &vdb.Reader{FS: fsys, Root: p.portage.PackageDB}
}

func (p *Provider) eixClient() *eix.Client {
	return &eix.Client{
		Exec:   p.opts.Executor,
		Binary: p.portage.Eix,
		EixRC:  p.portage.EixRC,
	}
}

func (p *Provider) warnOnce(msg string) {
	p.mu.Lock()
	seen := p.warned[msg]
	p.warned[msg] = true
	p.mu.Unlock()
	if !seen {
		p.tel.Logger.Warn(msg)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

const packageConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "additionalProperties": false,
  "properties": {
    "name": {
      "type": "string",
      "description": "Package atom: name, category/name or category/name:slot",
      "minLength": 1
    },
    "category": {
      "type": "string",
      "description": "Category, must agree with one embedded in name"
    },
    "ensure": {
      "type": "string",
      "description": "present, latest, absent or an exact version",
      "default": "present"
    },
    "package_settings": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "slot": {"type": ["string", "number"]},
        "repository": {"type": "string", "pattern": "^[A-Za-z0-9_][A-Za-z0-9_-]*$"},
        "use": {"type": ["string", "array"], "items": {"type": "string"}},
        "keywords": {"type": ["string", "array"], "items": {"type": "string"}},
        "environment": {
          "type": "object",
          "propertyNames": {"pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
          "additionalProperties": {"type": "string"}
        }
      }
    },
    "install_options": {
      "type": "array",
      "description": "Extra emerge arguments placed before the package",
      "items": {"type": "string"}
    }
  }
}`

const packageStateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "package": {"type": "string"},
    "installed": {"type": "boolean"},
    "category": {"type": "string"},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "slot": {"type": "string"},
    "repository": {"type": "string"},
    "use_valid": {"type": "array", "items": {"type": "string"}},
    "use_positive": {"type": "array", "items": {"type": "string"}},
    "build_time": {"type": "string", "format": "date-time"},
    "available_version": {"type": "string"}
  }
}`
