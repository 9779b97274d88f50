package eselect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/pkg/executor"
	"github.com/openfroyo/portagegt/pkg/policy"
	"github.com/openfroyo/portagegt/pkg/telemetry"
)

// ResourceType is the resource type served by Provider.
const ResourceType = config.ResourceTypeEselect

// Guard decides whether a selection may be changed.
type Guard interface {
	Check(ctx context.Context, in *policy.Input) error
}

// Options are the collaborators of a Provider.
type Options struct {
	Executor  executor.Executor
	Eselect   string
	Guard     Guard
	Telemetry *telemetry.Telemetry
	Host      string
}

// State is the state document of an eselect resource.
type State struct {
	Name      string   `json:"name"`
	Module    string   `json:"module,omitempty"`
	Submodule string   `json:"submodule,omitempty"`
	Selected  string   `json:"selected"`
	Options   []string `json:"options"`
}

// Provider implements engine.Provider for eselect resources.
type Provider struct {
	opts        Options
	tel         *telemetry.Telemetry
	initialized bool
}

var _ engine.Provider = (*Provider)(nil)

// New creates a provider.
func New(opts Options) *Provider {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Provider{opts: opts, tel: tel}
}

// Init checks that commands can be run.
func (p *Provider) Init(_ context.Context, cfg engine.ProviderConfig) error {
	granted := false
	for _, c := range cfg.Capabilities {
		if c == string(engine.CapabilityExecLocal) || c == string(engine.CapabilityExecMicroRunner) {
			granted = true
		}
	}
	if !granted {
		return fmt.Errorf("provider requires %s or %s capability",
			engine.CapabilityExecLocal, engine.CapabilityExecMicroRunner)
	}
	if p.opts.Executor == nil {
		return fmt.Errorf("provider requires an executor")
	}
	p.initialized = true
	return nil
}

func (p *Provider) selector() *Selector {
	return &Selector{Exec: p.opts.Executor, Binary: p.opts.Eselect}
}

func (p *Provider) parse(id string, raw json.RawMessage) (*Resource, error) {
	cfg, err := DecodeConfig(raw)
	if err != nil {
		return nil, classify(err)
	}
	if cfg.Name == "" {
		cfg.Name = nameFromID(id)
	}
	r, err := cfg.Resource()
	return r, classify(err)
}

// Read lists the options and the current selection. It does not check the
// desired target.
func (p *Provider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}
	r, err := p.parse(req.ResourceID, req.Config)
	if err != nil {
		return nil, err
	}
	l, err := p.selector().List(ctx, r)
	if err != nil {
		return nil, classify(err)
	}
	data, err := json.Marshal(stateOf(r, l))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &engine.ReadResponse{State: data, Exists: l.Selected != ""}, nil
}

func stateOf(r *Resource, l *Listing) *State {
	return &State{
		Name:      r.Name,
		Module:    r.Module,
		Submodule: r.Submodule,
		Selected:  l.Selected,
		Options:   l.Options,
	}
}

// Plan compares the selected option with the target.
func (p *Provider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}
	r, err := p.parse(req.ResourceID, req.DesiredState)
	if err != nil {
		return nil, err
	}

	current, err := p.selector().Current(ctx, r)
	if err != nil {
		return nil, classify(err)
	}

	resp := &engine.PlanResponse{
		Operation: engine.OperationNoop,
		Metadata:  map[string]interface{}{"target": r.Target},
	}
	if current != r.Target {
		resp.Operation = engine.OperationUpdate
		resp.Changes = []engine.Change{{
			Path: ".selected", Before: current, After: r.Target, Action: engine.ChangeActionModify,
		}}
		p.tel.Metrics.RecordDrift(ResourceType, "selected")
	}
	return resp, nil
}

// Apply selects the target.
func (p *Provider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}
	r, err := p.parse(req.ResourceID, req.DesiredState)
	if err != nil {
		return nil, err
	}
	s := p.selector()

	var events []engine.ProviderEvent
	if req.Operation != engine.OperationNoop {
		op := p.tel.StartOperation(ctx, ResourceType, req.ResourceID, string(req.Operation))
		events, err = p.apply(op.Ctx, s, r, req.ResourceID, op.Logger)
		err = classify(err)
		op.End(err, engine.CodeOf(err))
		if err != nil {
			var ee *engine.EngineError
			if errors.As(err, &ee) && ee.Resource == "" {
				ee.WithResource(req.ResourceID).WithOperation(string(req.Operation))
			}
			return nil, err
		}
	}

	l, err := s.List(ctx, r)
	if err != nil {
		return nil, classify(err)
	}
	data, err := json.Marshal(stateOf(r, l))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal new state: %w", err)
	}
	return &engine.ApplyResponse{NewState: data, Events: events}, nil
}

func (p *Provider) apply(ctx context.Context, s *Selector, r *Resource, id string, logger *telemetry.Logger) ([]engine.ProviderEvent, error) {
	current, err := s.Current(ctx, r)
	if err != nil {
		return nil, err
	}

	if p.opts.Guard != nil {
		in := &policy.Input{
			Operation: policy.OperationEselect,
			Resource:  &policy.ResourceInput{ID: id, Type: ResourceType, Name: r.Name},
			Eselect: &policy.EselectInput{
				Module: r.Module, Submodule: r.Submodule, Current: current, Target: r.Target,
			},
			Context: &policy.Context{Timestamp: time.Now().UTC(), Host: p.opts.Host},
		}
		if err := p.opts.Guard.Check(ctx, in); err != nil {
			p.tel.Metrics.RecordPolicyDenial(string(policy.OperationEselect))
			_ = p.tel.Events.PublishPackage(telemetry.EventTypePolicyDenied, id, r.Name, err.Error())
			return nil, err
		}
	}

	cmd := s.SetCommand(r, r.Target)
	logger.WithField("command", cmd.String()).Info("selecting")
	if err := s.Set(ctx, r, r.Target); err != nil {
		return nil, err
	}

	message := fmt.Sprintf("selected %s (was %s)", r.Target, current)
	if err := p.tel.Events.PublishPackage(telemetry.EventTypeSelected, id, r.Name, message); err != nil {
		logger.WithError(err).Debug("event dropped")
	}
	return []engine.ProviderEvent{{
		Timestamp: time.Now().UTC(),
		Type:      telemetry.EventTypeSelected,
		Message:   message,
		Data:      map[string]interface{}{"before": current, "after": r.Target},
	}}, nil
}

// Destroy leaves the selection in place; there is nothing to unselect.
func (p *Provider) Destroy(_ context.Context, _ engine.DestroyRequest) (*engine.DestroyResponse, error) {
	if !p.initialized {
		return nil, fmt.Errorf("provider not initialized")
	}
	return &engine.DestroyResponse{Success: true}, nil
}

// Validate checks a resource configuration without running anything.
func (p *Provider) Validate(_ context.Context, raw json.RawMessage) error {
	cfg, err := DecodeConfig(raw)
	if err != nil {
		return classify(err)
	}
	if cfg.Ensure == "" {
		return engine.NewSpecificationError("ensure is required", nil)
	}
	_, err = cfg.Resource()
	return classify(err)
}

// Schema returns the JSON schema of the eselect resource.
func (p *Provider) Schema() (*engine.ProviderSchema, error) {
	return &engine.ProviderSchema{
		Version: "1.0.0",
		ResourceTypes: map[string]*engine.ResourceTypeSchema{
			ResourceType: {
				Name:         ResourceType,
				Description:  "Selects one of the installed versions of a program with eselect",
				ConfigSchema: json.RawMessage(configSchema),
				Capabilities: []string{string(engine.CapabilityExecLocal)},
			},
		},
	}, nil
}

// Metadata returns information about this provider.
func (p *Provider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:        "portagegt-eselect",
		Version:     "1.0.0",
		Description: "Gentoo eselect switcher",
		Author:      "OpenFroyo",
		License:     "Apache-2.0",
		Repository:  "https://github.com/openfroyo/portagegt",
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		ee      *engine.EngineError
		invalid *InvalidOptionError
		exitErr *executor.ExitError
	)
	switch {
	case errors.As(err, &ee):
		return err
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrModuleDisagreement), errors.As(err, &invalid):
		return engine.NewSpecificationError(err.Error(), err)
	case errors.Is(err, ErrMultipleSelected):
		return engine.NewIntegrityError(err.Error(), err)
	case errors.As(err, &exitErr):
		return engine.NewCommandError(err.Error(), err).
			WithDetail("exit_code", exitErr.ExitCode).
			WithDetail("stderr", exitErr.Stderr)
	case errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientError(err.Error(), err).WithCode(engine.ErrCodeTimeout)
	}
	return engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeProviderFailed)
}

// nameFromID strips the "eselect/" prefix the manifest parsers add.
func nameFromID(id string) string {
	return strings.TrimPrefix(id, ResourceType+"/")
}

const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["ensure"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "ensure": {"type": "string", "description": "Option to select", "minLength": 1},
    "module": {"type": "string", "pattern": "^[a-z]+$"},
    "submodule": {"type": "string"},
    "listcmd": {"type": "string", "description": "Custom list command, requires setcmd"},
    "setcmd": {"type": "string", "description": "Custom set command, requires listcmd"}
  }
}`
