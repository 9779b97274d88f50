package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/pkg/executor"
	"github.com/openfroyo/portagegt/pkg/micro_runner/client"
	"github.com/openfroyo/portagegt/pkg/policy"
	"github.com/openfroyo/portagegt/pkg/providers"
	"github.com/openfroyo/portagegt/pkg/stores"
	"github.com/openfroyo/portagegt/pkg/telemetry"
	"github.com/openfroyo/portagegt/pkg/transports/ssh"
	"github.com/openfroyo/portagegt/providers/eselect"
	"github.com/openfroyo/portagegt/providers/portage"
)

// defaultConfigPath is read when --config is not given and the file exists.
const defaultConfigPath = "/etc/portagegt/config.yaml"

// runtime holds everything a command needs to reach the managed host.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	exec     executor.Executor
	store    *stores.SQLiteStore
	guard    *policy.Engine
	registry *providers.Registry
	packages *portage.Provider
	eselect  *eselect.Provider

	runID   string
	closers []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return config.Default(), nil
		}
		path = defaultConfigPath
	}
	return config.Load(path)
}

// newRuntime connects to the host named by the configuration and registers
// the package and eselect providers. The caller must Close it.
func newRuntime(ctx context.Context) (rt *runtime, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	rt = &runtime{cfg: cfg, logger: log.Logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	rt.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	rt.closers = append(rt.closers, rt.tel.Shutdown)

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}

	packageDB, host, caps, err := rt.connect(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Policy.Enabled {
		if err := rt.loadPolicies(ctx); err != nil {
			return nil, err
		}
	}

	rt.registry = providers.NewRegistry(append(caps, engine.CapabilityEnvRead)...)

	pkgOpts := portage.Options{
		Portage:   cfg.Portage,
		Executor:  rt.exec,
		PackageDB: packageDB,
		Builds:    rt.store,
		Telemetry: rt.tel,
		Host:      host,
	}
	selOpts := eselect.Options{
		Executor:  rt.exec,
		Eselect:   cfg.Portage.Eselect,
		Telemetry: rt.tel,
		Host:      host,
	}
	if rt.guard != nil {
		pkgOpts.Guard = rt.guard
		selOpts.Guard = rt.guard
	}
	rt.packages = portage.New(pkgOpts)
	rt.eselect = eselect.New(selOpts)

	for _, p := range []engine.Provider{rt.packages, rt.eselect} {
		if err := rt.registry.Register(ctx, p, nil); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	if rt.cfg.State.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(rt.cfg.State.Path), 0o750); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(rt.cfg.State)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	// Closed last, after telemetry has flushed its events into it.
	rt.closers = append([]func(context.Context) error{func(context.Context) error { return store.Close() }}, rt.closers...)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate state store: %w", err)
	}
	rt.store = store

	rt.tel.Events.Subscribe(rt.persistEvent)
	return nil
}

// persistEvent copies a telemetry event into the state store under the
// current run.
func (rt *runtime) persistEvent(e telemetry.Event) {
	stored := &stores.Event{
		ID:        e.ID,
		Type:      e.Type,
		Level:     e.Level,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if rt.runID != "" {
		runID := rt.runID
		stored.RunID = &runID
	}
	if e.ResourceID != "" {
		resourceID := e.ResourceID
		stored.ResourceID = &resourceID
	}
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			s := string(data)
			stored.Data = &s
		}
	}
	if err := rt.store.AppendEvent(context.Background(), stored); err != nil {
		rt.logger.Warn().Err(err).Str("event", e.Type).Msg("Failed to persist event")
	}
}

// connect builds the executor. In ssh mode the micro-runner is uploaded and
// started, and the package database is read over SFTP.
func (rt *runtime) connect(ctx context.Context) (fs.FS, string, []engine.ProviderCapability, error) {
	cfg := rt.cfg
	if cfg.Runner.Mode != config.RunnerSSH {
		rt.exec = executor.NewLocal(rt.logger)
		hostname, _ := os.Hostname()
		return nil, hostname, []engine.ProviderCapability{engine.CapabilityExecLocal, engine.CapabilityFSRead}, nil
	}

	sshClient, err := ssh.NewClient(ssh.FromConfig(cfg.Runner.SSH), rt.logger)
	if err != nil {
		return nil, "", nil, err
	}
	if err := sshClient.Connect(ctx); err != nil {
		return nil, "", nil, fmt.Errorf("failed to connect to %s: %w", cfg.Runner.SSH.Host, err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return sshClient.Close() })

	runner, err := client.NewClient(client.Config{
		Transport:  sshClient,
		RunnerPath: cfg.Runner.Binary,
		RemotePath: cfg.Runner.RemotePath,
		Logger:     rt.logger,
	})
	if err != nil {
		return nil, "", nil, err
	}
	if err := runner.Start(ctx); err != nil {
		return nil, "", nil, fmt.Errorf("failed to start micro-runner: %w", err)
	}
	rt.closers = append(rt.closers, runner.Close)
	rt.exec = executor.NewRunner(runner, cfg.Runner.CommandTimeout, rt.logger)

	packageDB, err := sshClient.FS(cfg.Portage.PackageDB)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to open remote package database: %w", err)
	}
	return packageDB, cfg.Runner.SSH.Host, []engine.ProviderCapability{engine.CapabilityExecMicroRunner, engine.CapabilityFSRead}, nil
}

func (rt *runtime) loadPolicies(ctx context.Context) error {
	guard, err := policy.NewEngine(rt.logger, policy.OptionsFromConfig(rt.cfg))
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	paths := rt.cfg.Policy.Paths
	if len(paths) > 0 {
		if err := guard.LoadPolicies(ctx, paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if rt.cfg.Policy.Watch {
			if err := guard.Watch(ctx, paths); err != nil {
				rt.logger.Warn().Err(err).Msg("Policy hot-reload disabled")
			}
		}
	}
	rt.guard = guard
	return nil
}

// beginRun records a run in the state store. Events published until
// finishRun are attached to it.
func (rt *runtime) beginRun(ctx context.Context, command string) error {
	run := &stores.Run{
		ID:        uuid.New().String(),
		Command:   command,
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := rt.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	rt.runID = run.ID
	rt.logger = rt.logger.With().Str("run_id", run.ID).Logger()
	return nil
}

func (rt *runtime) finishRun(ctx context.Context, runErr error) {
	if rt.runID == "" {
		return
	}
	status := stores.RunStatusCompleted
	var msg *string
	if runErr != nil {
		status = stores.RunStatusFailed
		s := runErr.Error()
		msg = &s
	}
	if err := rt.store.FinishRun(ctx, rt.runID, status, msg); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to finish run")
	}
}

// Close releases connections in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// withRuntime runs fn with a runtime that is recorded as a run named
// command when record is set.
func withRuntime(ctx context.Context, command string, record bool, fn func(*runtime) error) (err error) {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.Background()); cerr != nil {
			log.Warn().Err(cerr).Msg("Shutdown failed")
		}
	}()

	if record {
		if err := rt.beginRun(ctx, command); err != nil {
			return err
		}
		defer func() { rt.finishRun(context.Background(), err) }()
	}
	return fn(rt)
}
