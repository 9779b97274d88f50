package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/portagegt/pkg/stores"
	"github.com/openfroyo/portagegt/pkg/telemetry"
)

// Config is the runtime configuration of portagegt, usually read from
// /etc/portagegt/config.yaml.
type Config struct {
	Portage   Portage          `yaml:"portage"`
	State     stores.Config    `yaml:"state"`
	Policy    PolicyConfig     `yaml:"policy"`
	Runner    RunnerConfig     `yaml:"runner"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// PolicyConfig configures the guard policies evaluated before packages are
// changed.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego files or directories of them, loaded on top of the
	// built-in policies.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths when a file changes.
	Watch bool `yaml:"watch"`

	// Mode "advisory" only logs denials, "enforcing" refuses the operation.
	Mode string `yaml:"mode" validate:"oneof=advisory enforcing"`

	// ProtectedPackages may never be unmerged.
	ProtectedPackages []string `yaml:"protected_packages"`

	// AllowLive permits installing live (dev version) ebuilds.
	AllowLive bool `yaml:"allow_live"`
}

// RunnerMode selects where emerge, eix and eselect run.
type RunnerMode string

const (
	// RunnerLocal runs the tools on this host with os/exec.
	RunnerLocal RunnerMode = "local"

	// RunnerSSH uploads the micro-runner to a remote host and runs the tools
	// through it.
	RunnerSSH RunnerMode = "ssh"
)

// RunnerConfig configures command execution.
type RunnerConfig struct {
	Mode RunnerMode `yaml:"mode" validate:"oneof=local ssh"`

	// CommandTimeout bounds a single emerge, eix or eselect run.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// Binary is the local micro-runner build uploaded in ssh mode.
	Binary string `yaml:"binary" validate:"required_if=Mode ssh"`

	// RemotePath is where the micro-runner is placed on the host.
	RemotePath string `yaml:"remote_path"`

	SSH SSHConfig `yaml:"ssh"`
}

// SSHConfig names the remote Gentoo host.
type SSHConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port" validate:"gte=0,lte=65535"`
	User           string `yaml:"user"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`

	// Sudo starts the runner through "sudo -n" for a non-root User.
	Sudo bool `yaml:"sudo"`
}

// ErrSyncWithoutUpdate is returned when eixRunSync is set but eixRunUpdate is
// not: syncing the tree without rebuilding the index leaves eix stale.
var ErrSyncWithoutUpdate = errors.New("eixRunUpdate must be true if eixRunSync is true")

var validate = validator.New()

// Default returns a configuration for a stock Gentoo host.
func Default() *Config {
	return &Config{
		Portage: DefaultPortage(),
		State: stores.Config{
			Path: "/var/lib/portagegt/state.db",
		},
		Policy: PolicyConfig{
			Enabled:           true,
			Mode:              "enforcing",
			ProtectedPackages: []string{"sys-apps/portage", "sys-libs/glibc", "sys-apps/baselayout"},
		},
		Runner: RunnerConfig{
			Mode:           RunnerLocal,
			CommandTimeout: 2 * time.Hour,
			RemotePath:     "/tmp/portagegt-micro-runner",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults. Fields absent from the file keep their
// default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Portage.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Runner.Mode == RunnerSSH && c.Runner.SSH.Host == "" {
		return fmt.Errorf("invalid config: runner.ssh.host is required in ssh mode")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
