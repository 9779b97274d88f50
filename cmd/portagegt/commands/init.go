package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		sshHost string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file and create the state store",
		Long: `Write a configuration file with the defaults for a stock Gentoo host,
create and migrate the sqlite state store, and generate an SSH key pair for
remote hosts.

With --ssh-host the configuration runs emerge on that host through the
micro-runner; install the printed public key there first.`,
		Example: `  # Manage this host
  portagegt init

  # Manage a remote host
  portagegt init --ssh-host gentoo1.example.com --config ./portagegt.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = defaultConfigPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite it", path)
			}

			log.Info().
				Str("config", path).
				Str("data_dir", dataDir).
				Msg("Initializing portagegt")

			cfg := config.Default()
			cfg.State.Path = filepath.Join(dataDir, "state.db")

			if err := os.MkdirAll(filepath.Join(dataDir, "keys"), 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}

			store, err := stores.NewSQLiteStore(cfg.State)
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized state store: %s\n", cfg.State.Path)

			keyPath := filepath.Join(dataDir, "keys", "id_ed25519")
			pub, err := ensureKeyPair(keyPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SSH key pair: %s\n", keyPath)

			if sshHost != "" {
				cfg.Runner.Mode = config.RunnerSSH
				cfg.Runner.Binary = "/usr/libexec/portagegt/micro-runner"
				cfg.Runner.SSH = config.SSHConfig{
					Host:           sshHost,
					User:           "root",
					PrivateKeyPath: keyPath,
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote config file: %s\n", path)

			if sshHost != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nAdd this key to /root/.ssh/authorized_keys on %s:\n  %s", sshHost, pub)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/portagegt", "directory of the state store and keys")
	cmd.Flags().StringVar(&sshHost, "ssh-host", "", "manage this remote host over SSH")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// ensureKeyPair generates an ed25519 key at keyPath unless one exists and
// returns the public key in authorized_keys format.
func ensureKeyPair(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath + ".pub"); err == nil {
		return data, nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "portagegt")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	authorized := sshpkg.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(keyPath+".pub", authorized, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	return authorized, nil
}
