package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagecraft/pkg/config"
	"github.com/openfroyo/stagecraft/pkg/transports/ssh"
)

const sampleConfig = `# stagecraft project configuration
name: %s

services:
  db:
    image: postgres:16
    environment:
      POSTGRES_PASSWORD: stagecraft
    healthcheck:
      test: ["pg_isready", "-U", "postgres"]
      interval: 2s
      retries: 10

stages:
  dev:
    services: [db]
    resources:
      - provider: local
        type: volume
        name: data
        attributes:
          size_gb: 10
`

func newInitCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a stagecraft project",
		Long: `Initialize a project directory: a sample stagecraft.yaml when no
configuration exists, the .stagecraft state directory, the state database
and an SSH key pair for the ssh provider.`,
		Example: `  # Initialize the current directory
  stagecraft init

  # Initialize another directory with a project name
  stagecraft init -C ./shop --name shop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			root := projectDir
			if root == "" {
				root = "."
			}
			root, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("failed to resolve project dir: %w", err)
			}
			if name == "" {
				name = filepath.Base(root)
			}

			log.Info().Str("project_dir", root).Str("name", name).Msg("Initializing project")
			fmt.Printf("Initializing stagecraft project in %s\n\n", root)

			if err := os.MkdirAll(root, 0o755); err != nil {
				return fmt.Errorf("failed to create project dir: %w", err)
			}

			if len(configFiles) == 0 && !hasDefaultConfig(root) {
				path := filepath.Join(root, config.DefaultConfigNames[0])
				if err := os.WriteFile(path, []byte(fmt.Sprintf(sampleConfig, name)), 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", path)
			}

			paths, err := config.ResolvePaths(root, configFiles)
			if err != nil {
				return err
			}
			if err := paths.EnsureStateDir(); err != nil {
				return err
			}
			fmt.Printf("✓ Created state directory: %s\n", paths.StateDir)

			tel, err := newTelemetry()
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer tel.Shutdown(ctx)

			store, err := openStore(ctx, paths, tel)
			if err != nil {
				return fmt.Errorf("failed to initialize state store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized state database: %s\n", paths.StateDB)

			keyPath, pubKey, err := ssh.EnsureKeyPair(paths.KeysDir, "stagecraft@"+name)
			if err != nil {
				return fmt.Errorf("failed to create SSH key pair: %w", err)
			}
			fmt.Printf("✓ SSH key pair: %s\n", keyPath)

			fmt.Printf("\n✅ Project initialized successfully!\n\n")
			fmt.Printf("Authorize this key on hosts managed by the ssh provider:\n  %s\n\n", strings.TrimSpace(pubKey))
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Check the configuration:\n")
			fmt.Printf("     stagecraft validate\n\n")
			fmt.Printf("  2. Bring up a stage:\n")
			fmt.Printf("     stagecraft up dev\n\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "project name for the sample config (default: directory name)")

	return cmd
}

func hasDefaultConfig(root string) bool {
	for _, n := range config.DefaultConfigNames {
		if fileExists(filepath.Join(root, n)) {
			return true
		}
	}
	return false
}
