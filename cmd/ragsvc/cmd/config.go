package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dyd1976jp/rag5-simplified-001/configs"
	"github.com/dyd1976jp/rag5-simplified-001/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage service configuration",
		Long: `Manage the ragsvc configuration file.

The config file is optional; unset keys fall back to built-in defaults,
and connection endpoints can be overridden via RAGSVC_* environment
variables.`,
		Example: `  # Create a config file from the annotated template
  ragsvc config init

  # Show the effective configuration (file + env + defaults)
  ragsvc config show

  # Print the config file path
  ragsvc config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	return cmd
}

// effectiveConfigPath resolves the config file location: the --config
// flag when given, else ~/.config/ragsvc/config.yaml.
func effectiveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ragsvc", "config.yaml"), nil
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file from the template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := effectiveConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Loads the config file (if present), applies environment overrides
and defaults, and prints the result the server would run with.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := effectiveConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			var out []byte
			if asJSON {
				out, err = json.MarshalIndent(cfg, "", "  ")
			} else {
				out, err = yaml.Marshal(cfg)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := effectiveConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
