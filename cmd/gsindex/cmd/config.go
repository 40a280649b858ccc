package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/gsindex/configs"
	"github.com/Aman-CERP/gsindex/internal/config"
	"github.com/Aman-CERP/gsindex/internal/output"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the gsindex configuration.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/gsindex/config.yaml)
  3. --config file, or ./gsindex.yaml
  4. Environment variables (GSINDEX_*), including those from .env`,
		Example: `  # Create user config from template
  gsindex config init

  # Show effective configuration
  gsindex config show

  # Show the resolved settings of one index
  gsindex config show docs`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(opts))
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file from the template",
		Long: `Create a configuration file from the annotated template.

The file is created at ~/.config/gsindex/config.yaml
(or $XDG_CONFIG_HOME/gsindex/config.yaml if XDG_CONFIG_HOME is set)
unless --path is given. An existing file is backed up before --force
overwrites it.`,
		Example: `  gsindex config init
  gsindex config init --path ./gsindex.yaml --force`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = config.GetUserConfigPath()
			}
			return runConfigInit(cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file (a backup is kept)")
	cmd.Flags().StringVar(&path, "path", "", "Where to write the file")

	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show [index]",
		Short: "Show effective configuration",
		Long: `Show the configuration after merging all sources. With an index name,
show the settings that index resolves to.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any = opts.cfg
			if len(args) == 1 {
				ic, err := opts.cfg.IndexConfig(args[0])
				if err != nil {
					return err
				}
				v = ic
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(v)
			}
			data, err := yaml.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print user config file path",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return nil
		},
	}
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	out := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.Statusf("📁", "Location: %s", path)
			out.Status("💡", "Use --force to replace it with the template")
			return nil
		}
		backupPath, err := config.BackupFile(path)
		if err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
		out.Statusf("💾", "Backup: %s", backupPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.ExampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created configuration")
	out.Statusf("📁", "Location: %s", path)
	out.Status("💡", "Run 'gsindex config show' to verify")
	return nil
}
