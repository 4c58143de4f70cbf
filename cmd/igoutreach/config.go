package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"igoutreach/pkg/config"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/ui"
)

const defaultConfigPath = ".igoutreach.yaml"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage igoutreach configuration.

Configuration is merged from, highest priority first:
  - Command line flags
  - Environment variables (IGOUTREACH_*, plus a .env file)
  - Configuration file
  - Default values`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default values",
	Long: `Write the default configuration to ./.igoutreach.yaml, or to the path
given with --config. An existing file is never overwritten.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
	Annotations: map[string]string{
		skipConfig: "true",
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Show the configuration after every source is merged. Secrets are masked.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Long:  `Load and validate the configuration, listing every problem found.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
	Annotations: map[string]string{
		skipConfig: "true",
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := configFile
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.ErrorTypeConfig, fmt.Sprintf("configuration file %s already exists", path))
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Wrote %s", path))
	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if _, err := config.Load(configFile, flagOverrides(cmd)); err != nil {
		ui.PrintError("Configuration is invalid")
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Println("  - " + e.Error())
			}
		} else {
			fmt.Println("  - " + err.Error())
		}
		return errs.Wrap(errs.ErrorTypeConfig, err, "validate configuration")
	}
	ui.PrintSuccess("Configuration is valid")
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply pending schema migrations to the configured store. Stores are also
migrated when they are opened, so this is only needed before handing a
database to another process.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		v, err := st.Migrate()
		if err != nil {
			return errs.Wrap(errs.ErrorTypeStorage, err, "migrate")
		}
		ui.PrintSuccess(fmt.Sprintf("Schema at version %d", v))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
