package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Dm1try555/banister-backend-sub001/am"
	"github.com/Dm1try555/banister-backend-sub001/sym"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: sym.AM + " Inspect and validate configuration",
	Long: sym.AM + ` config - inspect and validate banister configuration.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (BANISTER_* prefix, e.g. BANISTER_DISPATCHER_MAX_INFLIGHT)
3. Project config (./banister.toml, searched up directories)
4. User config (~/.banister/config.toml)
5. System config (/etc/banister/config.toml)
6. Default values

Examples:
  banister config show                 # Show current configuration
  banister config show --format json   # Show configuration in JSON format
  banister config validate             # Validate current configuration`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective banister configuration from all sources",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runConfigValidate,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := am.Render(cfg, configFormat)
	if err != nil {
		return err
	}

	if configFormat != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "# banister configuration")
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	if configFormat == "json" {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if project := am.FindProjectConfig(); project != "" {
		pterm.Info.Printfln("Project config: %s", project)
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}
