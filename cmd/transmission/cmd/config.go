package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/transmission/config"
	"github.com/rustyeddy/transmission/constraints"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  transmission config init -o transmission.yaml
  transmission config validate -f transmission.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply TRANSMISSION_* environment overrides
and print the limits the constraint engine would enforce, including any
override pulled back by a safeguard ceiling.`,
	RunE: runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "transmission.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  transmission run -f %s -b bars.csv\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	cons, err := constraints.New(cfg.Profile, cfg.Overrides, cfg.Ceilings, nil)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	l := cons.Limits()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Account: %s (equity $%.2f, $R %.2f)\n", cfg.Account.ID, cfg.Risk.StartingEquity, cfg.Risk.BaseRisk)
	fmt.Fprintf(out, "  Broker: %s  Journal: %s\n", cfg.Broker.Kind, cfg.Journal.Driver)
	fmt.Fprintf(out, "  Symbols: %v\n", l.AllowedSymbols)
	fmt.Fprintf(out, "  Max risk: %.2f%% of equity, %.0f%% of remaining DLL\n", l.MaxRiskPct, l.DLLFraction*100)
	fmt.Fprintf(out, "  Trades: %d/day, %d/week\n", l.MaxTradesPerDay, l.MaxTradesPerWeek)
	fmt.Fprintf(out, "  Guard: spread %.1f ticks, slippage %.1f ticks, latency %.0fms\n",
		l.MaxSpreadTicks, l.MaxSlippageTicks, l.MaxLatencyMs)
	for _, c := range cons.Clamps() {
		fmt.Fprintf(out, "  ! clamped %s\n", c)
	}
	return nil
}
