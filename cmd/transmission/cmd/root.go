package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/transmission/config"
)

var rootCmd = &cobra.Command{
	Use:   "transmission",
	Short: "Risk-governed trade decision pipeline for index futures",
	Long: `Transmission turns closed bars into risk-governed, execution-validated
orders. Every cycle runs tripwires, regime classification, the P/R/N/D/L
gear, strategy signals, sizing, constraint validation and the execution
guard before anything reaches a broker.

Commands:
  run      - Replay recorded bars through the pipeline
  config   - Generate or validate configuration files
  journal  - Query the trade journal
  version  - Print version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			config.LoadDotEnv(envFile)
		} else {
			config.LoadDotEnv()
		}
	},
}

var envFile string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "dotenv file with TRANSMISSION_* overrides (default .env)")
}
