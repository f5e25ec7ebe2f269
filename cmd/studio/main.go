// Command studio is the Foresight forecasting studio.
//
// It runs the forecasting pipeline (load, prepare, configure, fit, predict,
// validate, tune, export) either as an HTTP service holding interactive
// sessions, or once over a single input:
//
//	studio serve --listen :8080 --storage redis --redis-addr redis:6379
//	studio run sales.csv --horizon 90 --validate > forecast.csv
//	studio run --source prometheus --source-config query='sum(rate(http_requests_total[1d]))'
//	studio version
//
// Configuration is read from defaults, an optional studio.yaml, a .env
// file, FORESIGHT_* environment variables and flags, in increasing order of
// precedence. See package config for the keys.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HatiCode/foresight/cmd/studio/config"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// cfg is loaded before any subcommand runs.
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "studio",
	Short:         "Foresight forecasting studio",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Printing the version needs no configuration.
	PersistentPreRun: func(*cobra.Command, []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "foresight studio %s\n", version)
		fmt.Fprintf(out, "  commit:  %s\n", commit)
		fmt.Fprintf(out, "  built:   %s\n", date)
	},
}
