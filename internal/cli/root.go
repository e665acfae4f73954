// Package cli implements the kobod command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kobopay/kobod/internal/config"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kobod",
	Short: "kobod - mobile money ledger daemon",
	Long: `kobod is the double-entry ledger daemon behind the KoboPay mobile
money platform. It posts balanced journals with hash-chained receipts,
replays idempotent retries, runs maker-checker approvals, resolves fee
and commission matrices, and serves the operator HTTP API.`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output to console after startup")
}

// loadConfig reads the configuration and folds the logging flags into it.
// The flags outrank both the file and the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	switch {
	case debug:
		cfg.Log.Level = "debug"
	case verbose:
		cfg.Log.Level = "info"
	case quiet:
		cfg.Log.Level = "error"
	}
	return cfg, nil
}
