// Package cli implements the sentinel command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/rules"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "PHI de-identification with a tamper-evident audit trail",
	Long: "Masks protected health information in clinical records with consistent surrogates " +
		"and records every transformation in a hash-chained audit log.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

// Execute runs the root command. A rule file error exits with status 78
// (EX_CONFIG); any other failure with 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var cerr *rules.ConfigError
		if errors.As(err, &cerr) {
			os.Exit(78)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}
