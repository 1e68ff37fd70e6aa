package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TimurManjosov/lightfoot/internal/cli"
	"github.com/TimurManjosov/lightfoot/internal/config"
	"github.com/TimurManjosov/lightfoot/internal/logging"
)

var (
	// Global flags
	baseURL string
	ttl     time.Duration
	format  string
	quiet   bool
	verbose bool

	// populated by loadSettings before every command
	settings *config.Config
	output   cli.OutputFormat
	logger   zerolog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lightfoot",
	Short: "Resolve feature flags from the command line",
	Long: `Lightfoot resolves feature flags the way an application session does:
from a cached evaluation snapshot that is refreshed in the background.

Configuration comes from the environment or a .env file (EVAL_BASE_URL,
CACHE_TTL, ...); the flags below override it.

Examples:
  lightfoot resolve dark-mode --targeting-key alice
  lightfoot resolve banner --default '"none"' --attr plan=pro --format json
  lightfoot watch dark-mode --interval 500ms --trace-stdout
  lightfoot config show`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the evaluation service (overrides EVAL_BASE_URL)")
	rootCmd.PersistentFlags().DurationVar(&ttl, "ttl", 0, "Snapshot TTL (overrides CACHE_TTL)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
}

func loadSettings(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if baseURL != "" {
		cfg.EvalBaseURL = baseURL
	}
	if ttl != 0 {
		cfg.CacheTTL = ttl
	}
	switch {
	case verbose:
		cfg.LogLevel = "debug"
	case quiet:
		cfg.LogLevel = "error"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	out, err := cli.ParseFormat(format)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	settings, output, logger = cfg, out, log
	return nil
}
