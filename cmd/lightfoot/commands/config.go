package commands

import (
	"github.com/spf13/cobra"

	"github.com/TimurManjosov/lightfoot/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long:  `Inspect the configuration lightfoot runs with.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Display the configuration after applying defaults, the .env file,
environment variables and command-line flags.

Example:
  lightfoot config show --format yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.PrintConfig(cmd.OutOrStdout(), settings, output)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}
