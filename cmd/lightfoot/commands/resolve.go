package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/lightfoot/internal/cli"
	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/session"
)

var (
	defaultValue string
	targetingKey string
	attributes   []string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <key>...",
	Short: "Resolve one or more feature flags",
	Long: `Initialize a session for the given context and resolve each key once.

The default is read as a JSON literal (true, 3, "text", {"a":1}); anything
that is not valid JSON is used as a plain string. Flags missing from the
evaluation service resolve to the default with reason STATIC.

Examples:
  lightfoot resolve dark-mode
  lightfoot resolve dark-mode new-ui --default false --targeting-key alice
  lightfoot resolve limits --default '{"max":10}' --attr plan=pro --format yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evalCtx, err := cli.BuildContext(targetingKey, attributes)
		if err != nil {
			return err
		}

		sess := session.New(session.OptionsFromConfig(settings, logger))
		defer sess.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		// failures are logged by the session; resolves fall back to the default
		sess.Initialize(ctx, evalCtx)

		def := cli.ParseValue(defaultValue)
		results := make([]cli.Result, 0, len(args))
		for _, key := range args {
			results = append(results, cli.NewResult(key, resolveTyped(ctx, sess, key, def, evalCtx)))
		}

		if quiet {
			return nil
		}
		if err := cli.PrintResults(cmd.OutOrStdout(), results, output); err != nil {
			return fmt.Errorf("failed to print results: %w", err)
		}
		return nil
	},
}

// resolveTyped picks the typed resolve matching the default's type.
func resolveTyped(ctx context.Context, sess *session.Session, key string, def any, evalCtx evaluation.Context) evaluation.Record {
	switch d := def.(type) {
	case bool:
		return sess.ResolveBoolean(ctx, key, d, evalCtx)
	case string:
		return sess.ResolveString(ctx, key, d, evalCtx)
	case float64:
		return sess.ResolveNumber(ctx, key, d, evalCtx)
	default:
		return sess.ResolveObject(ctx, key, d, evalCtx)
	}
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&defaultValue, "default", "null", "Default value as a JSON literal")
	resolveCmd.Flags().StringVar(&targetingKey, "targeting-key", "", "Targeting key of the evaluation context")
	resolveCmd.Flags().StringArrayVar(&attributes, "attr", nil, "Context attribute as key=value (repeatable)")
}
