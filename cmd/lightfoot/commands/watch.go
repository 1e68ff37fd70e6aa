package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/lightfoot/internal/cli"
	"github.com/TimurManjosov/lightfoot/internal/session"
	"github.com/TimurManjosov/lightfoot/internal/telemetry"
)

var (
	interval    time.Duration
	iterations  int
	traceStdout bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <key>...",
	Short: "Resolve feature flags repeatedly inside spans",
	Long: `Resolve the given keys on every tick, each tick inside its own span.

With an interval longer than the TTL the output shows the stale-while-
revalidate cycle: CACHED, then STALE while a background refresh runs, then
CACHED again. Evaluations are attached to the next span as
feature_flag.evaluated events.

Examples:
  lightfoot watch dark-mode --interval 700ms
  lightfoot watch dark-mode banner --trace-stdout --count 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evalCtx, err := cli.BuildContext(targetingKey, attributes)
		if err != nil {
			return err
		}
		if interval <= 0 {
			return fmt.Errorf("--interval must be positive, got %s", interval)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess := session.New(session.OptionsFromConfig(settings, logger))
		defer sess.Close()

		tracing := telemetry.TracingConfig{
			ServiceName:    settings.ServiceName,
			ServiceVersion: settings.ServiceVersion,
		}
		if settings.TracingEnabled {
			tracing.OTLPEndpoint = settings.OTLPEndpoint
		}
		if traceStdout {
			tracing.Stdout = cmd.ErrOrStderr()
		}
		tp, err := telemetry.NewTracerProvider(ctx, tracing, sess.SpanProcessor())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("tracer shutdown failed")
			}
		}()
		tracer := tp.Tracer("github.com/TimurManjosov/lightfoot/cmd/lightfoot")

		updates, unsubscribe := sess.Subscribe()
		defer unsubscribe()
		go func() {
			for etag := range updates {
				logger.Debug().Str("etag", etag).Msg("snapshot replaced")
			}
		}()

		sess.Initialize(ctx, evalCtx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		out := cmd.OutOrStdout()
		if quiet {
			out = io.Discard
		}
		for tick := 1; iterations <= 0 || tick <= iterations; tick++ {
			spanCtx, span := tracer.Start(ctx, "lightfoot.watch.tick",
				trace.WithAttributes(attribute.Int("lightfoot.tick", tick)))
			results := make([]cli.Result, 0, len(args))
			for _, key := range args {
				results = append(results, cli.NewResult(key, sess.ResolveObject(spanCtx, key, nil, evalCtx)))
			}
			span.End()

			fmt.Fprintf(out, "tick %d  state=%s\n", tick, sess.State())
			if err := cli.PrintResults(out, results, output); err != nil {
				return fmt.Errorf("failed to print results: %w", err)
			}

			if iterations > 0 && tick == iterations {
				break
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&interval, "interval", time.Second, "Time between resolves")
	watchCmd.Flags().IntVar(&iterations, "count", 0, "Stop after this many ticks (0 runs until interrupted)")
	watchCmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "Print finished spans to stderr")
	watchCmd.Flags().StringVar(&targetingKey, "targeting-key", "", "Targeting key of the evaluation context")
	watchCmd.Flags().StringArrayVar(&attributes, "attr", nil, "Context attribute as key=value (repeatable)")
}
