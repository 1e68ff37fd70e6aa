package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/lightfoot/internal/config"
	"github.com/TimurManjosov/lightfoot/internal/evaluation"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// Result is one resolved flag as printed by the CLI.
type Result struct {
	Key     string            `json:"key" yaml:"key"`
	Value   any               `json:"value" yaml:"value"`
	Variant *string           `json:"variant,omitempty" yaml:"variant,omitempty"`
	Reason  evaluation.Reason `json:"reason" yaml:"reason"`
}

// NewResult pairs a flag key with its resolved record.
func NewResult(key string, rec evaluation.Record) Result {
	return Result{Key: key, Value: rec.Value, Variant: rec.Variant, Reason: rec.Reason}
}

// PrintResults outputs resolved flags in the specified format
func PrintResults(w io.Writer, results []Result, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]Result{"results": results})
	case FormatYAML:
		return printYAML(w, map[string][]Result{"results": results})
	case FormatTable:
		return printResultTable(w, results)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintConfig outputs the effective configuration in the specified format
func PrintConfig(w io.Writer, cfg *config.Config, format OutputFormat) error {
	entries := configEntries(cfg)
	switch format {
	case FormatJSON, FormatYAML:
		m := make(map[string]string, len(entries))
		for _, e := range entries {
			m[e[0]] = e[1]
		}
		if format == FormatJSON {
			return printJSON(w, m)
		}
		return printYAML(w, m)
	case FormatTable:
		table := tablewriter.NewWriter(w)
		table.Header("Key", "Value")
		for _, e := range entries {
			table.Append(e[0], e[1])
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func configEntries(cfg *config.Config) [][2]string {
	return [][2]string{
		{"APP_ENV", cfg.AppEnv},
		{"EVAL_BASE_URL", cfg.EvalBaseURL},
		{"CACHE_TTL", cfg.CacheTTL.String()},
		{"FETCH_TIMEOUT", cfg.FetchTimeout.String()},
		{"LEDGER_DRAIN", strconv.FormatBool(cfg.LedgerDrain)},
		{"OTLP_ENDPOINT", cfg.OTLPEndpoint},
		{"TRACING_ENABLED", strconv.FormatBool(cfg.TracingEnabled)},
		{"SERVICE_NAME", cfg.ServiceName},
		{"SERVICE_VERSION", cfg.ServiceVersion},
		{"LOG_LEVEL", cfg.LogLevel},
		{"FIXTURE_ADDR", cfg.FixtureAddr},
		{"FIXTURE_FILE", cfg.FixtureFile},
		{"METRICS_ADDR", cfg.MetricsAddr},
		{"RATE_LIMIT_PER_IP", strconv.Itoa(cfg.RateLimitPerIP)},
		{"TRACE_PROPAGATION_URLS", strings.Join(cfg.TracePropagationURLs, ",")},
	}
}

func printJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data interface{}) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

// maxCellWidth bounds table values, counted in runes.
const maxCellWidth = 40

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}

func printResultTable(w io.Writer, results []Result) error {
	table := tablewriter.NewWriter(w)

	// Set headers
	table.Header("Key", "Value", "Variant", "Reason")

	for _, r := range results {
		value := truncate(evaluation.StringValue(r.Value), maxCellWidth)

		variant := "-"
		if r.Variant != nil {
			variant = strconv.Quote(*r.Variant)
			if *r.Variant != "" {
				variant = *r.Variant
			}
		}

		table.Append(r.Key, value, variant, string(r.Reason))
	}

	return table.Render()
}
