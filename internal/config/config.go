// Package config provides SDK configuration loading from environment variables and .env files.
// It uses viper for flexible configuration management with sensible defaults.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all SDK configuration loaded from environment variables or .env file.
// Configuration priority: environment variables > .env file > defaults.
type Config struct {
	AppEnv         string        // Application environment (dev, staging, prod)
	EvalBaseURL    string        // Base URL of the remote evaluation service
	CacheTTL       time.Duration // Lifetime of one fetched evaluation snapshot
	FetchTimeout   time.Duration // Timeout applied to every evaluation fetch
	LedgerDrain    bool          // Whether span enrichment drains the evaluated-flags ledger
	OTLPEndpoint   string        // OTLP/HTTP collector base URL
	TracingEnabled bool          // Whether to export spans over OTLP
	ServiceName    string        // service.name resource attribute
	ServiceVersion string        // service.version resource attribute
	LogLevel       string        // zerolog level name
	FixtureAddr    string        // Fixture evaluation server bind address
	FixtureFile    string        // Fixture flag definitions (YAML)
	MetricsAddr    string        // Metrics server bind address
	RateLimitPerIP int           // Fixture server requests per minute per IP

	// URL prefixes whose evaluation fetches carry trace headers; empty means every fetch
	TracePropagationURLs []string
}

// Load reads configuration from environment variables and .env file (if present).
// Environment variables take precedence over .env file values.
// Returns a Config struct with all values populated (either from env or defaults).
//
// Validation:
//
//	This function performs basic configuration loading but does NOT validate
//	configuration constraints (e.g., a parseable base URL).
//	Use Validate() method to check them.
func Load() (*Config, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(".env") // Optional; silently ignored if file doesn't exist
	_ = viperInstance.ReadInConfig()    // Ignore error - .env is optional
	viperInstance.AutomaticEnv()        // Read from environment variables

	setConfigDefaults(viperInstance)

	return &Config{
		AppEnv:               viperInstance.GetString("APP_ENV"),
		EvalBaseURL:          viperInstance.GetString("EVAL_BASE_URL"),
		CacheTTL:             viperInstance.GetDuration("CACHE_TTL"),
		FetchTimeout:         viperInstance.GetDuration("FETCH_TIMEOUT"),
		LedgerDrain:          viperInstance.GetBool("LEDGER_DRAIN"),
		OTLPEndpoint:         viperInstance.GetString("OTLP_ENDPOINT"),
		TracingEnabled:       viperInstance.GetBool("TRACING_ENABLED"),
		TracePropagationURLs: splitList(viperInstance.GetString("TRACE_PROPAGATION_URLS")),
		ServiceName:          viperInstance.GetString("SERVICE_NAME"),
		ServiceVersion:       viperInstance.GetString("SERVICE_VERSION"),
		LogLevel:             viperInstance.GetString("LOG_LEVEL"),
		FixtureAddr:          viperInstance.GetString("FIXTURE_ADDR"),
		FixtureFile:          viperInstance.GetString("FIXTURE_FILE"),
		MetricsAddr:          viperInstance.GetString("METRICS_ADDR"),
		RateLimitPerIP:       viperInstance.GetInt("RATE_LIMIT_PER_IP"),
	}, nil
}

// setConfigDefaults sets default values for all configuration options.
// These defaults point at a local evaluation service and collector.
func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("EVAL_BASE_URL", "http://localhost:5173")
	v.SetDefault("CACHE_TTL", "1s")
	v.SetDefault("FETCH_TIMEOUT", "5s")
	v.SetDefault("LEDGER_DRAIN", true)
	v.SetDefault("OTLP_ENDPOINT", "http://localhost:4318")
	v.SetDefault("TRACING_ENABLED", true)
	v.SetDefault("TRACE_PROPAGATION_URLS", "")
	v.SetDefault("SERVICE_NAME", "client")
	v.SetDefault("SERVICE_VERSION", "0.1.0")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FIXTURE_ADDR", ":5173")
	v.SetDefault("FIXTURE_FILE", "flags.yaml")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("RATE_LIMIT_PER_IP", 100)
}

// ValidationError represents a configuration validation error with details about what failed.
type ValidationError struct {
	Field   string // Name of the configuration field
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate checks that the configuration can drive a session.
//
// Validation Rules:
//  1. EvalBaseURL must be an absolute http(s) URL
//  2. CacheTTL must be positive
//  3. FetchTimeout must be positive
//  4. LogLevel must be a zerolog level name
//  5. ServiceName must be non-empty
//  6. ServiceVersion must be a semantic version
//  7. OTLPEndpoint must be an absolute http(s) URL when tracing is enabled
//  8. Every TracePropagationURLs entry must be an absolute http(s) URL
//
// Returns:
//   - nil if configuration is valid
//   - ValidationError describing the first validation failure
func (c *Config) Validate() error {
	if err := validateHTTPURL(c.EvalBaseURL); err != nil {
		return ValidationError{Field: "EVAL_BASE_URL", Message: err.Error()}
	}

	if c.CacheTTL <= 0 {
		return ValidationError{
			Field:   "CACHE_TTL",
			Message: fmt.Sprintf("must be positive, got %s", c.CacheTTL),
		}
	}

	if c.FetchTimeout <= 0 {
		return ValidationError{
			Field:   "FETCH_TIMEOUT",
			Message: fmt.Sprintf("must be positive, got %s", c.FetchTimeout),
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("unknown level '%s'", c.LogLevel),
		}
	}

	if c.ServiceName == "" {
		return ValidationError{
			Field:   "SERVICE_NAME",
			Message: "service name cannot be empty",
		}
	}

	if _, err := semver.NewVersion(c.ServiceVersion); err != nil {
		return ValidationError{
			Field:   "SERVICE_VERSION",
			Message: fmt.Sprintf("'%s' is not a semantic version: %v", c.ServiceVersion, err),
		}
	}

	if c.TracingEnabled {
		if err := validateHTTPURL(c.OTLPEndpoint); err != nil {
			return ValidationError{Field: "OTLP_ENDPOINT", Message: err.Error()}
		}
	}

	for _, prefix := range c.TracePropagationURLs {
		if err := validateHTTPURL(prefix); err != nil {
			return ValidationError{Field: "TRACE_PROPAGATION_URLS", Message: err.Error()}
		}
	}

	return nil
}

// splitList splits a comma-separated value, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL '%s': %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme, got '%s'", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in '%s'", raw)
	}
	return nil
}
