// Package session is the host-facing surface of the SDK.
//
// A Session owns its own evaluation cache and evaluated-flags ledger, so
// several sessions (or tests) never share hidden state. Resolves are served
// from the cache; the span processor returned by SpanProcessor attaches the
// resulting evaluations to the next span that starts.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/lightfoot/internal/cache"
	"github.com/TimurManjosov/lightfoot/internal/client"
	"github.com/TimurManjosov/lightfoot/internal/config"
	"github.com/TimurManjosov/lightfoot/internal/enricher"
	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/ledger"
	"github.com/TimurManjosov/lightfoot/internal/logging"
)

// Provider metadata reported to hosts.
const (
	ProviderName = "Frontend Provider"
	RunsOn       = "client"
)

// Metadata describes the provider behind a session.
type Metadata struct {
	Name   string `json:"name" yaml:"name"`
	RunsOn string `json:"runsOn" yaml:"runsOn"`
}

// Options configures a Session. Zero values fall back to the cache defaults.
type Options struct {
	// BaseURL of the evaluation service. Ignored when Fetcher is set.
	BaseURL string
	// Fetcher overrides the HTTP client, mainly for tests.
	Fetcher      cache.Fetcher
	TTL          time.Duration
	FetchTimeout time.Duration
	Clock        cache.Clock
	// KeepLedger stops the span processor from draining the ledger, so every
	// evaluation is attached to every later span until the context changes.
	KeepLedger bool
	// TracePropagationURLs limits trace headers to fetch URLs with one of
	// these prefixes. Empty propagates to every fetch.
	TracePropagationURLs []string
	Logger               zerolog.Logger
}

// OptionsFromConfig maps loaded configuration onto session options.
func OptionsFromConfig(cfg *config.Config, log zerolog.Logger) Options {
	return Options{
		BaseURL:      cfg.EvalBaseURL,
		TTL:          cfg.CacheTTL,
		FetchTimeout: cfg.FetchTimeout,
		KeepLedger:   !cfg.LedgerDrain,
		Logger:       log,

		TracePropagationURLs: cfg.TracePropagationURLs,
	}
}

// Session resolves feature flags for one client.
type Session struct {
	ID string

	cache      *cache.Cache
	ledger     *ledger.Ledger
	reconciler *Reconciler
	processor  *enricher.SpanProcessor
	log        zerolog.Logger
}

// New builds a session with its own cache, ledger and span processor.
// Nothing is fetched until Initialize is called.
func New(opts Options) *Session {
	id := uuid.NewString()
	log := opts.Logger.With().Str("session", id).Logger()

	fetcher := opts.Fetcher
	if fetcher == nil {
		timeout := opts.FetchTimeout
		if timeout <= 0 {
			timeout = cache.DefaultFetchTimeout
		}
		c := client.NewClient(opts.BaseURL, timeout)
		c.SessionID = id
		c.PropagateTo = opts.TracePropagationURLs
		fetcher = c
	}

	cacheOpts := []cache.Option{
		cache.WithTTL(opts.TTL),
		cache.WithFetchTimeout(opts.FetchTimeout),
		cache.WithLogger(log),
	}
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(opts.Clock))
	}

	l := ledger.New()
	c := cache.New(fetcher, l, cacheOpts...)
	processor := enricher.NewSpanProcessor(l,
		enricher.WithDrain(!opts.KeepLedger),
		enricher.WithSkipScopes(client.TracerName),
	)

	s := &Session{
		ID:         id,
		cache:      c,
		ledger:     l,
		reconciler: NewReconciler(c, l, log),
		processor:  processor,
		log:        logging.Component(log, "session"),
	}
	s.log.Debug().Msg("session created")
	return s
}

// Initialize performs the first fetch for evalCtx. A failure never reaches
// the caller: it is logged and recorded on the span carried by ctx, State
// stays EMPTY and resolves serve STATIC defaults.
func (s *Session) Initialize(ctx context.Context, evalCtx evaluation.Context) {
	err := s.cache.RefreshFor(ctx, evalCtx, cache.TriggerInitialize)
	if err == nil {
		return
	}
	s.log.Error().Err(err).
		Str("context", evalCtx.Fingerprint()).
		Msg("could not fetch flag evaluations, serving defaults")
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "flag initialization failed")
}

// OnContextChange switches the session to a new evaluation context.
// Equal contexts are a no-op. See Reconciler for the failure policy.
func (s *Session) OnContextChange(ctx context.Context, oldCtx, newCtx evaluation.Context) error {
	return s.reconciler.OnContextChange(ctx, oldCtx, newCtx)
}

// ResolveBoolean resolves a boolean flag.
func (s *Session) ResolveBoolean(ctx context.Context, flagKey string, defaultValue bool, evalCtx evaluation.Context) evaluation.Record {
	return s.resolve(ctx, flagKey, defaultValue, evalCtx)
}

// ResolveString resolves a string flag.
func (s *Session) ResolveString(ctx context.Context, flagKey string, defaultValue string, evalCtx evaluation.Context) evaluation.Record {
	return s.resolve(ctx, flagKey, defaultValue, evalCtx)
}

// ResolveNumber resolves a numeric flag.
func (s *Session) ResolveNumber(ctx context.Context, flagKey string, defaultValue float64, evalCtx evaluation.Context) evaluation.Record {
	return s.resolve(ctx, flagKey, defaultValue, evalCtx)
}

// ResolveObject resolves a structured flag.
func (s *Session) ResolveObject(ctx context.Context, flagKey string, defaultValue any, evalCtx evaluation.Context) evaluation.Record {
	return s.resolve(ctx, flagKey, defaultValue, evalCtx)
}

// resolve passes stored values through as fetched; a flag whose stored type
// differs from the requested one is not coerced.
func (s *Session) resolve(ctx context.Context, flagKey string, defaultValue any, evalCtx evaluation.Context) evaluation.Record {
	rec := s.cache.Resolve(flagKey, defaultValue, evalCtx)
	enricher.Annotate(trace.SpanFromContext(ctx), flagKey, rec)
	return rec
}

// SpanProcessor returns the processor to register with the tracer provider.
func (s *Session) SpanProcessor() *enricher.SpanProcessor { return s.processor }

// State reports the freshness of the session's snapshot.
func (s *Session) State() cache.State { return s.cache.State() }

// Subscribe notifies the caller of snapshot replacements and clears.
func (s *Session) Subscribe() (<-chan string, func()) { return s.cache.Subscribe() }

// Metadata describes the provider.
func (s *Session) Metadata() Metadata {
	return Metadata{Name: ProviderName, RunsOn: RunsOn}
}

// Close waits for background refreshes and stops scheduling new ones.
func (s *Session) Close() error {
	s.log.Debug().Msg("session closing")
	return s.cache.Close()
}
