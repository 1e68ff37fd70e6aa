// Package enricher attaches feature-flag evaluations to trace spans.
//
// SpanProcessor learns about evaluations through the evaluated-flags ledger
// and reacts only to span start. Annotate is the direct path, used when the
// caller hands over the span that was active during a resolve.
package enricher

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/telemetry"
)

// EventName is the span event recorded once per evaluated flag.
const EventName = "feature_flag.evaluated"

// Event attribute keys.
const (
	AttrFlagKey = "flagKey"
	AttrValue   = "value"
	AttrVariant = "variant"
)

// Source yields the flags evaluated since the last span start.
type Source interface {
	All() iter.Seq2[string, evaluation.Record]
	Drain() iter.Seq2[string, evaluation.Record]
}

// SpanProcessor is an sdktrace.SpanProcessor that records one
// feature_flag.evaluated event per ledger entry on every started span.
type SpanProcessor struct {
	source Source
	drain  bool
	skip   map[string]struct{}
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

// Option configures a SpanProcessor.
type Option func(*SpanProcessor)

// WithDrain controls whether the ledger is emptied on every span start.
// Draining keeps an evaluation from being attached to later, unrelated spans.
func WithDrain(drain bool) Option {
	return func(p *SpanProcessor) { p.drain = drain }
}

// WithSkipScopes leaves spans from the named instrumentation scopes alone.
// The SDK skips its own fetch spans so evaluations reach the caller's next span.
func WithSkipScopes(names ...string) Option {
	return func(p *SpanProcessor) {
		for _, name := range names {
			p.skip[name] = struct{}{}
		}
	}
}

// NewSpanProcessor returns a processor reading from source. Draining is on by default.
func NewSpanProcessor(source Source, opts ...Option) *SpanProcessor {
	p := &SpanProcessor{source: source, drain: true, skip: map[string]struct{}{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnStart adds one event per evaluated flag to the started span.
func (p *SpanProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	if _, ok := p.skip[s.InstrumentationScope().Name]; ok {
		return
	}
	entries := p.source.All
	if p.drain {
		entries = p.source.Drain
	}
	for key, rec := range entries() {
		s.AddEvent(EventName, trace.WithAttributes(EventAttributes(key, rec)...))
		telemetry.SpanEvents.Inc()
	}
}

// OnEnd does nothing: enrichment only happens at span start.
func (p *SpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

// Shutdown does nothing.
func (p *SpanProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush does nothing.
func (p *SpanProcessor) ForceFlush(context.Context) error { return nil }

// EventAttributes builds the attributes of one feature_flag.evaluated event.
// The value is string-coerced and the variant follows evaluation.VariantOrValue,
// so the variant attribute is never empty.
func EventAttributes(key string, rec evaluation.Record) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFlagKey, key),
		attribute.String(AttrValue, evaluation.StringValue(rec.Value)),
		attribute.String(AttrVariant, evaluation.VariantOrValue(rec)),
	}
}

// Annotate records a single evaluation on span: the feature_flag.evaluated
// event plus the feature_flag.<key>.value attribute, and
// feature_flag.<key>.variant when the record has an explicit variant.
// Non-recording spans are left alone.
func Annotate(span trace.Span, key string, rec evaluation.Record) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(EventName, trace.WithAttributes(EventAttributes(key, rec)...))
	telemetry.SpanEvents.Inc()

	attrs := []attribute.KeyValue{
		attribute.String("feature_flag."+key+".value", evaluation.StringValue(rec.Value)),
	}
	if rec.HasVariant() {
		attrs = append(attrs, attribute.String("feature_flag."+key+".variant", *rec.Variant))
	}
	span.SetAttributes(attrs...)
}
