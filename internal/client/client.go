package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
)

// TracerName is the instrumentation scope of fetch spans.
const TracerName = "github.com/TimurManjosov/lightfoot/internal/client"

// EvaluateConfigPath is the evaluation service endpoint returning every flag for a context.
const EvaluateConfigPath = "/api/evaluate/config"

// SessionHeader carries the session ID on every fetch.
const SessionHeader = "X-Lightfoot-Session"

// maxErrorBodySize limits how much of an error response body ends up in the error (1KB)
const maxErrorBodySize = 1024

// ErrFetchFailed wraps every failure of FetchEvaluations: transport errors,
// non-2xx responses and malformed bodies alike.
var ErrFetchFailed = errors.New("evaluation fetch failed")

// Client is an HTTP client for the evaluation service
type Client struct {
	BaseURL    string
	SessionID  string
	HTTPClient *http.Client
	Tracer     trace.Tracer // defaults to the global tracer provider
	// PropagateTo lists URL prefixes that receive trace headers.
	// Empty propagates to every request.
	PropagateTo []string
}

// NewClient creates a new evaluation service client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type evaluateConfigRequest struct {
	Context evaluation.Context `json:"context"`
}

// FetchEvaluations asks the evaluation service for the evaluation of every
// flag under evalCtx. One call issues exactly one request.
func (c *Client) FetchEvaluations(ctx context.Context, evalCtx evaluation.Context) (flags map[string]evaluation.Stored, err error) {
	ctx, span := c.tracer().Start(ctx, "evaluation.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodPost),
			attribute.String("url.full", c.BaseURL+EvaluateConfigPath),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
		} else {
			span.SetAttributes(attribute.Int("lightfoot.flags", len(flags)))
		}
		span.End()
	}()

	body, err := json.Marshal(evaluateConfigRequest{Context: evalCtx})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %w", ErrFetchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+EvaluateConfigPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrFetchFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.SessionID != "" {
		req.Header.Set(SessionHeader, c.SessionID)
	}
	if c.propagates(req.URL.String()) {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: API error (status %d): %s", ErrFetchFailed, resp.StatusCode, string(bodyBytes))
	}

	var result map[string]evaluation.Stored
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrFetchFailed, err)
	}
	if result == nil {
		// A literal `null` body is not an evaluation set.
		return nil, fmt.Errorf("%w: empty response body", ErrFetchFailed)
	}

	return result, nil
}

func (c *Client) propagates(url string) bool {
	if len(c.PropagateTo) == 0 {
		return true
	}
	for _, prefix := range c.PropagateTo {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return otel.Tracer(TracerName)
}
