// Package testutil holds fakes shared by the package tests: a manual clock,
// a programmable evaluation fetcher and an HTTP request helper.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Fetcher returns programmable evaluations and records every call.
// Flags set with SetFor take precedence for their targeting key.
type Fetcher struct {
	mu       sync.Mutex
	flags    map[string]evaluation.Stored
	byKey    map[string]map[string]evaluation.Stored
	err      error
	gate     chan struct{} // when non-nil, fetches block until it is closed
	keyGates map[string]chan struct{}
	calls    atomic.Int32
	contexts []evaluation.Context
}

// NewFetcher returns a fetcher serving flags for every context.
func NewFetcher(flags map[string]evaluation.Stored) *Fetcher {
	return &Fetcher{flags: flags}
}

// FetchEvaluations implements the cache fetcher.
func (f *Fetcher) FetchEvaluations(ctx context.Context, evalCtx evaluation.Context) (map[string]evaluation.Stored, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.contexts = append(f.contexts, evalCtx)
	gate := f.gate
	if g, ok := f.keyGates[evalCtx.TargetingKey]; ok {
		gate = g
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	src := f.flags
	if flags, ok := f.byKey[evalCtx.TargetingKey]; ok {
		src = flags
	}
	out := make(map[string]evaluation.Stored, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// Set replaces the flags served to every context and the error returned.
func (f *Fetcher) Set(flags map[string]evaluation.Stored, err error) {
	f.mu.Lock()
	f.flags, f.err = flags, err
	f.mu.Unlock()
}

// SetFor serves flags to contexts with the given targeting key.
func (f *Fetcher) SetFor(targetingKey string, flags map[string]evaluation.Stored) {
	f.mu.Lock()
	if f.byKey == nil {
		f.byKey = make(map[string]map[string]evaluation.Stored)
	}
	f.byKey[targetingKey] = flags
	f.mu.Unlock()
}

// Fail makes every following fetch return err. Fail(nil) recovers.
func (f *Fetcher) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Block holds every following fetch until Unblock is called with the returned gate.
func (f *Fetcher) Block() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return gate
}

// BlockFor holds following fetches for targetingKey only, until Unblock is
// called with the returned gate.
func (f *Fetcher) BlockFor(targetingKey string) chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	if f.keyGates == nil {
		f.keyGates = make(map[string]chan struct{})
	}
	f.keyGates[targetingKey] = gate
	f.mu.Unlock()
	return gate
}

// Unblock releases fetches held by gate.
func (f *Fetcher) Unblock(gate chan struct{}) {
	f.mu.Lock()
	if f.gate == gate {
		f.gate = nil
	}
	for k, g := range f.keyGates {
		if g == gate {
			delete(f.keyGates, k)
		}
	}
	f.mu.Unlock()
	close(gate)
}

// Calls reports how many fetches started.
func (f *Fetcher) Calls() int {
	return int(f.calls.Load())
}

// Contexts returns the evaluation contexts of every fetch so far.
func (f *Fetcher) Contexts() []evaluation.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]evaluation.Context(nil), f.contexts...)
}

// LastContext returns the context of the latest fetch.
func (f *Fetcher) LastContext() evaluation.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.contexts) == 0 {
		return evaluation.Context{}
	}
	return f.contexts[len(f.contexts)-1]
}

// HTTPRequest is a helper for making test HTTP requests.
type HTTPRequest struct {
	Method  string
	Path    string
	Body    string
	Headers map[string]string
}

// Do executes the HTTP request and returns the response recorder.
func (r *HTTPRequest) Do(t *testing.T, handler http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.Body != "" {
		body = bytes.NewBufferString(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.Path, body)
	if r.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
