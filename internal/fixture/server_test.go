package fixture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimurManjosov/lightfoot/internal/cache"
	"github.com/TimurManjosov/lightfoot/internal/client"
	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/session"
	"github.com/TimurManjosov/lightfoot/internal/testutil"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	flags, err := Parse([]byte(sampleFixture))
	require.NoError(t, err)
	return NewServer("", flags, opts...)
}

func postEvaluate(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := &testutil.HTTPRequest{Method: http.MethodPost, Path: client.EvaluateConfigPath, Body: body}
	return req.Do(t, h)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t).Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("Expected body 'ok', got %q", rec.Body.String())
	}
}

func TestEvaluateConfig(t *testing.T) {
	s := newTestServer(t)
	rec := postEvaluate(t, s.Router(), `{"context":{"targetingKey":"alice","plan":"pro"}}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	var got map[string]evaluation.Stored
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, s.Flags(), got)
}

func TestEvaluateConfig_SameForEveryContext(t *testing.T) {
	h := newTestServer(t).Router()
	a := postEvaluate(t, h, `{"context":{"targetingKey":"alice"}}`)
	b := postEvaluate(t, h, `{"context":{"targetingKey":"bob","country":"DE"}}`)

	assert.JSONEq(t, a.Body.String(), b.Body.String())
	assert.Equal(t, a.Header().Get("ETag"), b.Header().Get("ETag"))
}

func TestEvaluateConfig_BadRequests(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "not json", body: "hello", wantField: "body"},
		{name: "missing context", body: `{"ctx":{}}`, wantField: "context"},
		{name: "context not object", body: `{"context":[1,2]}`, wantField: "context"},
	}

	h := newTestServer(t).Router()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postEvaluate(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", rec.Code)
			}
			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "Bad Request", resp.Error)
			assert.Contains(t, resp.Fields, tt.wantField)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestEvaluateConfig_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t).Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, client.EvaluateConfigPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, WithRateLimit(2)).Router()

	for i := 0; i < 2; i++ {
		rec := postEvaluate(t, h, `{"context":{}}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := postEvaluate(t, h, `{"context":{}}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsRouter(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReload(t *testing.T) {
	path := writeFixture(t, sampleFixture)
	s, err := Open(path)
	require.NoError(t, err)
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	require.NoError(t, os.WriteFile(path, []byte("flags:\n  dark-mode:\n    value: false\n"), 0o644))
	require.NoError(t, s.Reload())

	assert.Equal(t, map[string]evaluation.Stored{"dark-mode": {Value: false}}, s.Flags())
	select {
	case etag := <-updates:
		assert.NotEmpty(t, etag)
	case <-time.After(time.Second):
		t.Fatal("Expected reload notification")
	}
}

func TestReload_InvalidKeepsFlags(t *testing.T) {
	path := writeFixture(t, sampleFixture)
	s, err := Open(path)
	require.NoError(t, err)
	before := s.Flags()

	require.NoError(t, os.WriteFile(path, []byte("flags:\n  dark-mode: {}\n"), 0o644))
	require.Error(t, s.Reload())
	assert.Equal(t, before, s.Flags())
}

func TestReload_WithoutPath(t *testing.T) {
	s := newTestServer(t)
	assert.Error(t, s.Reload())
	assert.Error(t, s.Watch(context.Background()))
}

func TestWatch_PicksUpWrites(t *testing.T) {
	path := writeFixture(t, sampleFixture)
	s, err := Open(path, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	updated := []byte("flags:\n  dark-mode:\n    value: false\n")
	require.Eventually(t, func() bool {
		// rewrite until the watcher has been registered and reloads
		_ = os.WriteFile(path, updated, 0o644)
		stored, ok := s.Flags()["dark-mode"]
		return ok && stored.Value == false
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}

// TestSessionAgainstFixture drives a real session over HTTP.
func TestSessionAgainstFixture(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	sess := session.New(session.Options{BaseURL: srv.URL, TTL: time.Minute, Logger: zerolog.Nop()})
	defer sess.Close()

	ctx := context.Background()
	alice := evaluation.Context{TargetingKey: "alice"}
	sess.Initialize(ctx, alice)
	require.Equal(t, cache.StateFresh, sess.State())

	rec := sess.ResolveBoolean(ctx, "dark-mode", false, alice)
	assert.Equal(t, true, rec.Value)
	assert.Equal(t, evaluation.ReasonCached, rec.Reason)

	rec = sess.ResolveString(ctx, "banner", "none", alice)
	assert.Equal(t, "spring", rec.Value)
	assert.Equal(t, "seasonal", evaluation.VariantOrValue(rec))

	rec = sess.ResolveNumber(ctx, "max-items", 10, alice)
	assert.Equal(t, 25.0, rec.Value)

	rec = sess.ResolveBoolean(ctx, "new-ui", false, alice)
	assert.Equal(t, evaluation.ReasonStatic, rec.Reason)
}
