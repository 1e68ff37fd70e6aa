package commands

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/fixture"
)

func startFixture(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(fixture.NewServer("", map[string]evaluation.Stored{
		"dark-mode": {Value: true},
		"banner":    {Value: "spring", Variant: evaluation.Variant("seasonal")},
	}).Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRACING_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestResolveCommand_JSON(t *testing.T) {
	url := startFixture(t)

	out, err := run(t, "resolve", "dark-mode", "banner", "new-ui",
		"--base-url", url, "--default", "false", "--targeting-key", "alice", "--format", "json")
	require.NoError(t, err)

	var got struct {
		Results []struct {
			Key     string  `json:"key"`
			Value   any     `json:"value"`
			Variant *string `json:"variant"`
			Reason  string  `json:"reason"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	require.Len(t, got.Results, 3)

	assert.Equal(t, true, got.Results[0].Value)
	assert.Equal(t, "CACHED", got.Results[0].Reason)
	assert.Equal(t, "seasonal", *got.Results[1].Variant)
	assert.Equal(t, false, got.Results[2].Value)
	assert.Equal(t, "STATIC", got.Results[2].Reason)
}

func TestResolveCommand_UnreachableServiceServesDefaults(t *testing.T) {
	out, err := run(t, "resolve", "dark-mode",
		"--base-url", "http://127.0.0.1:1", "--default", "false", "--format", "yaml")
	require.NoError(t, err)

	var got map[string][]map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got), out)
	require.Len(t, got["results"], 1)
	assert.Equal(t, "STATIC", got["results"][0]["reason"])
	assert.Equal(t, false, got["results"][0]["value"])
}

func TestResolveCommand_RequiresKey(t *testing.T) {
	_, err := run(t, "resolve", "--format", "table")
	assert.Error(t, err)
}

func TestRootCommand_RejectsUnknownFormat(t *testing.T) {
	_, err := run(t, "config", "show", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestWatchCommand_Ticks(t *testing.T) {
	url := startFixture(t)

	out, err := run(t, "watch", "dark-mode",
		"--base-url", url, "--interval", "10ms", "--count", "2", "--format", "table")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "tick "), out)
	assert.Contains(t, out, "dark-mode")
}

func TestConfigShowCommand(t *testing.T) {
	out, err := run(t, "config", "show", "--base-url", "http://flags.internal:8080", "--ttl", "3s", "--format", "json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	assert.Equal(t, "http://flags.internal:8080", got["EVAL_BASE_URL"])
	assert.Equal(t, "3s", got["CACHE_TTL"])
	assert.Equal(t, "false", got["TRACING_ENABLED"])
}
