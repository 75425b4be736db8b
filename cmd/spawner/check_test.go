package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-spawner/internal/infra/config"
	"agent-spawner/internal/infra/logger"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spawner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Buildkite.Org = "acme"
	cfg.Buildkite.Token = "tok"
	cfg.Agents = []config.AgentConfig{
		{Name: "linux", Tags: []string{"queue=default"}, Command: "true"},
	}
	return cfg
}

func TestCheckConfigFileNotFound(t *testing.T) {
	result := checkConfigFile("/nonexistent/spawner.yaml", nil)(nil)
	assert.Equal(t, StatusFail, result.Status)
	assert.NotEmpty(t, result.Fix)
}

func TestCheckConfigFileValidationErrors(t *testing.T) {
	path := writeTestConfig(t, "agents: []\n")
	_, err := config.Load(path)
	require.Error(t, err)

	result := checkConfigFile(path, err)(nil)
	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "agents must define at least one agent")
}

func TestCheckConfigFileValid(t *testing.T) {
	path := writeTestConfig(t, "buildkite:\n  org: acme\n")
	result := checkConfigFile(path, nil)(testConfig())
	assert.Equal(t, StatusPass, result.Status)
}

func TestCheckShell(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, StatusPass, checkShell(cfg).Status)

	cfg.Launch.DryRun = true
	assert.Equal(t, StatusWarn, checkShell(cfg).Status)

	cfg.Launch.Shell = "/nonexistent/shell"
	assert.Equal(t, StatusFail, checkShell(cfg).Status)

	assert.Equal(t, StatusWarn, checkShell(nil).Status)
}

func TestCheckAgentsShadowed(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, StatusPass, checkAgents(cfg).Status)

	cfg.Agents = append(cfg.Agents, config.AgentConfig{Name: "linux-small", Tags: []string{"queue=default"}, Command: "true"})
	result := checkAgents(cfg)
	assert.Equal(t, StatusWarn, result.Status)
	assert.Contains(t, result.Message, "linux-small (by linux)")
}

func TestCheckWebhook(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, StatusWarn, checkWebhook(cfg).Status)

	cfg.Webhook.Enabled = true
	result := checkWebhook(cfg)
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "/webhook")
}

func TestCheckAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"jobs":[{"id":"J1","type":"script","state":"scheduled","agent_query_rules":["q"]}]}]`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Buildkite.APIURL = srv.URL
	result := checkAPI(cfg)
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "1 eligible job")
}

func TestCheckAPIUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Buildkite.APIURL = srv.URL
	result := checkAPI(cfg)
	assert.Equal(t, StatusFail, result.Status)
	assert.NotEmpty(t, result.Fix)
}

func TestBuildWiresWebhookOnlyWhenEnabled(t *testing.T) {
	cfg := testConfig()
	c, err := build(cfg, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, c.webhook)
	assert.NotNil(t, c.poller)

	cfg.Webhook.Enabled = true
	cfg.Webhook.Token = "hook"
	c, err = build(cfg, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, c.webhook)
}

func TestBuildRejectsBadInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Poll.Interval = "whenever"
	_, err := build(cfg, discardLogger())
	assert.Error(t, err)
}

func discardLogger() *slog.Logger { return logger.Discard() }

func TestBuildWiresWebhookTrustedProxies(t *testing.T) {
	post := func(h http.Handler, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.Header.Set("X-Buildkite-Token", "hook")
		req.Header.Set("X-Buildkite-Event", "build.scheduled")
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	cfg := testConfig()
	cfg.Webhook.Enabled = true
	cfg.Webhook.Token = "hook"
	cfg.Webhook.RequestsPerMin = 1
	cfg.Webhook.Burst = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// httptest requests arrive from 192.0.2.1.
	c, err := build(cfg, discardLogger())
	require.NoError(t, err)
	h := c.webhook.Handler(ctx)
	assert.Equal(t, http.StatusAccepted, post(h, "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, post(h, "203.0.113.2"))

	cfg.Webhook.TrustedProxies = []string{"192.0.2.1"}
	c, err = build(cfg, discardLogger())
	require.NoError(t, err)
	h = c.webhook.Handler(ctx)
	assert.Equal(t, http.StatusAccepted, post(h, "203.0.113.1"))
	assert.Equal(t, http.StatusAccepted, post(h, "203.0.113.2"))
}
