package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Buildkite.Org = "acme"
	cfg.Buildkite.Token = "token"
	cfg.Agents = []AgentConfig{{Tags: []string{"queue=default"}, Command: "launch"}}
	return cfg
}

func assertValidationContains(t *testing.T, cfg *Config, want string) {
	t.Helper()
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("Validate: expected error containing %q", want)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	for _, msg := range ve.Errors {
		if strings.Contains(msg, want) {
			return
		}
	}
	t.Errorf("errors %v do not contain %q", ve.Errors, want)
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	// org, token and agents are all missing from the defaults.
	if len(ve.Errors) < 3 {
		t.Errorf("got %d errors, want at least 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateBuildkite(t *testing.T) {
	cfg := validConfig()
	cfg.Buildkite.APIURL = "not a url"
	assertValidationContains(t, cfg, "buildkite.api_url")

	cfg = validConfig()
	cfg.Buildkite.PerPage = 500
	assertValidationContains(t, cfg, "buildkite.per_page")

	cfg = validConfig()
	cfg.Buildkite.Timeout = 0
	assertValidationContains(t, cfg, "buildkite.timeout")
}

func TestValidatePoll(t *testing.T) {
	tests := []struct {
		interval string
		debounce time.Duration
		want     string
	}{
		{"", time.Second, "empty schedule"},
		{"often", time.Second, "not a valid cron expression"},
		{"-5s", time.Second, "duration must be positive"},
		{"10s", 0, "poll.debounce must be > 0"},
		{"10s", 10 * time.Second, "must be shorter than poll.interval"},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Poll.Interval = tt.interval
		cfg.Poll.Debounce = tt.debounce
		assertValidationContains(t, cfg, tt.want)
	}

	cfg := validConfig()
	cfg.Poll.Interval = "*/5 * * * *"
	if err := Validate(cfg); err != nil {
		t.Errorf("cron interval rejected: %v", err)
	}
}

func TestValidateAgents(t *testing.T) {
	cfg := validConfig()
	cfg.Agents = nil
	assertValidationContains(t, cfg, "at least one agent")

	cfg = validConfig()
	cfg.Agents = []AgentConfig{{Tags: []string{"queue=x"}, Command: "  "}}
	assertValidationContains(t, cfg, "agents[0].command")

	cfg = validConfig()
	cfg.Agents[0].SpawnLimit = -2
	assertValidationContains(t, cfg, "agents[0].spawn_limit")

	cfg = validConfig()
	cfg.Agents = []AgentConfig{
		{Name: "a", Command: "x"},
		{Name: "a", Command: "y"},
	}
	assertValidationContains(t, cfg, "duplicate agent name")
}

func TestValidateWebhook(t *testing.T) {
	cfg := validConfig()
	cfg.Webhook.Enabled = true
	assertValidationContains(t, cfg, "webhook.token")

	cfg = validConfig()
	cfg.Webhook.Enabled = true
	cfg.Webhook.Token = "t"
	cfg.Webhook.Path = "webhook"
	assertValidationContains(t, cfg, "webhook.path")

	cfg = validConfig()
	cfg.Webhook.Enabled = true
	cfg.Webhook.Token = "t"
	cfg.Webhook.TrustedProxies = []string{"10.0.0.1", "proxy.internal"}
	assertValidationContains(t, cfg, `webhook.trusted_proxies entry "proxy.internal"`)

	cfg = validConfig()
	cfg.Webhook.Token = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled webhook should not require a token: %v", err)
	}
}

func TestValidateLoggerAndTracer(t *testing.T) {
	cfg := validConfig()
	cfg.Logger.Level = "verbose"
	assertValidationContains(t, cfg, "logger.level")

	cfg = validConfig()
	cfg.Logger.Format = "xml"
	assertValidationContains(t, cfg, "logger.format")

	cfg = validConfig()
	cfg.Tracer.Exporter = "jaeger"
	assertValidationContains(t, cfg, "tracer.exporter")
}
