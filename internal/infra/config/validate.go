package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBuildkite(cfg, ve)
	validatePoll(cfg, ve)
	validateAgents(cfg, ve)
	validateLaunch(cfg, ve)
	validateWebhook(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBuildkite(cfg *Config, ve *ValidationError) {
	bk := cfg.Buildkite
	if bk.Org == "" {
		ve.Add("buildkite.org must not be empty")
	}
	if bk.Token == "" {
		ve.Add("buildkite.token is empty (set via SPAWNER_BUILDKITE_TOKEN)")
	}
	if u, err := url.Parse(bk.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("buildkite.api_url %q is not an absolute URL", bk.APIURL)
	}
	if bk.Timeout <= 0 {
		ve.Add("buildkite.timeout must be > 0")
	}
	if bk.PerPage <= 0 || bk.PerPage > 100 {
		ve.Add("buildkite.per_page must be between 1 and 100")
	}
}

func validatePoll(cfg *Config, ve *ValidationError) {
	if err := validateSchedule(cfg.Poll.Interval); err != nil {
		ve.Add("poll.interval: %v", err)
	}
	if cfg.Poll.Debounce <= 0 {
		ve.Add("poll.debounce must be > 0")
	}
	if d, err := time.ParseDuration(cfg.Poll.Interval); err == nil && cfg.Poll.Debounce >= d {
		ve.Add("poll.debounce (%s) must be shorter than poll.interval (%s)", cfg.Poll.Debounce, d)
	}
}

// validateSchedule accepts a standard cron expression or a positive duration.
func validateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("empty schedule")
	}
	if _, err := cron.ParseStandard(schedule); err == nil {
		return nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive: %q", schedule)
	}
	return nil
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if len(cfg.Agents) == 0 {
		ve.Add("agents must define at least one agent")
		return
	}
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if strings.TrimSpace(a.Command) == "" {
			ve.Add("agents[%d].command must not be empty", i)
		}
		if a.SpawnLimit < 0 {
			ve.Add("agents[%d].spawn_limit must be >= 1 (omit for the default of 1)", i)
		}
		for j, tag := range a.Tags {
			if strings.TrimSpace(tag) == "" {
				ve.Add("agents[%d].tags[%d] must not be empty", i, j)
			}
		}
		if a.Name != "" {
			if seen[a.Name] {
				ve.Add("agents[%d]: duplicate agent name %q", i, a.Name)
			}
			seen[a.Name] = true
		}
	}
}

func validateLaunch(cfg *Config, ve *ValidationError) {
	if cfg.Launch.Shell == "" {
		ve.Add("launch.shell must not be empty")
	}
}

func validateWebhook(cfg *Config, ve *ValidationError) {
	wh := cfg.Webhook
	if !wh.Enabled {
		return
	}
	if wh.Token == "" {
		ve.Add("webhook.token must not be empty when webhook is enabled (set via SPAWNER_WEBHOOK_TOKEN)")
	}
	if _, _, err := net.SplitHostPort(wh.Addr); err != nil {
		ve.Add("webhook.addr %q is invalid: %v", wh.Addr, err)
	}
	if !strings.HasPrefix(wh.Path, "/") {
		ve.Add("webhook.path %q must start with /", wh.Path)
	}
	if wh.RequestsPerMin <= 0 {
		ve.Add("webhook.requests_per_min must be > 0")
	}
	if wh.Burst <= 0 {
		ve.Add("webhook.burst must be > 0")
	}
	for _, p := range wh.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("webhook.trusted_proxies entry %q is not an IP address", p)
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
