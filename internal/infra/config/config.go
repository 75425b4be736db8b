package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agent-spawner/internal/domain"
)

// Config is the top-level daemon configuration.
type Config struct {
	Buildkite BuildkiteConfig `yaml:"buildkite"`
	Poll      PollConfig      `yaml:"poll"`
	Agents    []AgentConfig   `yaml:"agents"`
	Launch    LaunchConfig    `yaml:"launch"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// BuildkiteConfig holds the remote orchestration API settings.
type BuildkiteConfig struct {
	APIURL  string        `yaml:"api_url"`
	Org     string        `yaml:"org"`
	Token   string        `yaml:"token"`   // may be "enc:..." when SPAWNER_CONFIG_KEY is set
	Timeout time.Duration `yaml:"timeout"` // bound on one fetch, including body read
	PerPage int           `yaml:"per_page"`
}

// PollConfig holds the poll scheduler timing.
type PollConfig struct {
	Interval string        `yaml:"interval"` // cron expression "*/1 * * * *" OR duration "30s"
	Debounce time.Duration `yaml:"debounce"` // follow-up delay for triggers received mid-poll
	OnStart  bool          `yaml:"on_start"`
}

// AgentConfig defines one launchable agent. Order in the file is the
// matching priority.
type AgentConfig struct {
	Name       string   `yaml:"name,omitempty"`
	Tags       []string `yaml:"tags"`
	SpawnLimit int      `yaml:"spawn_limit,omitempty"` // default 1
	Command    string   `yaml:"command"`
}

// LaunchConfig controls how launch commands are executed.
type LaunchConfig struct {
	Shell  string `yaml:"shell"`
	DryRun bool   `yaml:"dry_run"`
}

// WebhookConfig holds the notification listener settings.
type WebhookConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	Path           string   `yaml:"path"`
	Token          string   `yaml:"token"` // compared against X-Buildkite-Token
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies"` // peers whose X-Forwarded-For is honoured
}

// BreakerConfig configures the circuit breaker around remote fetches.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Buildkite: BuildkiteConfig{
			APIURL:  "https://api.buildkite.com",
			Timeout: 10 * time.Second,
			PerPage: 100,
		},
		Poll: PollConfig{
			Interval: "60s",
			Debounce: 2 * time.Second,
			OnStart:  true,
		},
		Launch: LaunchConfig{
			Shell: "/bin/sh",
		},
		Webhook: WebhookConfig{
			Enabled:        false,
			Addr:           ":8780",
			Path:           "/webhook",
			RequestsPerMin: 120,
			Burst:          20,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, merges includes, applies env var overrides,
// decrypts secrets and validates the result. Unlike optional settings files,
// the agent list is mandatory, so a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
	}

	if len(cfg.Includes) > 0 {
		cfg.Agents = nil
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass so the main file takes precedence over its includes.
		// Agents are a list, so included agents would otherwise be replaced
		// wholesale; keep included agents ahead of the main file's own.
		included := cfg.Agents
		cfg.Agents = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse (second pass): "+err.Error())
		}
		cfg.Agents = mergeAgents(included, cfg.Agents)
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SPAWNER_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps SPAWNER_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPAWNER_BUILDKITE_TOKEN"); v != "" {
		cfg.Buildkite.Token = v
	}
	if v := os.Getenv("SPAWNER_BUILDKITE_ORG"); v != "" {
		cfg.Buildkite.Org = v
	}
	if v := os.Getenv("SPAWNER_BUILDKITE_API_URL"); v != "" {
		cfg.Buildkite.APIURL = v
	}
	if v := os.Getenv("SPAWNER_POLL_INTERVAL"); v != "" {
		cfg.Poll.Interval = v
	}
	if v := os.Getenv("SPAWNER_POLL_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Poll.Debounce = d
		}
	}
	if v := os.Getenv("SPAWNER_WEBHOOK_TOKEN"); v != "" {
		cfg.Webhook.Token = v
	}
	if v := os.Getenv("SPAWNER_WEBHOOK_ADDR"); v != "" {
		cfg.Webhook.Addr = v
	}
	if v := os.Getenv("SPAWNER_WEBHOOK_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Webhook.Enabled = b
		}
	}
	if v := os.Getenv("SPAWNER_WEBHOOK_TRUSTED_PROXIES"); v != "" {
		cfg.Webhook.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Webhook.TrustedProxies = append(cfg.Webhook.TrustedProxies, p)
			}
		}
	}
	if v := os.Getenv("SPAWNER_LAUNCH_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Launch.DryRun = b
		}
	}
	if v := os.Getenv("SPAWNER_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SPAWNER_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SPAWNER_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SPAWNER_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// AgentDefinitions converts the configured agents into domain definitions,
// preserving declaration order.
func (c *Config) AgentDefinitions() []domain.AgentDefinition {
	defs := make([]domain.AgentDefinition, len(c.Agents))
	for i, a := range c.Agents {
		defs[i] = domain.AgentDefinition{
			Name:       a.Name,
			Tags:       a.Tags,
			SpawnLimit: a.SpawnLimit,
			Command:    strings.TrimSpace(a.Command),
		}
	}
	return defs
}

// mergeAgents returns included agents followed by the main file's agents.
func mergeAgents(included, own []AgentConfig) []AgentConfig {
	out := make([]AgentConfig, 0, len(included)+len(own))
	out = append(out, included...)
	return append(out, own...)
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
