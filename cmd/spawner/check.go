package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"agent-spawner/internal/adapter/buildkite"
	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/config"
	"agent-spawner/internal/infra/logger"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named preflight check. cfg is nil when the config failed to load.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func checkCommand(args []string) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	cfgPath := configFlag(fs)
	online := fs.Bool("online", false, "fetch jobs from the API once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, cfgErr := config.Load(*cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(*cfgPath, cfgErr)},
		{Name: "Launch shell", Fn: checkShell},
		{Name: "Agents", Fn: checkAgents},
		{Name: "Webhook", Fn: checkWebhook},
	}
	if *online {
		checks = append(checks, Check{Name: "Buildkite API", Fn: checkAPI})
	}

	fmt.Println("spawner check")
	fmt.Println(strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	if cfg != nil {
		fmt.Println()
		printAgents(cfg)
	}

	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func printAgents(cfg *config.Config) {
	fmt.Println("Agents (matching priority order):")
	for i, def := range cfg.AgentDefinitions() {
		name := def.Name
		if name == "" {
			name = fmt.Sprintf("agent-%d", i)
		}
		limit := def.SpawnLimit
		if limit == 0 {
			limit = domain.DefaultSpawnLimit
		}
		fmt.Printf("  %d. %s  limit=%d  tags=[%s]\n", i+1, name, limit, strings.Join(def.Tags, ", "))
	}
}

// checkConfigFile returns a check that verifies the config file loaded.
func checkConfigFile(path string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s not found", path),
				Fix:     "pass --config or set SPAWNER_CONFIG",
			}
		}
		if cfgErr != nil {
			var ve *config.ValidationError
			if errors.As(cfgErr, &ve) {
				return CheckResult{
					Status:  StatusFail,
					Message: fmt.Sprintf("%d validation error(s): %s", len(ve.Errors), strings.Join(ve.Errors, "; ")),
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: cfgErr.Error(),
				Fix:     fixFor(cfgErr),
			}
		}
		return CheckResult{Status: StatusPass, Message: path}
	}
}

func fixFor(err error) string {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeDecryption:
		return "check SPAWNER_CONFIG_KEY matches the key used to encrypt the secrets"
	case domain.CodeConfigLoad:
		return "fix the YAML syntax or the includes list"
	}
	if strings.Contains(err.Error(), "permissions") {
		return "chmod go-w on the config file"
	}
	return ""
}

func checkShell(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (no config)"}
	}
	path, err := exec.LookPath(cfg.Launch.Shell)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.Launch.Shell, err),
			Fix:     "set launch.shell to an installed POSIX shell",
		}
	}
	msg := path
	if cfg.Launch.DryRun {
		return CheckResult{Status: StatusWarn, Message: msg + " (dry run: commands will not execute)"}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

// checkAgents warns about agents that are reached only when an earlier agent
// with a superset of their tags is full or failed.
func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (no config)"}
	}
	reg, err := domain.NewRegistry(cfg.AgentDefinitions())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}

	var shadowed []string
	for i := 1; i < reg.Len(); i++ {
		later := reg.At(i)
		for j := 0; j < i; j++ {
			earlier := reg.At(j)
			if earlier.Provides(later.Tags) {
				shadowed = append(shadowed, fmt.Sprintf("%s (by %s)", later.Name, earlier.Name))
				break
			}
		}
	}
	if len(shadowed) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d agent(s); reached only when an earlier agent is full or failed: %s", reg.Len(), strings.Join(shadowed, ", ")),
			Fix:     "agents are tried in file order; list more specific agents first",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agent(s)", reg.Len())}
}

func checkWebhook(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (no config)"}
	}
	if !cfg.Webhook.Enabled {
		return CheckResult{Status: StatusWarn, Message: "disabled; jobs are picked up on the regular schedule only"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("POST %s on %s", cfg.Webhook.Path, cfg.Webhook.Addr)}
}

func checkAPI(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (no config)"}
	}
	client := buildkite.NewClient(buildkite.Config{
		APIURL:  cfg.Buildkite.APIURL,
		Org:     cfg.Buildkite.Org,
		Token:   cfg.Buildkite.Token,
		Timeout: cfg.Buildkite.Timeout,
		PerPage: cfg.Buildkite.PerPage,
	}, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Buildkite.Timeout+time.Second)
	defer cancel()

	jobs, err := client.FetchJobs(ctx)
	if err != nil {
		fix := ""
		if errors.Is(err, domain.ErrFetchStatus) && strings.Contains(err.Error(), "HTTP 401") {
			fix = "check buildkite.token has the read_builds scope"
		}
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: fix}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d eligible job(s) outstanding", len(jobs))}
}
