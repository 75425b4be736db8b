package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"agent-spawner/internal/adapter/buildkite"
	"agent-spawner/internal/adapter/webhook"
	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/config"
	"agent-spawner/internal/infra/logger"
	"agent-spawner/internal/infra/tracer"
	"agent-spawner/internal/usecase/launch"
	"agent-spawner/internal/usecase/matcher"
	"agent-spawner/internal/usecase/poller"
)

const defaultConfigPath = "spawner.yaml"

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "help":
		showUsage()
		return
	case "run":
		err = runCommand(args)
	case "check":
		err = checkCommand(args)
	case "daemon":
		err = daemonCommand(args)
	case "encrypt":
		err = encryptCommand(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'spawner help' for usage information.\n", cmd)
		os.Exit(2)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`spawner - launch Buildkite agents on demand

USAGE:
    spawner [COMMAND] [FLAGS]

COMMANDS:
    run         Poll for jobs and launch matching agents (default)
    check       Validate the config and run preflight checks
    daemon      Manage spawner as a system service
                Subcommands: install, uninstall, status, unit
    encrypt     Encrypt a secret for use as an "enc:" config value
    help        Show this help message

FLAGS (run):
    --config PATH      Config file (default: ./spawner.yaml, or $SPAWNER_CONFIG)
    --once             Run a single fetch-and-match cycle and exit
    --dry-run          Log launch decisions without running commands

FLAGS (check):
    --config PATH      Config file
    --online           Also fetch jobs from the API once

FLAGS (encrypt):
    --value TEXT       Plaintext to encrypt (default: one line from stdin)

CONFIGURATION:
    Environment: SPAWNER_* variables override the config file.
    SPAWNER_CONFIG_KEY decrypts "enc:" secrets.

EXAMPLES:
    spawner --config /etc/spawner/spawner.yaml
    spawner run --once --dry-run
    spawner check --online
    SPAWNER_CONFIG_KEY=... spawner encrypt --value "$BUILDKITE_TOKEN"
    spawner daemon install --config /etc/spawner/spawner.yaml`)
}

// configFlag registers --config with its environment fallback.
func configFlag(fs *pflag.FlagSet) *string {
	def := defaultConfigPath
	if p := os.Getenv("SPAWNER_CONFIG"); p != "" {
		def = p
	}
	return fs.String("config", def, "path to the config file")
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	cfgPath := configFlag(fs)
	once := fs.Bool("once", false, "run one cycle and exit")
	dryRun := fs.Bool("dry-run", false, "do not execute launch commands")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if *dryRun {
		cfg.Launch.DryRun = true
	}
	return run(cfg, *once)
}

// components holds the wired runtime.
type components struct {
	client  *buildkite.Client
	matcher *matcher.Matcher
	poller  *poller.Poller
	webhook *webhook.Server
}

func build(cfg *config.Config, log *slog.Logger) (*components, error) {
	registry, err := domain.NewRegistry(cfg.AgentDefinitions())
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}

	schedule, err := poller.ParseSchedule(cfg.Poll.Interval)
	if err != nil {
		return nil, fmt.Errorf("poll interval: %w", err)
	}

	client := buildkite.NewClient(buildkite.Config{
		APIURL:  cfg.Buildkite.APIURL,
		Org:     cfg.Buildkite.Org,
		Token:   cfg.Buildkite.Token,
		Timeout: cfg.Buildkite.Timeout,
		PerPage: cfg.Buildkite.PerPage,
		Breaker: buildkite.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		},
	}, logger.Component(log, "buildkite"))

	invoker := launch.NewInvoker(launch.Config{
		Shell:  cfg.Launch.Shell,
		DryRun: cfg.Launch.DryRun,
	}, logger.Component(log, "launch"))

	m := matcher.New(registry, invoker, logger.Component(log, "matcher"))

	p := poller.New(poller.Config{
		Schedule:     schedule,
		Debounce:     cfg.Poll.Debounce,
		FetchTimeout: cfg.Buildkite.Timeout,
		PollOnStart:  cfg.Poll.OnStart,
	}, client, m, logger.Component(log, "poller"))

	c := &components{client: client, matcher: m, poller: p}
	if cfg.Webhook.Enabled {
		c.webhook = webhook.NewServer(webhook.Config{
			Addr:           cfg.Webhook.Addr,
			Path:           cfg.Webhook.Path,
			Token:          cfg.Webhook.Token,
			RequestsPerMin: cfg.Webhook.RequestsPerMin,
			Burst:          cfg.Webhook.Burst,
			TrustedProxies: cfg.Webhook.TrustedProxies,
		}, p, p, logger.Component(log, "webhook"))
	}
	return c, nil
}

func run(cfg *config.Config, once bool) error {
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	c, err := build(cfg, log)
	if err != nil {
		return err
	}

	log.Info("spawner starting",
		"org", cfg.Buildkite.Org,
		"agents", len(cfg.Agents),
		"interval", cfg.Poll.Interval,
		"dry_run", cfg.Launch.DryRun)

	if once {
		report, err := c.poller.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("single cycle complete", "launches", len(report.Launches), "unmatched", report.Unmatched)
		return nil
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = serve(ctx, c, log)
	log.Info("spawner stopped")
	return err
}

// serve runs the poller, and the webhook listener when enabled, until ctx
// is cancelled. A listener failure stops the poller and is returned.
func serve(ctx context.Context, c *components, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	listenErr := make(chan error, 1)
	if c.webhook != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.webhook.Start(ctx); err != nil {
				log.Error("webhook listener error", "error", err)
				listenErr <- err
				cancel()
			}
		}()
	}

	err := c.poller.Run(ctx)
	cancel()
	wg.Wait()
	select {
	case lerr := <-listenErr:
		return errors.Join(err, lerr)
	default:
		return err
	}
}
