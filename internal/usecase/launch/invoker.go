// Package launch runs agent launch commands and classifies how they exit.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/tracer"
)

// DefaultShell runs launch commands when Config.Shell is empty.
const DefaultShell = "/bin/sh"

// Config holds configuration for the Invoker.
type Config struct {
	Shell  string // commands run as: <Shell> -c <command>
	DryRun bool   // log decisions and report success without executing
}

// Invoker runs one launch command at a time, synchronously. The command
// inherits the daemon's environment, stdout and stderr; only its exit status
// is observed. There is no timeout: a hung command blocks the caller.
type Invoker struct {
	config Config
	logger *slog.Logger
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg Config, logger *slog.Logger) *Invoker {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	return &Invoker{config: cfg, logger: logger}
}

// Invoke runs agent.Command and blocks until it exits.
func (inv *Invoker) Invoke(ctx context.Context, agent domain.AgentDefinition) domain.LaunchResult {
	launchID := ulid.Make().String()
	ctx, span := tracer.StartSpan(ctx, "launch.invoke")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("launch.id", launchID),
		tracer.StringAttr("agent", agent.Name),
	)

	log := inv.logger.With("launch_id", launchID, "agent", agent.Name)

	if inv.config.DryRun {
		log.Info("dry run: launch skipped", "command", agent.Command)
		result := domain.LaunchResult{LaunchID: launchID, Agent: agent.Name, Outcome: domain.OutcomeSuccess}
		tracer.FinishLaunch(span, result)
		return result
	}

	log.Info("launching agent", "command", agent.Command)

	// exec.Command rather than CommandContext: a started launch always runs
	// to completion, even across shutdown.
	cmd := exec.Command(inv.config.Shell, "-c", agent.Command)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	start := time.Now()
	runErr := cmd.Run()
	result := classify(runErr, inv.config.Shell)
	result.LaunchID = launchID
	result.Agent = agent.Name
	result.Duration = time.Since(start)

	tracer.FinishLaunch(span, result)

	switch result.Outcome {
	case domain.OutcomeSuccess:
		log.Info("agent launched", "duration", result.Duration)
	case domain.OutcomeTemporaryFailure:
		log.Warn("agent launch reported temporary failure; treating job as handled",
			"exit_code", result.ExitCode, "duration", result.Duration)
	case domain.OutcomeKilled:
		log.Error("agent launch killed", "signal", result.Signal, "duration", result.Duration)
	default:
		log.Error("agent launch failed", "exit_code", result.ExitCode, "error", result.Err, "duration", result.Duration)
	}
	return result
}

// classify maps the error returned by exec.Cmd.Run to an outcome.
func classify(err error, shell string) domain.LaunchResult {
	if err == nil {
		return domain.LaunchResult{Outcome: domain.OutcomeSuccess}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// The shell itself could not be started.
		sentinel := domain.ErrLaunch
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			sentinel = domain.ErrNotFound
		}
		return domain.LaunchResult{
			Outcome:  domain.OutcomeFailure,
			ExitCode: -1,
			Err:      domain.NewSubSystemError("launch", "Invoker.Invoke", sentinel, fmt.Sprintf("start %s: %v", shell, err)),
		}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal().String()
		return domain.LaunchResult{
			Outcome:  domain.OutcomeKilled,
			ExitCode: -1,
			Signal:   sig,
			Err:      domain.NewSubSystemError("launch", "Invoker.Invoke", domain.ErrLaunchKilled, sig),
		}
	}

	code := exitErr.ExitCode()
	if code == domain.ExitTempFail {
		return domain.LaunchResult{Outcome: domain.OutcomeTemporaryFailure, ExitCode: code}
	}
	return domain.LaunchResult{
		Outcome:  domain.OutcomeFailure,
		ExitCode: code,
		Err:      domain.NewSubSystemError("launch", "Invoker.Invoke", domain.ErrLaunch, fmt.Sprintf("exit status %d", code)),
	}
}
