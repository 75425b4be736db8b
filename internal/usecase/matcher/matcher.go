// Package matcher assigns outstanding jobs to agent definitions and drives
// launches for one cycle at a time.
package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/tracer"
)

// Launcher starts an agent and reports how its launch command exited.
type Launcher interface {
	Invoke(ctx context.Context, agent domain.AgentDefinition) domain.LaunchResult
}

// agentCycleState is the per-cycle bookkeeping for one registry position.
type agentCycleState struct {
	jobsSelected int
	failed       bool
}

// Matcher matches job snapshots against a fixed registry. It is not safe
// for concurrent RunCycle calls; the poller guarantees one cycle at a time.
type Matcher struct {
	registry *domain.Registry
	launcher Launcher
	logger   *slog.Logger
}

// New creates a Matcher.
func New(registry *domain.Registry, launcher Launcher, logger *slog.Logger) *Matcher {
	return &Matcher{registry: registry, launcher: launcher, logger: logger}
}

// RunCycle matches jobs in snapshot order. For each job, agents are tried
// in registry order and the first candidate wins:
//
//   - jobs with no required tags are skipped;
//   - a candidate is not failed, below its spawn limit and provides every
//     required tag;
//   - a candidate already launched this cycle is credited without a new launch;
//   - a failed or killed launch marks the agent failed for the rest of the
//     cycle and the scan continues with the next agent for the same job.
//
// The returned report is informational. The cycle always runs to completion.
func (m *Matcher) RunCycle(ctx context.Context, jobs []domain.Job) domain.CycleReport {
	report := domain.CycleReport{
		CycleID:   ulid.Make().String(),
		StartedAt: time.Now(),
		Jobs:      len(jobs),
		Credited:  make(map[string]int),
	}
	ctx, span := tracer.StartSpan(ctx, "matcher.cycle")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("cycle.id", report.CycleID), tracer.IntAttr("cycle.jobs", len(jobs)))

	log := m.logger.With("cycle_id", report.CycleID)
	state := make([]agentCycleState, m.registry.Len())

	for _, job := range jobs {
		if len(job.AgentQueryRules) == 0 {
			log.Debug("job has no agent query rules; skipping", "job_id", job.ID)
			report.Skipped++
			continue
		}
		if !m.matchJob(ctx, log, job, state, &report) {
			log.Info("no agent available for job", "job_id", job.ID, "rules", job.AgentQueryRules)
			report.Unmatched++
		}
	}

	for i := range state {
		agent := m.registry.At(i)
		if state[i].jobsSelected > 0 {
			report.Credited[agent.Name] = state[i].jobsSelected
		}
		if state[i].failed {
			report.FailedAgents = append(report.FailedAgents, agent.Name)
		}
	}
	report.Duration = time.Since(report.StartedAt)

	span.SetAttributes(tracer.CycleAttrs(report)...)
	tracer.SetOK(span)
	log.Info("cycle complete",
		"jobs", report.Jobs,
		"launches", len(report.Launches),
		"skipped", report.Skipped,
		"unmatched", report.Unmatched,
		"failed_agents", report.FailedAgents,
		"duration", report.Duration)
	return report
}

// matchJob credits job to the first usable agent, launching it if needed.
// It reports whether any agent was credited.
func (m *Matcher) matchJob(ctx context.Context, log *slog.Logger, job domain.Job, state []agentCycleState, report *domain.CycleReport) bool {
	for i := 0; i < m.registry.Len(); i++ {
		agent := m.registry.At(i)
		st := &state[i]
		if st.failed || st.jobsSelected >= agent.SpawnLimit || !agent.Provides(job.AgentQueryRules) {
			continue
		}

		if st.jobsSelected > 0 {
			st.jobsSelected++
			log.Debug("job absorbed by launched agent", "job_id", job.ID, "agent", agent.Name, "jobs_selected", st.jobsSelected)
			return true
		}

		res := m.launcher.Invoke(ctx, agent)
		report.Launches = append(report.Launches, res)
		if res.Outcome.Handled() {
			st.jobsSelected++
			log.Debug("job assigned", "job_id", job.ID, "agent", agent.Name, "outcome", res.Outcome)
			return true
		}

		st.failed = true
		log.Warn("agent marked failed for this cycle", "job_id", job.ID, "agent", agent.Name, "outcome", res.Outcome, "error", res.Err)
	}
	return false
}
