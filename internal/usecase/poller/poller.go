// Package poller decides when to fetch outstanding jobs and run a
// matching cycle. It owns the only goroutine that starts cycles, so at most
// one fetch-and-match is ever in flight.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/tracer"
)

// DefaultFetchTimeout bounds a single FetchJobs call when Config.FetchTimeout is zero.
const DefaultFetchTimeout = 30 * time.Second

// Fetcher returns the current snapshot of eligible jobs.
type Fetcher interface {
	FetchJobs(ctx context.Context) ([]domain.Job, error)
}

// CycleRunner matches one snapshot of jobs against the agent registry.
type CycleRunner interface {
	RunCycle(ctx context.Context, jobs []domain.Job) domain.CycleReport
}

// State is the scheduler state as seen from outside the event loop.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
)

// Config holds configuration for the Poller.
type Config struct {
	Schedule     cron.Schedule // regular poll schedule
	Debounce     time.Duration // delay before retrying a trigger that arrived mid-poll
	FetchTimeout time.Duration
	PollOnStart  bool
}

// Status is a point-in-time copy of the poller's counters and last cycle.
type Status struct {
	State       State               `json:"state"`
	Cycles      uint64              `json:"cycles"`
	Launches    uint64              `json:"launches"`
	FetchErrors uint64              `json:"fetch_errors"`
	Triggers    uint64              `json:"triggers"`
	LastPollAt  time.Time           `json:"last_poll_at,omitzero"`
	NextPollAt  time.Time           `json:"next_poll_at,omitzero"`
	LastError   string              `json:"last_error,omitempty"`
	LastCycle   *domain.CycleReport `json:"last_cycle,omitempty"`
}

// cycleResult is what a poll goroutine hands back to the event loop.
type cycleResult struct {
	report *domain.CycleReport
	err    error
}

// Poller runs fetch-and-match cycles on a regular schedule and on demand.
//
// Invariants kept by the event loop in Run:
//   - a regular tick that lands while a cycle is running is dropped, and the
//     regular timer is always rearmed from the tick time;
//   - an on-demand request while idle polls immediately and leaves the
//     regular timer alone;
//   - an on-demand request while polling arms a single debounce timer; any
//     further requests before it fires are absorbed.
type Poller struct {
	config  Config
	fetcher Fetcher
	runner  CycleRunner
	logger  *slog.Logger

	trigger chan struct{}

	mu     sync.Mutex
	status Status
}

// New creates a Poller. Run must be called to start it.
func New(cfg Config, fetcher Fetcher, runner CycleRunner, logger *slog.Logger) *Poller {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Schedule == nil {
		cfg.Schedule = Every(time.Minute)
	}
	return &Poller{
		config:  cfg,
		fetcher: fetcher,
		runner:  runner,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		status:  Status{State: StateIdle},
	}
}

// RequestPoll asks for a poll as soon as possible. It never blocks and is
// safe to call from any goroutine. Requests made while one is already
// pending collapse into it.
func (p *Poller) RequestPoll() {
	p.mu.Lock()
	p.status.Triggers++
	p.mu.Unlock()

	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Status returns a copy of the current status.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	if st.LastCycle != nil {
		report := *st.LastCycle
		st.LastCycle = &report
	}
	return st
}

// Run drives the event loop until ctx is cancelled. A cycle in progress at
// cancellation is allowed to finish before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	regular := time.NewTimer(p.untilNext(time.Now()))
	defer regular.Stop()

	var (
		polling   bool
		debounce  *time.Timer
		debounceC <-chan time.Time
		results   = make(chan cycleResult, 1)
		cycleCtx  = context.WithoutCancel(ctx)
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	startPoll := func(reason string) {
		polling = true
		p.setState(StatePolling)
		p.logger.Debug("poll started", "reason", reason)
		go func() {
			report, err := p.poll(cycleCtx)
			results <- cycleResult{report: report, err: err}
		}()
	}

	// soon handles an on-demand request from the trigger channel or the
	// debounce timer.
	soon := func(reason string) {
		if !polling {
			startPoll(reason)
			return
		}
		if debounceC == nil {
			debounce = time.NewTimer(p.config.Debounce)
			debounceC = debounce.C
			p.logger.Debug("poll in progress; request debounced", "reason", reason, "debounce", p.config.Debounce)
		}
	}

	p.logger.Info("poller started", "next_poll_at", p.nextPollAt())
	if p.config.PollOnStart {
		startPoll("startup")
	}

	for {
		select {
		case <-ctx.Done():
			if polling {
				p.logger.Info("waiting for in-progress cycle before stopping")
				p.finish(<-results)
			}
			p.logger.Info("poller stopped")
			return nil

		case fired := <-regular.C:
			regular.Reset(p.untilNext(fired))
			if polling {
				p.logger.Debug("regular poll skipped; cycle still running")
				continue
			}
			startPoll("schedule")

		case <-p.trigger:
			soon("trigger")

		case <-debounceC:
			debounce, debounceC = nil, nil
			soon("debounce")

		case res := <-results:
			polling = false
			p.finish(res)
		}
	}
}

// RunOnce fetches and matches a single snapshot synchronously. It must not
// be used concurrently with Run.
func (p *Poller) RunOnce(ctx context.Context) (domain.CycleReport, error) {
	p.setState(StatePolling)
	report, err := p.poll(ctx)
	p.finish(cycleResult{report: report, err: err})
	if err != nil {
		return domain.CycleReport{}, err
	}
	return *report, nil
}

// poll fetches with a bounded timeout and, on success, runs the matcher.
// Matching is not bounded: launches run to completion.
func (p *Poller) poll(ctx context.Context) (*domain.CycleReport, error) {
	ctx, span := tracer.StartSpan(ctx, "poller.cycle")
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	jobs, err := p.fetcher.FetchJobs(fetchCtx)
	cancel()
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("poll", err)
	}

	span.SetAttributes(tracer.IntAttr("poll.jobs", len(jobs)))
	report := p.runner.RunCycle(ctx, jobs)
	tracer.SetOK(span)
	return &report, nil
}

// finish records a completed poll and returns the poller to idle.
func (p *Poller) finish(res cycleResult) {
	p.mu.Lock()
	p.status.State = StateIdle
	p.status.LastPollAt = time.Now()
	if res.err != nil {
		p.status.FetchErrors++
		p.status.LastError = res.err.Error()
	} else {
		p.status.Cycles++
		p.status.Launches += uint64(len(res.report.Launches))
		p.status.LastError = ""
		p.status.LastCycle = res.report
	}
	p.mu.Unlock()

	if res.err != nil {
		p.logger.Error("job fetch failed; cycle skipped",
			"error", res.err,
			"code", domain.ErrorCodeOf(res.err),
			"retryable", domain.IsRetryableError(res.err))
	}
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.status.State = s
	p.mu.Unlock()
}

// untilNext arms the regular timer from t and records the next fire time.
func (p *Poller) untilNext(t time.Time) time.Duration {
	next := p.config.Schedule.Next(t)
	p.mu.Lock()
	p.status.NextPollAt = next
	p.mu.Unlock()
	return max(time.Until(next), 0)
}

func (p *Poller) nextPollAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.NextPollAt
}
