// Package buildkite fetches outstanding jobs from the Buildkite REST API.
package buildkite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/tracer"
)

// DefaultAPIURL is the public Buildkite REST endpoint.
const DefaultAPIURL = "https://api.buildkite.com"

const (
	defaultTimeout = 10 * time.Second
	defaultPerPage = 100

	// maxBodySize caps how much of a builds response is read.
	maxBodySize = 32 << 20

	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker around fetches.
type BreakerConfig struct {
	MaxFailures uint32        // consecutive failures before the circuit opens
	Timeout     time.Duration // how long the circuit stays open
	Interval    time.Duration // closed-state period for clearing counts
}

// Config holds configuration for the Client.
type Config struct {
	APIURL  string
	Org     string
	Token   string
	Timeout time.Duration
	PerPage int
	Breaker BreakerConfig
}

// Client lists builds for one organization and flattens them into jobs.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]domain.Build]
	logger     *slog.Logger
}

// NewClient creates a Client with a pooled transport and circuit breaker.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Transport: newTransport(cfg.Timeout),
			Timeout:   cfg.Timeout,
		},
		breaker: newBreaker(cfg.Breaker, logger),
		logger:  logger,
	}
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[[]domain.Build] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	return gobreaker.NewCircuitBreaker[[]domain.Build](gobreaker.Settings{
		Name:        "buildkite",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// newTransport returns a small keep-alive pool; the client talks to a
// single host once per poll.
func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          2,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// BuildsURL is the URL queried on every fetch.
func (c *Client) BuildsURL() string {
	q := url.Values{}
	for _, s := range domain.BuildStatesQueried {
		q.Add("state[]", s)
	}
	q.Set("per_page", strconv.Itoa(c.config.PerPage))
	return fmt.Sprintf("%s/v2/organizations/%s/builds?%s", c.config.APIURL, url.PathEscape(c.config.Org), q.Encode())
}

// FetchJobs returns the eligible jobs of all scheduled, running and
// failing builds in response order. Only the first page is read.
func (c *Client) FetchJobs(ctx context.Context) ([]domain.Job, error) {
	ctx, span := tracer.StartSpan(ctx, "buildkite.fetch")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("buildkite.org", c.config.Org))

	start := time.Now()
	builds, err := c.breaker.Execute(func() ([]domain.Build, error) {
		return c.fetchBuilds(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.NewDomainError("Buildkite.FetchJobs", domain.ErrFetchCircuitOpen, err.Error())
		}
		tracer.RecordError(span, err)
		return nil, err
	}

	jobs := domain.FlattenJobs(builds)
	span.SetAttributes(tracer.IntAttr("buildkite.builds", len(builds)), tracer.IntAttr("buildkite.jobs", len(jobs)))
	tracer.SetOK(span)
	c.logger.Debug("fetched builds",
		"builds", len(builds),
		"eligible_jobs", len(jobs),
		"duration", time.Since(start))
	return jobs, nil
}

// State returns the circuit breaker state for monitoring.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) fetchBuilds(ctx context.Context) ([]domain.Build, error) {
	const op = "Buildkite.FetchJobs"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BuildsURL(), nil)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrFetch, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.NewDomainError(op, domain.ErrFetchStatus, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body)))
	}

	var builds []domain.Build
	if err := json.Unmarshal(body, &builds); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrFetchMalformed, err.Error())
	}
	if builds == nil {
		// "null" decodes without error but is not a list of builds.
		return nil, domain.NewDomainError(op, domain.ErrFetchMalformed, "response is not an array")
	}
	return builds, nil
}

// transportError maps a request failure to a fetch error, singling out
// timeouts so they carry their own error code.
func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewDomainError(op, domain.ErrFetchTimeout, err.Error())
	}
	return domain.NewDomainError(op, domain.ErrFetch, err.Error())
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
