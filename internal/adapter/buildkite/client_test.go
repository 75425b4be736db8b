package buildkite

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/logger"
)

const buildsFixture = `[
  {"id": "b1", "number": 11, "state": "running", "jobs": [
    {"id": "J1", "type": "script", "state": "scheduled", "agent_query_rules": ["queue=default"]},
    {"id": "W1", "type": "waiter", "state": "scheduled"},
    {"id": "J2", "type": "script", "state": "passed", "agent_query_rules": ["queue=default"]}
  ]},
  {"id": "b2", "number": 12, "state": "scheduled", "jobs": [
    {"id": "J3", "type": "script", "state": "running", "agent_query_rules": ["queue=gpu", "os=linux"]},
    {"id": "J4", "type": "script", "state": "scheduled"}
  ]}
]`

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.APIURL = srv.URL
	if cfg.Org == "" {
		cfg.Org = "acme"
	}
	if cfg.Token == "" {
		cfg.Token = "secret-token"
	}
	return NewClient(cfg, logger.Discard())
}

func TestFetchJobsRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotStates []string
	var gotPerPage string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotStates = r.URL.Query()["state[]"]
		gotPerPage = r.URL.Query().Get("per_page")
		w.Write([]byte("[]"))
	}, Config{})

	jobs, err := c.FetchJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	assert.Equal(t, "/v2/organizations/acme/builds", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, []string{"scheduled", "running", "failing"}, gotStates)
	assert.Equal(t, "100", gotPerPage)
}

func TestFetchJobsFlattensEligibleJobsInOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(buildsFixture))
	}, Config{})

	jobs, err := c.FetchJobs(context.Background())
	require.NoError(t, err)

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"J1", "J3", "J4"}, ids)
	assert.Equal(t, []string{"queue=gpu", "os=linux"}, jobs[1].AgentQueryRules)
	assert.Empty(t, jobs[2].AgentQueryRules)
}

func TestFetchJobsNon2xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Authentication required"}`, http.StatusUnauthorized)
	}, Config{})

	_, err := c.FetchJobs(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFetchStatus)
	assert.ErrorIs(t, err, domain.ErrFetch)
	assert.Contains(t, err.Error(), "HTTP 401")
	assert.Equal(t, domain.CodeFetchStatus, domain.ErrorCodeOf(err))
}

func TestFetchJobsMalformedPayload(t *testing.T) {
	for name, body := range map[string]string{
		"object":    `{"builds": []}`,
		"truncated": `[{"id": "b1", "jobs": [`,
		"null":      `null`,
		"html":      `<html>maintenance</html>`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}, Config{})

			_, err := c.FetchJobs(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrFetchMalformed)
		})
	}
}

func TestFetchJobsTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Config{Timeout: 50 * time.Millisecond})
	defer close(release)

	_, err := c.FetchJobs(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.ErrorIs(t, err, domain.ErrFetch)
	assert.Equal(t, domain.CodeFetchTimeout, domain.ErrorCodeOf(err))
	assert.True(t, domain.IsRetryableError(err))
}

func TestFetchJobsContextDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.FetchJobs(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestFetchJobsConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewClient(Config{APIURL: addr, Org: "acme", Token: "t"}, logger.Discard())
	_, err := c.FetchJobs(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFetch)
}

func TestFetchJobsCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, Config{Breaker: BreakerConfig{MaxFailures: 2, Timeout: time.Minute}})

	for i := 0; i < 2; i++ {
		_, err := c.FetchJobs(context.Background())
		require.ErrorIs(t, err, domain.ErrFetchStatus)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.FetchJobs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircuitOpen))
	assert.True(t, errors.Is(err, domain.ErrFetch))
	assert.Equal(t, domain.CodeCircuitOpen, domain.ErrorCodeOf(err))
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the server")
}

func TestBuildsURLEscapesOrg(t *testing.T) {
	c := NewClient(Config{APIURL: "https://bk.example.com/", Org: "my org", PerPage: 50}, logger.Discard())
	assert.Equal(t,
		"https://bk.example.com/v2/organizations/my%20org/builds?per_page=50&state%5B%5D=scheduled&state%5B%5D=running&state%5B%5D=failing",
		c.BuildsURL())
}
