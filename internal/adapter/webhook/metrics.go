package webhook

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"agent-spawner/internal/usecase/poller"
)

// Metrics counts listener activity. Poller counters are read from the
// poller's Status at scrape time.
type Metrics struct {
	Received     atomic.Uint64
	Triggers     atomic.Uint64
	Pings        atomic.Uint64
	AuthFailures atomic.Uint64
	RateLimited  atomic.Uint64
}

// metricsHandler serves GET /metrics in the Prometheus text format.
func metricsHandler(status StatusSource, metrics *Metrics, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		st := status.Status()

		counter(w, "spawner_cycles_total", "Matching cycles completed.", st.Cycles)
		counter(w, "spawner_launches_total", "Launch commands invoked.", st.Launches)
		counter(w, "spawner_fetch_errors_total", "Job fetches that failed.", st.FetchErrors)
		counter(w, "spawner_poll_requests_total", "On-demand poll requests.", st.Triggers)

		polling := 0
		if st.State == poller.StatePolling {
			polling = 1
		}
		fmt.Fprintf(w, "# HELP spawner_polling Whether a cycle is in progress.\n")
		fmt.Fprintf(w, "# TYPE spawner_polling gauge\n")
		fmt.Fprintf(w, "spawner_polling %d\n", polling)

		if st.LastCycle != nil {
			fmt.Fprintf(w, "# HELP spawner_last_cycle_unmatched_jobs Jobs left unmatched by the last cycle.\n")
			fmt.Fprintf(w, "# TYPE spawner_last_cycle_unmatched_jobs gauge\n")
			fmt.Fprintf(w, "spawner_last_cycle_unmatched_jobs %d\n", st.LastCycle.Unmatched)
		}

		counter(w, "spawner_webhook_requests_total", "Webhook requests received.", metrics.Received.Load())
		counter(w, "spawner_webhook_triggers_total", "Webhook events that requested a poll.", metrics.Triggers.Load())
		counter(w, "spawner_webhook_pings_total", "Webhook ping events.", metrics.Pings.Load())
		counter(w, "spawner_webhook_auth_failures_total", "Webhook requests with a bad token.", metrics.AuthFailures.Load())
		counter(w, "spawner_webhook_rate_limited_total", "Requests rejected by the rate limiter.", metrics.RateLimited.Load())

		fmt.Fprintf(w, "# HELP spawner_uptime_seconds Seconds since the daemon started.\n")
		fmt.Fprintf(w, "# TYPE spawner_uptime_seconds gauge\n")
		fmt.Fprintf(w, "spawner_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())
	}
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
