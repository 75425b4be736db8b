package domain

// Job types and states reported by the orchestration service.
const (
	JobTypeScript = "script"

	JobStateScheduled = "scheduled"
	JobStateRunning   = "running"
)

// BuildStatesQueried are the build states requested from the remote service.
var BuildStatesQueried = []string{"scheduled", "running", "failing"}

// Job is one unit of remote work inside a build.
type Job struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	State           string   `json:"state"`
	AgentQueryRules []string `json:"agent_query_rules"`
}

// Build groups the jobs of one pipeline run.
type Build struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	State  string `json:"state"`
	Jobs   []Job  `json:"jobs"`
}

// Eligible reports whether the job should be considered for matching:
// a script job that is scheduled or running.
func (j Job) Eligible() bool {
	if j.Type != JobTypeScript {
		return false
	}
	return j.State == JobStateScheduled || j.State == JobStateRunning
}

// FlattenJobs returns the eligible jobs of builds in snapshot order.
func FlattenJobs(builds []Build) []Job {
	var jobs []Job
	for _, b := range builds {
		for _, j := range b.Jobs {
			if j.Eligible() {
				jobs = append(jobs, j)
			}
		}
	}
	return jobs
}
