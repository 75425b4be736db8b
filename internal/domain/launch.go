package domain

import "time"

// Outcome classifies how a launch command ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTemporaryFailure Outcome = "temporary_failure"
	OutcomeFailure          Outcome = "failure"
	OutcomeKilled           Outcome = "killed"
)

// ExitTempFail is the conventional "temporary failure" exit status (EX_TEMPFAIL).
const ExitTempFail = 75

// Handled reports whether the outcome counts as the agent having taken the
// job. A temporary failure counts so the agent is not relaunched redundantly.
func (o Outcome) Handled() bool {
	return o == OutcomeSuccess || o == OutcomeTemporaryFailure
}

// LaunchResult records a single launch command invocation.
type LaunchResult struct {
	LaunchID string        `json:"launch_id"`
	Agent    string        `json:"agent"`
	Outcome  Outcome       `json:"outcome"`
	ExitCode int           `json:"exit_code"`
	Signal   string        `json:"signal,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}
