package domain

import "time"

// CycleReport summarizes one matching cycle. It is informational; the
// cycle's only effects are the launches it made.
type CycleReport struct {
	CycleID      string         `json:"cycle_id"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
	Jobs         int            `json:"jobs"`
	Skipped      int            `json:"skipped"`
	Unmatched    int            `json:"unmatched"`
	Credited     map[string]int `json:"credited"`
	FailedAgents []string       `json:"failed_agents,omitempty"`
	Launches     []LaunchResult `json:"launches"`
}
