package domain

import (
	"encoding/json"
	"testing"
)

func TestJobEligible(t *testing.T) {
	tests := []struct {
		job  Job
		want bool
	}{
		{Job{Type: "script", State: "scheduled"}, true},
		{Job{Type: "script", State: "running"}, true},
		{Job{Type: "script", State: "finished"}, false},
		{Job{Type: "script", State: "canceled"}, false},
		{Job{Type: "waiter", State: "scheduled"}, false},
		{Job{Type: "manual", State: "running"}, false},
	}
	for _, tt := range tests {
		if got := tt.job.Eligible(); got != tt.want {
			t.Errorf("Eligible(%s/%s) = %v, want %v", tt.job.Type, tt.job.State, got, tt.want)
		}
	}
}

func TestFlattenJobsPreservesOrder(t *testing.T) {
	builds := []Build{
		{Jobs: []Job{
			{ID: "a", Type: "script", State: "scheduled"},
			{ID: "b", Type: "waiter", State: "scheduled"},
			{ID: "c", Type: "script", State: "running"},
		}},
		{Jobs: nil},
		{Jobs: []Job{
			{ID: "d", Type: "script", State: "finished"},
			{ID: "e", Type: "script", State: "scheduled"},
		}},
	}

	jobs := FlattenJobs(builds)
	want := []string{"a", "c", "e"}
	if len(jobs) != len(want) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(want))
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Errorf("jobs[%d].ID = %q, want %q", i, jobs[i].ID, id)
		}
	}
}

func TestBuildDecodesRemotePayload(t *testing.T) {
	payload := `[{"id":"b1","number":7,"state":"running","jobs":[
		{"id":"j1","type":"script","state":"scheduled","agent_query_rules":["queue=default"]},
		{"id":"j2","type":"waiter","state":"scheduled"}
	]}]`

	var builds []Build
	if err := json.Unmarshal([]byte(payload), &builds); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	jobs := FlattenJobs(builds)
	if len(jobs) != 1 || jobs[0].AgentQueryRules[0] != "queue=default" {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}
