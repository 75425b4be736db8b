package domain

import "fmt"

// DefaultSpawnLimit is used when an agent definition does not set one.
const DefaultSpawnLimit = 1

// AgentDefinition describes one launchable agent kind. Definitions are
// immutable after the registry is built.
type AgentDefinition struct {
	Name       string   `json:"name"        yaml:"name"`
	Tags       []string `json:"tags"        yaml:"tags"`
	SpawnLimit int      `json:"spawn_limit" yaml:"spawn_limit"`
	Command    string   `json:"command"     yaml:"command"`
}

// Provides reports whether every tag in required is present in the agent's
// tag set. Extra agent tags are irrelevant.
func (a AgentDefinition) Provides(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry is the ordered, read-only set of agent definitions loaded at
// startup. Declaration order is the matching tie-break.
type Registry struct {
	agents []AgentDefinition
}

// NewRegistry validates defs and returns a registry holding copies of them.
// A zero SpawnLimit is replaced with DefaultSpawnLimit; empty names become
// "agent-<index>".
func NewRegistry(defs []AgentDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, NewSubSystemError("agent", "Registry.New", ErrNoAgents, "")
	}
	agents := make([]AgentDefinition, len(defs))
	for i, d := range defs {
		if d.Command == "" {
			return nil, NewSubSystemError("agent", "Registry.New", ErrAgentInvalid,
				fmt.Sprintf("agents[%d]: command must not be empty", i))
		}
		if d.SpawnLimit < 0 {
			return nil, NewSubSystemError("agent", "Registry.New", ErrAgentInvalid,
				fmt.Sprintf("agents[%d]: spawn_limit must be >= 1", i))
		}
		if d.SpawnLimit == 0 {
			d.SpawnLimit = DefaultSpawnLimit
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("agent-%d", i)
		}
		d.Tags = append([]string(nil), d.Tags...)
		agents[i] = d
	}
	return &Registry{agents: agents}, nil
}

// Agents returns the definitions in declaration order. The returned slice
// is a copy; mutating it does not affect the registry.
func (r *Registry) Agents() []AgentDefinition {
	out := make([]AgentDefinition, len(r.agents))
	copy(out, r.agents)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.agents) }

// At returns the definition at registry position i.
func (r *Registry) At(i int) AgentDefinition { return r.agents[i] }
