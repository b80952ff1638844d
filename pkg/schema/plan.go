package schema

import "fmt"

// PlanOutput is the planner's structured result: the ordered list of steps
// the run will execute. It is validated against a JSON Schema before the
// tracker materializes nodes from it.
type PlanOutput struct {
	Objective string     `json:"objective,omitempty"`
	Steps     []PlanStep `json:"steps"`
}

// PlanStep is one planned unit of agent work.
type PlanStep struct {
	Index        int    `json:"index"`
	Title        string `json:"title"`
	Agent        string `json:"agent,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Key returns the step's logical node key, derived from its index.
func (s PlanStep) Key() string {
	return fmt.Sprintf("step-%d", s.Index)
}

// Validate applies the structural checks JSON Schema cannot express:
// contiguous step indices starting at 1 with no duplicates.
func (p *PlanOutput) Validate() error {
	if p == nil {
		return NewError(ErrCodeValidation, "plan is nil")
	}
	seen := make(map[int]bool, len(p.Steps))
	for _, step := range p.Steps {
		if seen[step.Index] {
			return NewErrorf(ErrCodeValidation, "duplicate plan step index %d", step.Index)
		}
		seen[step.Index] = true
	}
	for i := 1; i <= len(p.Steps); i++ {
		if !seen[i] {
			return NewErrorf(ErrCodeValidation,
				"plan step indices must be contiguous from 1: missing %d", i)
		}
	}
	return nil
}

// NodeDefinition describes a node to create, either from a mode blueprint or
// from planner output. Key is the logical identity used for idempotent
// creation: two CreateNode calls with the same key within a run return the
// same node.
type NodeDefinition struct {
	Key       string   `json:"key"`
	Type      NodeType `json:"type"`
	Index     int      `json:"index"`
	Agent     string   `json:"agent,omitempty"`
	Title     string   `json:"title,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"` // logical keys of upstream nodes
}
