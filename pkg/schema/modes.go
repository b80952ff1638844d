package schema

// RunMode selects the DAG blueprint a run is built from.
type RunMode string

const (
	// ModeResearch plans dynamically: a planning node emits the step list,
	// and step nodes are materialized from its output at runtime.
	ModeResearch RunMode = "research"
	// ModeAnalysis is a fixed four-stage analysis pipeline.
	ModeAnalysis RunMode = "analysis"
	// ModeSolo runs a single agent step between planning and termination.
	ModeSolo RunMode = "solo"
)

// Blueprint is a data-described DAG template for a run mode. One generic
// construction routine in the tracker consumes these; modes never branch in
// code.
type Blueprint struct {
	Mode RunMode `json:"mode"`
	// Dynamic marks modes whose step nodes come from planner output rather
	// than the blueprint. The blueprint then holds only the fixed frame
	// (planning and terminator nodes).
	Dynamic bool             `json:"dynamic"`
	Nodes   []NodeDefinition `json:"nodes"`
}

// blueprints is the mode registry. Edges are expressed through DependsOn.
var blueprints = map[RunMode]Blueprint{
	ModeResearch: {
		Mode:    ModeResearch,
		Dynamic: true,
		Nodes: []NodeDefinition{
			{Key: "planning", Type: NodeTypePlanning, Index: 0},
			{Key: "terminator", Type: NodeTypeTerminator, Index: -1, DependsOn: []string{"planning"}},
		},
	},
	ModeAnalysis: {
		Mode: ModeAnalysis,
		Nodes: []NodeDefinition{
			{Key: "planning", Type: NodeTypePlanning, Index: 0},
			{Key: "step-1", Type: NodeTypeStep, Index: 1, Title: "collect", DependsOn: []string{"planning"}},
			{Key: "step-2", Type: NodeTypeStep, Index: 2, Title: "analyze", DependsOn: []string{"step-1"}},
			{Key: "step-3", Type: NodeTypeStep, Index: 3, Title: "visualize", DependsOn: []string{"step-2"}},
			{Key: "step-4", Type: NodeTypeStep, Index: 4, Title: "summarize", DependsOn: []string{"step-3"}},
			{Key: "terminator", Type: NodeTypeTerminator, Index: 5, DependsOn: []string{"step-4"}},
		},
	},
	ModeSolo: {
		Mode: ModeSolo,
		Nodes: []NodeDefinition{
			{Key: "planning", Type: NodeTypePlanning, Index: 0},
			{Key: "step-1", Type: NodeTypeStep, Index: 1, DependsOn: []string{"planning"}},
			{Key: "terminator", Type: NodeTypeTerminator, Index: 2, DependsOn: []string{"step-1"}},
		},
	},
}

// BlueprintFor returns the blueprint registered for a mode.
func BlueprintFor(mode RunMode) (Blueprint, bool) {
	bp, ok := blueprints[mode]
	return bp, ok
}

// Modes lists all registered run modes.
func Modes() []RunMode {
	out := make([]RunMode, 0, len(blueprints))
	for m := range blueprints {
		out = append(out, m)
	}
	return out
}
