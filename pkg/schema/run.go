package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusDraft     RunStatus = "draft"
	RunStatusPlanning  RunStatus = "planning"
	RunStatusExecuting RunStatus = "executing"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status accepts no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeStatus represents the lifecycle state of a DAG node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusRetrying  NodeStatus = "retrying"
	NodeStatusPaused    NodeStatus = "paused"
)

// IsTerminal reports whether the node status is an end state.
// A failed node is terminal only once its retry budget is exhausted;
// the retry analyzer decides that, the status alone does not.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}

// NodeType enumerates the kinds of DAG vertices.
type NodeType string

const (
	NodeTypePlanning   NodeType = "planning"
	NodeTypeStep       NodeType = "step"
	NodeTypeTerminator NodeType = "terminator"
)
