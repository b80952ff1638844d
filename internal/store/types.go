package store

import (
	"encoding/json"
	"time"

	"github.com/dagtrail/dagtrail/pkg/schema"
)

// Run is one workflow execution instance.
type Run struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Mode      schema.RunMode   `json:"mode"`
	Status    schema.RunStatus `json:"status"`
	Name      string           `json:"name,omitempty"`

	// Branch lineage. Both are set together or not at all.
	ParentRunID  string `json:"parent_run_id,omitempty"`
	OriginNodeID string `json:"origin_node_id,omitempty"`

	Hypothesis   string          `json:"hypothesis,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Version is bumped on every update; writers must present the version
	// they read to detect concurrent-writer bugs.
	Version int64 `json:"version"`
}

// Node is one DAG vertex.
type Node struct {
	ID     string            `json:"id"`
	RunID  string            `json:"run_id"`
	Key    string            `json:"key"` // logical identity, unique within a run
	Idx    int               `json:"idx"` // ordering index
	Type   schema.NodeType   `json:"type"`
	Agent  string            `json:"agent,omitempty"`
	Title  string            `json:"title,omitempty"`
	Status schema.NodeStatus `json:"status"`

	ErrorSummary string           `json:"error_summary,omitempty"`
	ErrorKind    schema.ErrorKind `json:"error_kind,omitempty"`
	RetryCount   int              `json:"retry_count"`

	// Metadata accumulates the derived execution summary. It is recomputed
	// by aggregation, never hand-edited.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Version int64 `json:"version"`
}

// Edge is an execution dependency between two nodes of the same run.
type Edge struct {
	RunID      string `json:"run_id"`
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
}

// ExecutionEvent is one immutable record of a sub-action. Events are
// append-only; the only deletion path is cascading run deletion.
type ExecutionEvent struct {
	ID            string `json:"id"`
	RunID         string `json:"run_id"`
	NodeID        string `json:"node_id,omitempty"`
	ParentEventID string `json:"parent_event_id,omitempty"`

	Type    schema.EventType    `json:"event_type"`
	Subtype schema.EventSubtype `json:"subtype,omitempty"`
	Agent   string              `json:"agent,omitempty"`

	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`
	ErrorText string          `json:"error_text,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	LoggedAt    time.Time  `json:"logged_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`

	// ExecutionOrder is assigned synchronously at capture time, before the
	// asynchronous write, so per-node ordering survives flush batching.
	ExecutionOrder int64 `json:"execution_order"`
	Depth          int   `json:"depth"`
}

// Artifact is a file or inter-agent message produced during execution,
// linked to the event and node that produced it.
type Artifact struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	NodeID  string          `json:"node_id,omitempty"`
	EventID string          `json:"event_id,omitempty"`
	Kind    string          `json:"kind"` // file | message
	Name    string          `json:"name"`
	URI     string          `json:"uri,omitempty"`
	Size    int64           `json:"size,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RetryAttempt is one recorded failure of a node, part of its RetryContext.
type RetryAttempt struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	NodeID    string           `json:"node_id"`
	Attempt   int              `json:"attempt"`
	Kind      schema.ErrorKind `json:"kind"`
	ErrorText string           `json:"error_text"`
	Hint      string           `json:"hint,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// StateTransition is one entry in the append-only state-history log.
type StateTransition struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	ParentRunID string            `json:"parent_run_id,omitempty"`
	Since       *time.Time        `json:"since,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Offset      int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	Error        json.RawMessage   `json:"error,omitempty"`
	Instructions *string           `json:"instructions,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// NodeUpdate specifies mutable fields of a node.
type NodeUpdate struct {
	Status       *schema.NodeStatus `json:"status,omitempty"`
	Idx          *int               `json:"idx,omitempty"`
	ErrorSummary *string            `json:"error_summary,omitempty"`
	ErrorKind    *schema.ErrorKind  `json:"error_kind,omitempty"`
	RetryCount   *int               `json:"retry_count,omitempty"`
	Metadata     json.RawMessage    `json:"metadata,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing execution events.
type EventFilter struct {
	NodeID    string              `json:"node_id,omitempty"`
	Type      schema.EventType    `json:"event_type,omitempty"`
	Subtype   schema.EventSubtype `json:"subtype,omitempty"`
	Agent     string              `json:"agent,omitempty"`
	SinceSeq  int64               `json:"since_seq,omitempty"` // execution_order > SinceSeq
	Limit     int                 `json:"limit,omitempty"`
}
