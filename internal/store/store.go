package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Events, artifacts and
// state transitions are insert-only; runs and nodes update in place with
// optimistic concurrency (expectedVersion).
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate, expectedVersion int64) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Nodes
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByKey(ctx context.Context, runID, key string) (*Node, error)
	UpdateNode(ctx context.Context, id string, update NodeUpdate, expectedVersion int64) error
	ListNodes(ctx context.Context, runID string) ([]*Node, error)

	// Edges
	CreateEdge(ctx context.Context, edge *Edge) error
	ListEdges(ctx context.Context, runID string) ([]*Edge, error)

	// Execution events (insert-only)
	AppendEvents(ctx context.Context, events []*ExecutionEvent) error
	GetEvent(ctx context.Context, id string) (*ExecutionEvent, error)
	ListEvents(ctx context.Context, runID string, filter EventFilter) ([]*ExecutionEvent, error)

	// Artifacts (insert-only)
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID, nodeID string) ([]*Artifact, error)

	// Retry attempts
	AppendRetryAttempt(ctx context.Context, attempt *RetryAttempt) error
	ListRetryAttempts(ctx context.Context, runID, nodeID string) ([]*RetryAttempt, error)
	ClearRetryAttempts(ctx context.Context, runID, nodeID string) error

	// State-history log (append-only audit trail)
	AppendTransition(ctx context.Context, tr *StateTransition) error
	ListTransitions(ctx context.Context, runID string) ([]*StateTransition, error)

	// Branching. Copies the parent run's prefix (nodes with idx <= originIdx,
	// their edges, events and artifacts) into newRun inside one transaction.
	// Either the whole branch materializes or nothing does.
	CopyRunPrefix(ctx context.Context, parentRunID string, originIdx int, newRun *Run, idMap map[string]string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Close() error
}
