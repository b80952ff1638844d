package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/dagtrail/dagtrail/internal/branch"
	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// EventQuery selects a slice of a node's event log. Filter is an optional
// CEL expression over the variables `event`, `node` and `run`; events where
// it evaluates false are omitted after the store-level filter applies.
type EventQuery struct {
	Filter   string
	Type     schema.EventType
	Subtype  schema.EventSubtype
	Agent    string
	SinceSeq int64
	Limit    int
}

// NodeDetail is a node with everything recorded about it: ordered events,
// artifacts, retry context and the parsed execution summary.
type NodeDetail struct {
	Node      *store.Node              `json:"node"`
	Events    []*store.ExecutionEvent  `json:"events"`
	Artifacts []*store.Artifact        `json:"artifacts"`
	Retries   []*store.RetryAttempt    `json:"retries,omitempty"`
	History   []*store.StateTransition `json:"history,omitempty"`
}

// celEvaluator is the slice of the expression engine the service needs.
type celEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// Service is the read-side API over persisted runs. It owns no state and
// never writes; every answer is assembled from the store on demand.
type Service struct {
	store    store.Store
	branches *branch.Manager
	cel      celEvaluator
	logger   *slog.Logger
}

// NewService creates a query service. The CEL evaluator may be nil, in
// which case event filter expressions are rejected.
func NewService(st store.Store, branches *branch.Manager, cel celEvaluator, logger *slog.Logger) *Service {
	return &Service{store: st, branches: branches, cel: cel, logger: logger}
}

// Run returns one run.
func (s *Service) Run(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// Runs lists runs matching the filter.
func (s *Service) Runs(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Nodes returns a run's nodes ordered by index.
func (s *Service) Nodes(ctx context.Context, runID string) ([]*store.Node, error) {
	nodes, err := s.store.ListNodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Idx < nodes[j].Idx })
	return nodes, nil
}

// NodeEvents returns a node's events in execution order, optionally reduced
// by a CEL filter expression.
func (s *Service) NodeEvents(ctx context.Context, runID, nodeID string, q EventQuery) ([]*store.ExecutionEvent, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	events, err := s.store.ListEvents(ctx, runID, store.EventFilter{
		NodeID:   nodeID,
		Type:     q.Type,
		Subtype:  q.Subtype,
		Agent:    q.Agent,
		SinceSeq: q.SinceSeq,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, err
	}
	if q.Filter == "" {
		return events, nil
	}
	if s.cel == nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "event filter expressions are not enabled")
	}

	nodeData := toMap(node)
	runData := toMap(run)

	filtered := events[:0]
	for _, ev := range events {
		keep, err := s.cel.EvaluateBool(ctx, q.Filter, map[string]any{
			"event": toMap(ev),
			"node":  nodeData,
			"run":   runData,
		})
		if err != nil {
			return nil, err
		}
		if keep {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

// NodeDetail assembles the full picture of one node.
func (s *Service) NodeDetail(ctx context.Context, runID, nodeID string) (*NodeDetail, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, runID, store.EventFilter{NodeID: nodeID})
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, runID, nodeID)
	if err != nil {
		return nil, err
	}
	retries, err := s.store.ListRetryAttempts(ctx, runID, nodeID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.store.ListTransitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	var history []*store.StateTransition
	for _, tr := range transitions {
		if tr.NodeID == nodeID {
			history = append(history, tr)
		}
	}

	return &NodeDetail{
		Node:      node,
		Events:    events,
		Artifacts: artifacts,
		Retries:   retries,
		History:   history,
	}, nil
}

// ResumableNodes returns the run's terminal nodes, the set the branch
// manager accepts as fork origins. A UI picking a resume point for a new
// branch lists exactly these.
func (s *Service) ResumableNodes(ctx context.Context, runID string) ([]*store.Node, error) {
	nodes, err := s.Nodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	var terminal []*store.Node
	for _, n := range nodes {
		if n.Status.IsTerminal() {
			terminal = append(terminal, n)
		}
	}
	return terminal, nil
}

// History returns a run's full state-transition audit log.
func (s *Service) History(ctx context.Context, runID string) ([]*store.StateTransition, error) {
	return s.store.ListTransitions(ctx, runID)
}

// ReplayState folds the audit log into the run and node statuses it
// implies, for consistency checks against the stored statuses.
func (s *Service) ReplayState(ctx context.Context, runID string) (*engine.ReplayedState, error) {
	transitions, err := s.store.ListTransitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	return engine.Replay(transitions), nil
}

// BranchTree returns the run and all its descendants.
func (s *Service) BranchTree(ctx context.Context, rootRunID string) ([]*store.Run, error) {
	return s.branches.Tree(ctx, rootRunID)
}

// CompareBranches returns the positional node comparison of two runs.
func (s *Service) CompareBranches(ctx context.Context, leftRunID, rightRunID string) (*branch.Comparison, error) {
	return s.branches.Compare(ctx, leftRunID, rightRunID)
}

// toMap converts a struct into the generic map shape CEL evaluates over,
// via its JSON form so field names match the wire names.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
