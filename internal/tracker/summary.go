package tracker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dagtrail/dagtrail/internal/expressions"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// NodeSummary is the derived execution summary stored in node metadata.
// Every figure is aggregated from persisted events and artifacts; nothing is
// estimated. Token and cost totals stay zero when no event carries verified
// usage metadata.
type NodeSummary struct {
	EventCounts   map[string]int   `json:"event_counts"`
	AgentDuration map[string]int64 `json:"agent_duration_ms,omitempty"`
	TotalTokens   int64            `json:"total_tokens,omitempty"`
	TotalCost     float64          `json:"total_cost,omitempty"`
	FileCount     int              `json:"file_count"`
	MessageCount  int              `json:"message_count"`
	ErrorCount    int              `json:"error_count"`
	DroppedEvents bool             `json:"dropped_events,omitempty"`
}

// Default jq extractors for usage metadata. Producers that report usage in a
// different shape override these via SummarizerConfig.
const (
	defaultTokenExpr = ".metadata.usage.total_tokens // empty"
	defaultCostExpr  = ".metadata.usage.cost // empty"
)

// SummarizerConfig selects the jq expressions that pull token and cost
// figures out of event metadata.
type SummarizerConfig struct {
	TokenExpr string
	CostExpr  string
}

// Summarizer recomputes node execution summaries by aggregating the node's
// event log and artifacts. Recompute is idempotent: it rebuilds the summary
// from scratch every time, so repeated terminal transitions converge.
type Summarizer struct {
	store  store.Store
	jq     *expressions.GoJQEngine
	logger *slog.Logger
	cfg    SummarizerConfig
}

// NewSummarizer creates a summarizer with the given extraction config.
func NewSummarizer(st store.Store, jq *expressions.GoJQEngine, logger *slog.Logger, cfg SummarizerConfig) *Summarizer {
	if cfg.TokenExpr == "" {
		cfg.TokenExpr = defaultTokenExpr
	}
	if cfg.CostExpr == "" {
		cfg.CostExpr = defaultCostExpr
	}
	return &Summarizer{store: st, jq: jq, logger: logger, cfg: cfg}
}

// Recompute aggregates a node's events and artifacts into a fresh summary
// and persists it into the node's metadata.
func (s *Summarizer) Recompute(ctx context.Context, runID, nodeID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	events, err := s.store.ListEvents(ctx, runID, store.EventFilter{NodeID: nodeID})
	if err != nil {
		return err
	}
	artifacts, err := s.store.ListArtifacts(ctx, runID, nodeID)
	if err != nil {
		return err
	}

	summary := s.build(ctx, events, artifacts)

	raw, err := json.Marshal(summary)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal node summary").WithCause(err).WithNode(nodeID)
	}
	update := store.NodeUpdate{Metadata: raw}
	if err := s.store.UpdateNode(ctx, nodeID, update, node.Version); err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeConflict {
			// Someone else moved the node; the next terminal transition will
			// recompute again, so a stale summary write is safe to drop.
			s.logger.DebugContext(ctx, "summary write lost version race", "node_id", nodeID)
			return nil
		}
		return err
	}
	return nil
}

func (s *Summarizer) build(ctx context.Context, events []*store.ExecutionEvent, artifacts []*store.Artifact) *NodeSummary {
	summary := &NodeSummary{
		EventCounts:   make(map[string]int),
		AgentDuration: make(map[string]int64),
	}

	for _, ev := range events {
		summary.EventCounts[string(ev.Type)]++
		if ev.Subtype == schema.SubtypeError {
			summary.ErrorCount++
		}
		if ev.Agent != "" && ev.DurationMs > 0 {
			summary.AgentDuration[ev.Agent] += ev.DurationMs
		}
		s.extractUsage(ctx, ev, summary)
	}

	for _, a := range artifacts {
		switch a.Kind {
		case "file":
			summary.FileCount++
		case "message":
			summary.MessageCount++
		}
	}

	if len(summary.AgentDuration) == 0 {
		summary.AgentDuration = nil
	}
	return summary
}

// extractUsage pulls token and cost figures from event metadata with jq.
// Extraction errors are logged and skipped; a malformed metadata blob must
// never block summary recomputation.
func (s *Summarizer) extractUsage(ctx context.Context, ev *store.ExecutionEvent, summary *NodeSummary) {
	if len(ev.Metadata) == 0 || s.jq == nil {
		return
	}
	var meta map[string]any
	if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
		s.logger.DebugContext(ctx, "event metadata is not an object", "event_id", ev.ID)
		return
	}
	data := map[string]any{"metadata": meta}

	if v, err := s.jq.Evaluate(ctx, s.cfg.TokenExpr, data); err == nil {
		summary.TotalTokens += asInt64(v)
	}
	if v, err := s.jq.Evaluate(ctx, s.cfg.CostExpr, data); err == nil {
		summary.TotalCost += asFloat64(v)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
