package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dagtrail/dagtrail/internal/capture"
	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/retry"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/internal/tracker"
	"github.com/dagtrail/dagtrail/internal/validation"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// CreateRunRequest describes a new run.
type CreateRunRequest struct {
	SessionID    string         `json:"session_id"`
	Mode         schema.RunMode `json:"mode"`
	Name         string         `json:"name,omitempty"`
	Hypothesis   string         `json:"hypothesis,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
}

// RunService is the write-side entry point for run lifecycle operations.
// It composes the tracker, capture pipeline, state machines, plan validator
// and retry analyzer behind one surface; external executors drive runs
// exclusively through it and the per-run facade it hands out.
type RunService struct {
	store     store.Store
	tracker   *tracker.Tracker
	pipeline  *capture.Pipeline
	runFSM    *engine.RunFSM
	validator *validation.PlanValidator
	analyzer  *retry.Analyzer
	hub       streaming.EventHub
	logger    *slog.Logger

	mu      sync.Mutex
	facades map[string]*capture.Facade
}

// NewRunService wires the run lifecycle surface.
func NewRunService(st store.Store, tr *tracker.Tracker, pipe *capture.Pipeline, runFSM *engine.RunFSM, validator *validation.PlanValidator, analyzer *retry.Analyzer, hub streaming.EventHub, logger *slog.Logger) *RunService {
	return &RunService{
		store:     st,
		tracker:   tr,
		pipeline:  pipe,
		runFSM:    runFSM,
		validator: validator,
		analyzer:  analyzer,
		hub:       hub,
		logger:    logger,
		facades:   make(map[string]*capture.Facade),
	}
}

// CreateRun persists a draft run and materializes its blueprint DAG.
func (s *RunService) CreateRun(ctx context.Context, req CreateRunRequest) (*store.Run, error) {
	if _, ok := schema.BlueprintFor(req.Mode); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown run mode: %s", req.Mode)
	}

	run := &store.Run{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		Mode:         req.Mode,
		Status:       schema.RunStatusDraft,
		Name:         req.Name,
		Hypothesis:   req.Hypothesis,
		Instructions: req.Instructions,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if _, err := s.tracker.BuildDAG(ctx, run); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "run created", "run_id", run.ID, "mode", run.Mode)
	return run, nil
}

// Facade returns the per-run ingestion facade, creating it on first use.
func (s *RunService) Facade(runID string) *capture.Facade {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facades[runID]
	if !ok {
		f = capture.NewFacade(runID, s.tracker, s.pipeline, s.runFSM, s.store, s.hub, s.logger)
		s.facades[runID] = f
	}
	return f
}

// StartPlanning moves a draft run into planning.
func (s *RunService) StartPlanning(ctx context.Context, runID string) error {
	return s.Facade(runID).OnPhaseChange(ctx, schema.RunStatusPlanning, "planning started")
}

// SubmitPlan validates raw planner output, materializes step nodes for
// dynamic modes and moves the run into execution. Fixed-blueprint modes
// skip materialization: their steps already exist, the plan only gates the
// phase change.
func (s *RunService) SubmitPlan(ctx context.Context, runID string, rawPlan []byte) (*schema.PlanOutput, error) {
	plan, err := s.validator.ValidateRaw(rawPlan)
	if err != nil {
		return nil, err
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if bp, ok := schema.BlueprintFor(run.Mode); ok && bp.Dynamic {
		if _, err := s.tracker.AddDynamicNodes(ctx, runID, plan); err != nil {
			return nil, err
		}
	}

	if err := s.Facade(runID).OnPhaseChange(ctx, schema.RunStatusExecuting, "plan accepted"); err != nil {
		return nil, err
	}
	return plan, nil
}

// PauseRun suspends an executing run. The pause is cooperative: in-flight
// nodes keep running to their natural completion and only new step starts
// are blocked until the run resumes. Callers that also want to suspend a
// specific node use PauseNode.
func (s *RunService) PauseRun(ctx context.Context, runID, reason string) error {
	return s.Facade(runID).OnPhaseChange(ctx, schema.RunStatusPaused, reason)
}

// ResumeRun returns a paused run to execution.
func (s *RunService) ResumeRun(ctx context.Context, runID string) error {
	return s.Facade(runID).OnPhaseChange(ctx, schema.RunStatusExecuting, "resumed")
}

// PauseNode suspends a single node. Node-level pause is independent of the
// run phase; ResumeNode restores the status the node held before.
func (s *RunService) PauseNode(ctx context.Context, runID, nodeID, reason string) error {
	return s.tracker.PauseNode(ctx, runID, nodeID, reason)
}

// ResumeNode returns an explicitly paused node to its pre-pause status.
func (s *RunService) ResumeNode(ctx context.Context, runID, nodeID string) error {
	return s.tracker.ResumeNode(ctx, runID, nodeID)
}

// CancelRun terminates a run at the user's request. Node statuses are left
// as they are; the run-level state records the cancellation.
func (s *RunService) CancelRun(ctx context.Context, runID, reason string) error {
	return s.Facade(runID).OnPhaseChange(ctx, schema.RunStatusCancelled, reason)
}

// CompleteRun marks an executing run completed, normally once the
// terminator node finishes.
func (s *RunService) CompleteRun(ctx context.Context, runID string) error {
	return s.Facade(runID).OnPhaseChange(ctx, schema.RunStatusCompleted, "terminator completed")
}

// HandleFailure runs the retry analyzer over a node failure and applies the
// verdict: a retryable failure moves the node to retrying for the caller to
// re-execute after the returned backoff; a fatal one fails the run.
func (s *RunService) HandleFailure(ctx context.Context, runID, nodeID, agent, errText string) (*retry.Decision, error) {
	decision, err := s.analyzer.Analyze(ctx, runID, nodeID, agent, errText)
	if err != nil {
		return nil, err
	}

	if decision.Retry {
		err := s.tracker.UpdateNodeStatus(ctx, runID, nodeID, tracker.StatusChange{
			To:     schema.NodeStatusRetrying,
			Reason: "retry scheduled",
		})
		if err != nil {
			return nil, err
		}
		return decision, nil
	}

	if err := s.Facade(runID).OnPhaseChange(ctx, schema.RunStatusFailed, "node failed beyond retry budget"); err != nil {
		return nil, err
	}
	return decision, nil
}

// ReleaseRun drops the cached facade and the per-node event-order counters
// of a finished run.
func (s *RunService) ReleaseRun(ctx context.Context, runID string) error {
	nodes, err := s.store.ListNodes(ctx, runID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		s.pipeline.ForgetNode(n.ID)
	}

	s.mu.Lock()
	delete(s.facades, runID)
	s.mu.Unlock()
	return nil
}
