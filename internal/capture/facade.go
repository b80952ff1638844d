package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/logging"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/internal/tracker"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// Facade is the per-run ingestion surface the executor reports through. It
// translates coarse lifecycle callbacks into node status updates, run phase
// transitions and captured execution events, so callers never touch the
// tracker, FSM or pipeline directly.
type Facade struct {
	runID    string
	tracker  *tracker.Tracker
	pipeline *Pipeline
	runFSM   *engine.RunFSM
	store    store.Store
	hub      streaming.EventHub
	logger   *slog.Logger

	mu     sync.Mutex
	open   map[string]*store.ExecutionEvent // in-flight events by ID
	depths map[string]int                   // event ID → depth, kept after completion
}

// NewFacade creates the ingestion facade for one run.
func NewFacade(runID string, tr *tracker.Tracker, pipe *Pipeline, runFSM *engine.RunFSM, st store.Store, hub streaming.EventHub, logger *slog.Logger) *Facade {
	streaming.AssertOwner("facade", schema.PushApprovalRequested)
	return &Facade{
		runID:    runID,
		tracker:  tr,
		pipeline: pipe,
		runFSM:   runFSM,
		store:    st,
		hub:      hub,
		logger:   logger,
		open:     make(map[string]*store.ExecutionEvent),
		depths:   make(map[string]int),
	}
}

// RunID returns the run this facade reports into.
func (f *Facade) RunID() string {
	return f.runID
}

// OnPhaseChange moves the run through its lifecycle state machine,
// persisting the new phase and capturing a state_transition event.
func (f *Facade) OnPhaseChange(ctx context.Context, to schema.RunStatus, reason string) error {
	run, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		return err
	}
	if run.Status == to {
		return nil
	}
	if err := f.runFSM.Transition(ctx, f.runID, run.Status, to, reason); err != nil {
		return err
	}

	update := store.RunUpdate{Status: &to}
	now := time.Now().UTC()
	switch to {
	case schema.RunStatusExecuting:
		if run.StartedAt == nil {
			update.StartedAt = &now
		}
	case schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled:
		update.CompletedAt = &now
	}
	if err := f.store.UpdateRun(ctx, f.runID, update, run.Version); err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]any{"from": run.Status, "to": to, "reason": reason})
	return f.pipeline.Emit(ctx, &store.ExecutionEvent{
		RunID:    f.runID,
		Type:     schema.EventStateTransition,
		Metadata: meta,
	})
}

// OnStepStart marks the node running and opens its agent_call event.
// The returned event ID correlates the eventual complete or failure report.
func (f *Facade) OnStepStart(ctx context.Context, nodeID, agent string, inputs json.RawMessage) (string, error) {
	err := f.tracker.UpdateNodeStatus(ctx, f.runID, nodeID, tracker.StatusChange{
		To:     schema.NodeStatusRunning,
		Reason: "step started",
	})
	if err != nil {
		return "", err
	}

	ev := f.pipeline.Begin(&store.ExecutionEvent{
		RunID:  f.runID,
		NodeID: nodeID,
		Type:   schema.EventAgentCall,
		Agent:  agent,
		Inputs: inputs,
	})
	f.track(ev)

	f.logger.InfoContext(logging.WithIDs(ctx, f.runID, nodeID, agent), "step started", "event_id", ev.ID)
	return ev.ID, nil
}

// OnStepComplete closes the step's agent_call event and marks the node
// completed.
func (f *Facade) OnStepComplete(ctx context.Context, nodeID, eventID string, outputs json.RawMessage) error {
	ev, err := f.take(eventID)
	if err != nil {
		return err
	}
	ev.Outputs = outputs
	if err := f.pipeline.Complete(ctx, ev); err != nil {
		return err
	}
	return f.tracker.UpdateNodeStatus(ctx, f.runID, nodeID, tracker.StatusChange{
		To:     schema.NodeStatusCompleted,
		Reason: "step completed",
	})
}

// OnStepFail closes the step's agent_call event with an error subtype and
// marks the node failed with the classified error.
func (f *Facade) OnStepFail(ctx context.Context, nodeID, eventID, errText string, kind schema.ErrorKind) error {
	ev, err := f.take(eventID)
	if err != nil {
		return err
	}
	ev.Subtype = schema.SubtypeError
	ev.ErrorText = errText
	if err := f.pipeline.Complete(ctx, ev); err != nil {
		return err
	}
	return f.tracker.UpdateNodeStatus(ctx, f.runID, nodeID, tracker.StatusChange{
		To:           schema.NodeStatusFailed,
		Reason:       "step failed",
		ErrorSummary: errText,
		ErrorKind:    kind,
	})
}

// OnToolCallStart opens a nested tool_call event under a parent event.
func (f *Facade) OnToolCallStart(ctx context.Context, nodeID, parentEventID, agent, tool string, inputs json.RawMessage) (string, error) {
	meta, _ := json.Marshal(map[string]any{"tool": tool})
	ev := f.pipeline.Begin(&store.ExecutionEvent{
		RunID:         f.runID,
		NodeID:        nodeID,
		ParentEventID: parentEventID,
		Type:          schema.EventToolCall,
		Agent:         agent,
		Inputs:        inputs,
		Metadata:      meta,
		Depth:         f.depthUnder(parentEventID),
	})
	f.track(ev)
	return ev.ID, nil
}

// OnToolCallEnd closes a tool_call event. A non-empty errText records the
// call as failed, which makes the event critical and exempt from sampling.
func (f *Facade) OnToolCallEnd(ctx context.Context, eventID string, outputs json.RawMessage, errText string) error {
	ev, err := f.take(eventID)
	if err != nil {
		return err
	}
	ev.Outputs = outputs
	if errText != "" {
		ev.Subtype = schema.SubtypeError
		ev.ErrorText = errText
	}
	return f.pipeline.Complete(ctx, ev)
}

// OnCodeExec captures one code execution as a single closed event.
func (f *Facade) OnCodeExec(ctx context.Context, nodeID, parentEventID, agent string, inputs, outputs json.RawMessage, errText string, duration time.Duration) error {
	ev := f.pipeline.Begin(&store.ExecutionEvent{
		RunID:         f.runID,
		NodeID:        nodeID,
		ParentEventID: parentEventID,
		Type:          schema.EventCodeExec,
		Agent:         agent,
		Inputs:        inputs,
		Outputs:       outputs,
		Depth:         f.depthUnder(parentEventID),
	})
	f.noteDepth(ev)
	ev.DurationMs = duration.Milliseconds()
	if errText != "" {
		ev.Subtype = schema.SubtypeError
		ev.ErrorText = errText
	}
	return f.pipeline.Complete(ctx, ev)
}

// OnFileGenerated captures a file_gen event and records the file artifact
// against it.
func (f *Facade) OnFileGenerated(ctx context.Context, nodeID, parentEventID, agent, name, uri string, size int64, meta json.RawMessage) error {
	ev := f.pipeline.Begin(&store.ExecutionEvent{
		RunID:         f.runID,
		NodeID:        nodeID,
		ParentEventID: parentEventID,
		Type:          schema.EventFileGen,
		Agent:         agent,
		Metadata:      meta,
		Depth:         f.depthUnder(parentEventID),
	})
	f.noteDepth(ev)
	if err := f.pipeline.Complete(ctx, ev); err != nil {
		return err
	}
	return f.tracker.TrackArtifact(ctx, &store.Artifact{
		RunID:   f.runID,
		NodeID:  nodeID,
		EventID: ev.ID,
		Kind:    "file",
		Name:    name,
		URI:     uri,
		Size:    size,
		Meta:    meta,
	})
}

// OnHandoff captures an inter-agent handoff and stores the handed-off
// message as an artifact. Handoffs are critical events.
func (f *Facade) OnHandoff(ctx context.Context, nodeID, fromAgent, toAgent string, message json.RawMessage) error {
	meta, _ := json.Marshal(map[string]any{"from_agent": fromAgent, "to_agent": toAgent})
	ev := f.pipeline.Begin(&store.ExecutionEvent{
		RunID:    f.runID,
		NodeID:   nodeID,
		Type:     schema.EventHandoff,
		Agent:    fromAgent,
		Outputs:  message,
		Metadata: meta,
	})
	if err := f.pipeline.Complete(ctx, ev); err != nil {
		return err
	}
	return f.tracker.TrackArtifact(ctx, &store.Artifact{
		RunID:   f.runID,
		NodeID:  nodeID,
		EventID: ev.ID,
		Kind:    "message",
		Name:    fromAgent + "->" + toAgent,
		Meta:    message,
	})
}

// OnApprovalNeeded captures an approval_requested event and notifies the
// push stream so an operator can react. The caller decides whether to pause
// the run while waiting.
func (f *Facade) OnApprovalNeeded(ctx context.Context, nodeID, agent, prompt string, payload json.RawMessage) (string, error) {
	meta, _ := json.Marshal(map[string]any{"prompt": prompt})
	ev := f.pipeline.Begin(&store.ExecutionEvent{
		RunID:    f.runID,
		NodeID:   nodeID,
		Type:     schema.EventApprovalRequested,
		Agent:    agent,
		Inputs:   payload,
		Metadata: meta,
	})
	if err := f.pipeline.Complete(ctx, ev); err != nil {
		return "", err
	}

	if f.hub != nil {
		pushPayload, err := json.Marshal(map[string]any{
			"event_id": ev.ID,
			"agent":    agent,
			"prompt":   prompt,
		})
		if err == nil {
			if perr := f.hub.Publish(ctx, streaming.StreamEvent{
				RunID:   f.runID,
				NodeID:  nodeID,
				Kind:    schema.PushApprovalRequested,
				Payload: pushPayload,
			}); perr != nil {
				f.logger.WarnContext(ctx, "approval push failed", "run_id", f.runID, "error", perr)
			}
		}
	}
	return ev.ID, nil
}

func (f *Facade) track(ev *store.ExecutionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[ev.ID] = ev
	f.depths[ev.ID] = ev.Depth
}

// noteDepth records the depth of an event that completes inline, so later
// children can still nest under it.
func (f *Facade) noteDepth(ev *store.ExecutionEvent) {
	f.mu.Lock()
	f.depths[ev.ID] = ev.Depth
	f.mu.Unlock()
}

func (f *Facade) take(eventID string) (*store.ExecutionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.open[eventID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapture, "no open event with id %s", eventID)
	}
	delete(f.open, eventID)
	return ev, nil
}

// depthUnder returns parent depth + 1 for a child of the given parent
// event. Depths are retained after completion, so a child reported late,
// once its parent already closed, still nests correctly.
func (f *Facade) depthUnder(parentEventID string) int {
	if parentEventID == "" {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.depths[parentEventID]; ok {
		return d + 1
	}
	return 1
}
