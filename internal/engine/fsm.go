package engine

import (
	"context"
	"sync"

	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// HistoryAppender records every accepted transition in the append-only
// state-history log. Satisfied by the Store.
type HistoryAppender interface {
	AppendTransition(ctx context.Context, tr *store.StateTransition) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM is the single authority on legal run state transitions. Every
// accepted transition lands in the state-history log; illegal requests are
// rejected with a typed error and never coerced.
type RunFSM struct {
	mu      sync.Mutex
	history HistoryAppender
	hub     streaming.EventHub
	before  map[runHookKey][]TransitionHook
	after   map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM recording into the given history log. hub may be
// nil; when set, the FSM is the sole emitter of workflow_state_changed push
// events.
func NewRunFSM(history HistoryAppender, hub streaming.EventHub) *RunFSM {
	streaming.AssertOwner("run_fsm", schema.PushWorkflowStateChanged)
	return &RunFSM{
		history: history,
		hub:     hub,
		before:  make(map[runHookKey][]TransitionHook),
		after:   make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and records a run state transition.
// The caller is responsible for persisting the new status on the run record.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if err := f.history.AppendTransition(ctx, &store.StateTransition{
		RunID:     runID,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record run transition: %s", err.Error()).WithCause(err)
	}

	if f.hub != nil {
		_ = f.hub.Publish(ctx, streaming.StreamEvent{
			RunID: runID,
			Kind:  schema.PushWorkflowStateChanged,
			Payload: map[string]any{
				"from": string(from), "to": string(to), "reason": reason,
			},
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM validates node state transitions and records them in the
// state-history log. It deliberately does not publish push events: node
// status emission belongs to the DAG tracker alone.
type NodeFSM struct {
	mu      sync.Mutex
	history HistoryAppender
	before  map[nodeHookKey][]TransitionHook
	after   map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM recording into the given history log.
func NewNodeFSM(history HistoryAppender) *NodeFSM {
	return &NodeFSM{
		history: history,
		before:  make(map[nodeHookKey][]TransitionHook),
		after:   make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and records a node state transition.
func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if err := f.history.AppendTransition(ctx, &store.StateTransition{
		RunID:     runID,
		NodeID:    nodeID,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record node transition: %s", err.Error()).
			WithNode(nodeID).WithCause(err)
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// --- Replay ---

// ReplayedState is the reconstruction of a run's state from its history log.
type ReplayedState struct {
	RunStatus  schema.RunStatus
	NodeStatus map[string]schema.NodeStatus
}

// Replay folds the state-history log back into the final run and node
// states. Used after a crash to verify or rebuild in-memory state: for any
// legal sequence the replayed result equals the persisted statuses.
func Replay(transitions []*store.StateTransition) *ReplayedState {
	st := &ReplayedState{
		RunStatus:  schema.RunStatusDraft,
		NodeStatus: make(map[string]schema.NodeStatus),
	}
	for _, tr := range transitions {
		if tr.NodeID == "" {
			st.RunStatus = schema.RunStatus(tr.ToState)
			continue
		}
		st.NodeStatus[tr.NodeID] = schema.NodeStatus(tr.ToState)
	}
	return st
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
// The three terminal states accept nothing; paused accepts only resume or
// cancel.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusDraft:     {schema.RunStatusPlanning, schema.RunStatusCancelled},
	schema.RunStatusPlanning:  {schema.RunStatusExecuting, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusExecuting: {schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusPaused:    {schema.RunStatusExecuting, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
// failed -> retrying is only taken while the retry budget holds; the retry
// analyzer guards that. paused resumes to the recorded prior state, which
// the tracker enforces on top of this table.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusPaused},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusPaused},
	schema.NodeStatusFailed:    {schema.NodeStatusRetrying},
	schema.NodeStatusRetrying:  {schema.NodeStatusRunning, schema.NodeStatusFailed, schema.NodeStatusPaused},
	schema.NodeStatusPaused:    {schema.NodeStatusPending, schema.NodeStatusRunning, schema.NodeStatusRetrying},
	schema.NodeStatusCompleted: {},
}
