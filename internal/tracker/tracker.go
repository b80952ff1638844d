package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/logging"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// Config tunes the tracker's write retry loop and background workers.
type Config struct {
	// StatusRetryMax bounds store retries for a node status write before the
	// run is marked failed with a persistence error.
	StatusRetryMax int
	// StatusRetryBase is the initial backoff between store retries; it
	// doubles per attempt.
	StatusRetryBase time.Duration
	// SummaryWorkers sizes the pool that recomputes node summaries after
	// terminal transitions.
	SummaryWorkers int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StatusRetryMax:  4,
		StatusRetryBase: 50 * time.Millisecond,
		SummaryWorkers:  4,
	}
}

// StatusChange describes one requested node status transition. ErrorSummary
// and ErrorKind are only consulted when the target status is failed.
type StatusChange struct {
	To           schema.NodeStatus
	Reason       string
	ErrorSummary string
	ErrorKind    schema.ErrorKind
}

// Tracker is the sole writer of node status. All node lifecycle mutations
// funnel through it so that state-machine validation, audit history and
// push notifications cannot be bypassed.
type Tracker struct {
	store   store.Store
	nodeFSM *engine.NodeFSM
	runFSM  *engine.RunFSM
	hub     streaming.EventHub
	pool    *engine.WorkerPool
	summary *Summarizer
	logger  *slog.Logger
	cfg     Config

	mu     sync.Mutex
	runMus map[string]*sync.Mutex
}

// New creates a tracker. The summarizer may be nil, in which case terminal
// transitions skip summary recomputation.
func New(st store.Store, nodeFSM *engine.NodeFSM, runFSM *engine.RunFSM, hub streaming.EventHub, summary *Summarizer, logger *slog.Logger, cfg Config) *Tracker {
	if cfg.StatusRetryMax <= 0 {
		cfg.StatusRetryMax = DefaultConfig().StatusRetryMax
	}
	if cfg.StatusRetryBase <= 0 {
		cfg.StatusRetryBase = DefaultConfig().StatusRetryBase
	}
	if cfg.SummaryWorkers <= 0 {
		cfg.SummaryWorkers = DefaultConfig().SummaryWorkers
	}
	streaming.AssertOwner("tracker", schema.PushDAGCreated)
	streaming.AssertOwner("tracker", schema.PushNodeStatusChanged)
	return &Tracker{
		store:   st,
		nodeFSM: nodeFSM,
		runFSM:  runFSM,
		hub:     hub,
		pool:    engine.NewWorkerPool(cfg.SummaryWorkers),
		summary: summary,
		logger:  logger,
		cfg:     cfg,
		runMus:  make(map[string]*sync.Mutex),
	}
}

// Close drains the background summary pool.
func (t *Tracker) Close() {
	t.pool.Shutdown()
}

// runLock returns the per-run mutex, creating it on first use. Status writes
// for the same run are serialized; different runs proceed concurrently.
func (t *Tracker) runLock(runID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu, ok := t.runMus[runID]
	if !ok {
		mu = &sync.Mutex{}
		t.runMus[runID] = mu
	}
	return mu
}

// BuildDAG materializes a run's blueprint into persisted nodes and edges and
// announces the graph on the push stream. Construction is generic over the
// blueprint; modes never branch in code.
func (t *Tracker) BuildDAG(ctx context.Context, run *store.Run) (*DAG, error) {
	bp, ok := schema.BlueprintFor(run.Mode)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown run mode: %s", run.Mode)
	}

	keyToID := make(map[string]string, len(bp.Nodes))
	for _, def := range bp.Nodes {
		node, err := t.CreateNode(ctx, run.ID, def)
		if err != nil {
			return nil, err
		}
		keyToID[def.Key] = node.ID
	}

	for _, def := range bp.Nodes {
		for _, dep := range def.DependsOn {
			fromID, ok := keyToID[dep]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"blueprint node %s depends on unknown key %s", def.Key, dep)
			}
			edge := &store.Edge{RunID: run.ID, FromNodeID: fromID, ToNodeID: keyToID[def.Key]}
			if err := t.store.CreateEdge(ctx, edge); err != nil {
				return nil, err
			}
		}
	}

	dag, err := t.LoadDAG(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	t.publishDAG(ctx, run.ID, dag)
	return dag, nil
}

// CreateNode inserts one node. Creation is idempotent on the node's logical
// key: a concurrent or repeated create returns the already-persisted node.
func (t *Tracker) CreateNode(ctx context.Context, runID string, def schema.NodeDefinition) (*store.Node, error) {
	if existing, err := t.store.GetNodeByKey(ctx, runID, def.Key); err == nil {
		return existing, nil
	} else if schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return nil, err
	}

	node := &store.Node{
		ID:     uuid.NewString(),
		RunID:  runID,
		Key:    def.Key,
		Idx:    def.Index,
		Type:   def.Type,
		Agent:  def.Agent,
		Title:  def.Title,
		Status: schema.NodeStatusPending,
	}
	err := t.store.CreateNode(ctx, node)
	if schema.ErrorCode(err) == schema.ErrCodeConflict {
		// Lost a race on the unique (run, key) constraint; the winner's row
		// is the node.
		return t.store.GetNodeByKey(ctx, runID, def.Key)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// AddDynamicNodes materializes step nodes from a validated plan into a
// dynamic-mode run. Steps are chained sequentially after the planning node;
// the terminator is re-pointed and re-indexed past the last step.
func (t *Tracker) AddDynamicNodes(ctx context.Context, runID string, plan *schema.PlanOutput) ([]*store.Node, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	bp, ok := schema.BlueprintFor(run.Mode)
	if !ok || !bp.Dynamic {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"run mode %s does not accept dynamic nodes", run.Mode)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	planning, err := t.store.GetNodeByKey(ctx, runID, "planning")
	if err != nil {
		return nil, err
	}
	terminator, err := t.store.GetNodeByKey(ctx, runID, "terminator")
	if err != nil {
		return nil, err
	}

	nodes := make([]*store.Node, 0, len(plan.Steps))
	prevID := planning.ID
	for _, step := range plan.Steps {
		def := schema.NodeDefinition{
			Key:   step.Key(),
			Type:  schema.NodeTypeStep,
			Index: step.Index,
			Agent: step.Agent,
			Title: step.Title,
		}
		node, err := t.CreateNode(ctx, runID, def)
		if err != nil {
			return nil, err
		}
		edge := &store.Edge{RunID: runID, FromNodeID: prevID, ToNodeID: node.ID}
		if err := t.store.CreateEdge(ctx, edge); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		prevID = node.ID
	}

	if len(nodes) > 0 {
		edge := &store.Edge{RunID: runID, FromNodeID: prevID, ToNodeID: terminator.ID}
		if err := t.store.CreateEdge(ctx, edge); err != nil {
			return nil, err
		}
	}

	// Terminator sorts after the last step.
	newIdx := len(plan.Steps) + 1
	if terminator.Idx != newIdx {
		update := store.NodeUpdate{Idx: &newIdx}
		if err := t.store.UpdateNode(ctx, terminator.ID, update, terminator.Version); err != nil {
			return nil, err
		}
	}

	dag, err := t.LoadDAG(ctx, runID)
	if err != nil {
		return nil, err
	}
	t.publishDAG(ctx, runID, dag)

	return nodes, nil
}

// LoadDAG reads a run's persisted graph and assembles the in-memory DAG.
func (t *Tracker) LoadDAG(ctx context.Context, runID string) (*DAG, error) {
	nodes, err := t.store.ListNodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	edges, err := t.store.ListEdges(ctx, runID)
	if err != nil {
		return nil, err
	}
	return BuildGraph(nodes, edges)
}

// UpdateNodeStatus is the single node-status write path. It validates the
// transition against the node state machine, records the audit history,
// persists the new status with optimistic concurrency and bounded retries,
// and publishes the change. Repeating a transition the node has already
// taken is a no-op, so concurrent duplicate updates converge.
func (t *Tracker) UpdateNodeStatus(ctx context.Context, runID, nodeID string, change StatusChange) error {
	mu := t.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	node, err := t.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.RunID != runID {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %s does not belong to run %s", nodeID, runID).WithNode(nodeID)
	}
	if node.Status == change.To {
		return nil
	}

	// Run-level pause is cooperative: in-flight nodes finish, but no new
	// step may start until the run resumes.
	if node.Status == schema.NodeStatusPending && change.To == schema.NodeStatusRunning {
		run, err := t.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == schema.RunStatusPaused {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"run %s is paused; node %s cannot start", runID, node.Key).WithNode(nodeID)
		}
	}

	if err := t.nodeFSM.Transition(ctx, runID, nodeID, node.Status, change.To, change.Reason); err != nil {
		return err
	}

	update := buildStatusUpdate(node, change)
	if err := t.persistWithRetry(ctx, runID, node, change.To, update); err != nil {
		return err
	}

	t.logger.InfoContext(logging.WithIDs(ctx, runID, nodeID, node.Agent), "node status changed",
		"from", node.Status, "to", change.To, "reason", change.Reason)

	t.publish(ctx, runID, nodeID, schema.PushNodeStatusChanged, map[string]any{
		"node_id": nodeID,
		"key":     node.Key,
		"from":    node.Status,
		"to":      change.To,
		"reason":  change.Reason,
	})

	if change.To.IsTerminal() && t.summary != nil {
		t.scheduleSummary(runID, nodeID)
	}
	return nil
}

// PauseNode suspends a non-terminal node. The prior status is recoverable
// from the state-history log; ResumeNode restores it.
func (t *Tracker) PauseNode(ctx context.Context, runID, nodeID, reason string) error {
	return t.UpdateNodeStatus(ctx, runID, nodeID, StatusChange{
		To:     schema.NodeStatusPaused,
		Reason: reason,
	})
}

// ResumeNode returns a paused node to the status it held before the pause,
// read back from the append-only state history.
func (t *Tracker) ResumeNode(ctx context.Context, runID, nodeID string) error {
	prior, err := t.pausedFrom(ctx, runID, nodeID)
	if err != nil {
		return err
	}
	return t.UpdateNodeStatus(ctx, runID, nodeID, StatusChange{
		To:     prior,
		Reason: "resumed",
	})
}

// pausedFrom finds the status a node held before its most recent pause.
func (t *Tracker) pausedFrom(ctx context.Context, runID, nodeID string) (schema.NodeStatus, error) {
	transitions, err := t.store.ListTransitions(ctx, runID)
	if err != nil {
		return "", err
	}
	for i := len(transitions) - 1; i >= 0; i-- {
		tr := transitions[i]
		if tr.NodeID == nodeID && tr.ToState == string(schema.NodeStatusPaused) {
			return schema.NodeStatus(tr.FromState), nil
		}
	}
	return "", schema.NewError(schema.ErrCodeInvalidTransition, "node has no pause to resume from").WithNode(nodeID)
}

// TrackArtifact records a produced file or message against the node and
// event that emitted it.
func (t *Tracker) TrackArtifact(ctx context.Context, artifact *store.Artifact) error {
	if artifact.Kind != "file" && artifact.Kind != "message" {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown artifact kind: %s", artifact.Kind)
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	return t.store.CreateArtifact(ctx, artifact)
}

// buildStatusUpdate derives the persisted field set for a status change.
func buildStatusUpdate(node *store.Node, change StatusChange) store.NodeUpdate {
	now := time.Now().UTC()
	update := store.NodeUpdate{Status: &change.To}

	switch change.To {
	case schema.NodeStatusRunning:
		if node.StartedAt == nil {
			update.StartedAt = &now
		}
	case schema.NodeStatusFailed:
		update.CompletedAt = &now
		if change.ErrorSummary != "" {
			update.ErrorSummary = &change.ErrorSummary
		}
		if change.ErrorKind != "" {
			update.ErrorKind = &change.ErrorKind
		}
	case schema.NodeStatusCompleted:
		update.CompletedAt = &now
	case schema.NodeStatusRetrying:
		count := node.RetryCount + 1
		update.RetryCount = &count
	}
	return update
}

// persistWithRetry writes the status update, retrying transient store
// failures with exponential backoff. If every attempt fails, the run is
// marked failed with a persistence error so the caller never silently loses
// a lifecycle change.
func (t *Tracker) persistWithRetry(ctx context.Context, runID string, node *store.Node, to schema.NodeStatus, update store.NodeUpdate) error {
	var lastErr error
	backoff := t.cfg.StatusRetryBase

	for attempt := 0; attempt < t.cfg.StatusRetryMax; attempt++ {
		err := t.store.UpdateNode(ctx, node.ID, update, node.Version)
		if err == nil {
			return nil
		}
		lastErr = err

		switch schema.ErrorCode(err) {
		case schema.ErrCodeConflict:
			// A concurrent writer bumped the version. Reload; if the node
			// already carries the target status the transition converged,
			// and if only non-status fields moved (the summarizer bumps the
			// version for metadata) the write is retried against the fresh
			// version.
			current, gerr := t.store.GetNode(ctx, node.ID)
			if gerr != nil {
				return gerr
			}
			if current.Status == to {
				return nil
			}
			if current.Status == node.Status {
				node = current
				continue
			}
			return schema.NewErrorf(schema.ErrCodeConflict,
				"concurrent status write on node %s (now %s, wanted %s)",
				node.ID, current.Status, to).WithNode(node.ID)
		case schema.ErrCodeNotFound:
			return err
		}

		t.logger.WarnContext(ctx, "node status write failed, retrying",
			"node_id", node.ID, "attempt", attempt+1, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	t.failRunOnPersistence(ctx, runID, lastErr)
	return schema.NewError(schema.ErrCodeStore, "node status write exhausted retries").
		WithNode(node.ID).WithCause(lastErr).
		WithDetails(map[string]any{"kind": schema.KindPersistenceError})
}

// failRunOnPersistence moves the run to failed after the store rejected a
// status write past the retry budget. Best effort: if even this write fails
// the error is logged and the caller's typed error still surfaces.
func (t *Tracker) failRunOnPersistence(ctx context.Context, runID string, cause error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to load run after persistence failure",
			"run_id", runID, "error", err)
		return
	}
	if run.Status.IsTerminal() {
		return
	}
	if err := t.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusFailed, "persistence failure"); err != nil {
		t.logger.ErrorContext(ctx, "run FSM rejected persistence failure transition",
			"run_id", runID, "error", err)
		return
	}
	failed := schema.RunStatusFailed
	now := time.Now().UTC()
	errPayload, _ := json.Marshal(map[string]any{
		"kind":    schema.KindPersistenceError,
		"message": cause.Error(),
	})
	update := store.RunUpdate{Status: &failed, Error: errPayload, CompletedAt: &now}
	if err := t.store.UpdateRun(ctx, runID, update, run.Version); err != nil {
		t.logger.ErrorContext(ctx, "failed to mark run failed after persistence failure",
			"run_id", runID, "error", err)
	}
}

// scheduleSummary recomputes the node's execution summary off the hot path.
func (t *Tracker) scheduleSummary(runID, nodeID string) {
	ctx := context.Background()
	err := t.pool.Submit(ctx, func(ctx context.Context) error {
		if err := t.summary.Recompute(ctx, runID, nodeID); err != nil {
			t.logger.ErrorContext(ctx, "summary recompute failed",
				"run_id", runID, "node_id", nodeID, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		t.logger.Warn("summary recompute not scheduled", "run_id", runID, "node_id", nodeID, "error", err)
	}
}

func (t *Tracker) publishDAG(ctx context.Context, runID string, dag *DAG) {
	nodes := make([]map[string]any, 0, len(dag.Sorted))
	for _, key := range dag.Sorted {
		n := dag.Nodes[key]
		nodes = append(nodes, map[string]any{
			"id":     n.ID,
			"key":    n.Key,
			"idx":    n.Idx,
			"type":   n.Type,
			"status": n.Status,
			"title":  n.Title,
		})
	}
	t.publish(ctx, runID, "", schema.PushDAGCreated, map[string]any{
		"nodes":  nodes,
		"levels": dag.Levels,
	})
}

func (t *Tracker) publish(ctx context.Context, runID, nodeID, kind string, payload map[string]any) {
	if t.hub == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to marshal push payload", "kind", kind, "error", err)
		return
	}
	if err := t.hub.Publish(ctx, streaming.StreamEvent{
		RunID:   runID,
		NodeID:  nodeID,
		Kind:    kind,
		Payload: raw,
	}); err != nil {
		t.logger.WarnContext(ctx, "push publish failed", "kind", kind, "error", err)
	}
}
