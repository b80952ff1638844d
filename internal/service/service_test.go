package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagtrail/dagtrail/internal/capture"
	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/expressions"
	"github.com/dagtrail/dagtrail/internal/retry"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/internal/tracker"
	"github.com/dagtrail/dagtrail/internal/validation"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

type serviceFixture struct {
	store    *store.LibSQLStore
	hub      *streaming.MemoryHub
	pipeline *capture.Pipeline
	service  *RunService
}

func newServiceFixture(t *testing.T, retryCfg retry.Config) *serviceFixture {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "service.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := streaming.NewMemoryHub()
	runFSM := engine.NewRunFSM(st, hub)
	nodeFSM := engine.NewNodeFSM(st)
	sum := tracker.NewSummarizer(st, expressions.NewGoJQEngine(), logger, tracker.SummarizerConfig{})
	tr := tracker.New(st, nodeFSM, runFSM, hub, sum, logger, tracker.Config{
		StatusRetryMax:  2,
		StatusRetryBase: time.Millisecond,
		SummaryWorkers:  1,
	})
	t.Cleanup(tr.Close)

	pipe := capture.NewPipeline(st, hub, logger, capture.PipelineConfig{FlushInterval: 10 * time.Millisecond})
	t.Cleanup(pipe.Close)

	validator, err := validation.NewPlanValidator()
	require.NoError(t, err)
	analyzer := retry.NewAnalyzer(st, expressions.NewExprEngine(), logger, retryCfg)

	return &serviceFixture{
		store:    st,
		hub:      hub,
		pipeline: pipe,
		service:  NewRunService(st, tr, pipe, runFSM, validator, analyzer, hub, logger),
	}
}

func (fx *serviceFixture) nodeByKey(t *testing.T, runID, key string) *store.Node {
	t.Helper()
	n, err := fx.store.GetNodeByKey(context.Background(), runID, key)
	require.NoError(t, err)
	return n
}

// completeNode drives one node through running to completed via the facade.
func (fx *serviceFixture) completeNode(t *testing.T, runID, nodeID, agent string) {
	t.Helper()
	ctx := context.Background()
	eventID, err := fx.service.Facade(runID).OnStepStart(ctx, nodeID, agent, nil)
	require.NoError(t, err)
	require.NoError(t, fx.service.Facade(runID).OnStepComplete(ctx, nodeID, eventID, nil))
}

func TestResearchRunHappyPath(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{
		SessionID: "sess-1",
		Mode:      schema.ModeResearch,
		Name:      "llm eval survey",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusDraft, run.Status)

	// The fixed frame exists before planning.
	nodes, err := fx.store.ListNodes(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))

	plan, err := fx.service.SubmitPlan(ctx, run.ID, []byte(`{
		"objective": "survey recent LLM eval work",
		"steps": [
			{"index": 1, "title": "gather sources", "agent": "researcher"},
			{"index": 2, "title": "write report", "agent": "writer"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusExecuting, got.Status)
	assert.NotNil(t, got.StartedAt)

	nodes, err = fx.store.ListNodes(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 4, "planning, two steps, terminator")
	assert.Equal(t, 3, fx.nodeByKey(t, run.ID, "terminator").Idx, "terminator reindexed after the last step")

	// Execute the whole DAG in order.
	for _, key := range []string{"planning", "step-1", "step-2", "terminator"} {
		fx.completeNode(t, run.ID, fx.nodeByKey(t, run.ID, key).ID, "researcher")
	}
	require.NoError(t, fx.service.CompleteRun(ctx, run.ID))

	got, err = fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// The audit log replays to exactly the stored statuses.
	transitions, err := fx.store.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	replayed := engine.Replay(transitions)
	assert.Equal(t, schema.RunStatusCompleted, replayed.RunStatus)
	for _, n := range nodes {
		assert.Equal(t, schema.NodeStatusCompleted, replayed.NodeStatus[n.ID], "node %s", n.Key)
	}

	// Releasing the run resets the per-node event-order counters.
	planning := fx.nodeByKey(t, run.ID, "planning")
	require.NoError(t, fx.service.ReleaseRun(ctx, run.ID))
	ev := fx.pipeline.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: planning.ID, Type: schema.EventAgentCall})
	assert.Equal(t, int64(0), ev.ExecutionOrder)
}

func TestStepRetriesTwiceThenSucceeds(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Second})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-2", Mode: schema.ModeSolo})
	require.NoError(t, err)
	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))
	_, err = fx.service.SubmitPlan(ctx, run.ID, []byte(`{"steps":[{"index":1,"title":"solo step"}]}`))
	require.NoError(t, err)

	fx.completeNode(t, run.ID, fx.nodeByKey(t, run.ID, "planning").ID, "planner")
	step := fx.nodeByKey(t, run.ID, "step-1")
	facade := fx.service.Facade(run.ID)

	for attempt := 1; attempt <= 2; attempt++ {
		eventID, err := facade.OnStepStart(ctx, step.ID, "coder", nil)
		require.NoError(t, err)
		require.NoError(t, facade.OnStepFail(ctx, step.ID, eventID, "connection reset by peer", schema.KindTransientToolError))

		decision, err := fx.service.HandleFailure(ctx, run.ID, step.ID, "coder", "connection reset by peer")
		require.NoError(t, err)
		assert.True(t, decision.Retry)
		assert.Equal(t, attempt, decision.Attempt)

		node := fx.nodeByKey(t, run.ID, "step-1")
		assert.Equal(t, schema.NodeStatusRetrying, node.Status)
		assert.Equal(t, attempt, node.RetryCount)
	}

	// Third attempt succeeds; retrying -> running is a legal resumption.
	fx.completeNode(t, run.ID, step.ID, "coder")
	assert.Equal(t, schema.NodeStatusCompleted, fx.nodeByKey(t, run.ID, "step-1").Status)

	attempts, err := fx.store.ListRetryAttempts(ctx, run.ID, step.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestFatalFailureFailsRun(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-3", Mode: schema.ModeSolo})
	require.NoError(t, err)
	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))
	_, err = fx.service.SubmitPlan(ctx, run.ID, []byte(`{"steps":[{"index":1,"title":"solo step"}]}`))
	require.NoError(t, err)

	step := fx.nodeByKey(t, run.ID, "step-1")
	decision, err := fx.service.HandleFailure(ctx, run.ID, step.ID, "coder", "cancelled by user")
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.Equal(t, schema.KindUserCancelled, decision.Kind)

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
}

func TestPauseAndResumeRun(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-4", Mode: schema.ModeSolo})
	require.NoError(t, err)
	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))
	_, err = fx.service.SubmitPlan(ctx, run.ID, []byte(`{"steps":[{"index":1,"title":"solo step"}]}`))
	require.NoError(t, err)

	fx.completeNode(t, run.ID, fx.nodeByKey(t, run.ID, "planning").ID, "planner")
	step := fx.nodeByKey(t, run.ID, "step-1")
	_, err = fx.service.Facade(run.ID).OnStepStart(ctx, step.ID, "coder", nil)
	require.NoError(t, err)

	require.NoError(t, fx.service.PauseRun(ctx, run.ID, "operator break"))

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, got.Status)
	// Pause is cooperative: the in-flight step keeps running and pending
	// nodes stay pending.
	assert.Equal(t, schema.NodeStatusRunning, fx.nodeByKey(t, run.ID, "step-1").Status)
	assert.Equal(t, schema.NodeStatusPending, fx.nodeByKey(t, run.ID, "terminator").Status)

	// No new step may start until the run resumes.
	_, err = fx.service.Facade(run.ID).OnStepStart(ctx, fx.nodeByKey(t, run.ID, "terminator").ID, "writer", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	assert.Equal(t, schema.NodeStatusPending, fx.nodeByKey(t, run.ID, "terminator").Status)

	require.NoError(t, fx.service.ResumeRun(ctx, run.ID))

	got, err = fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusExecuting, got.Status)
	assert.Equal(t, schema.NodeStatusRunning, fx.nodeByKey(t, run.ID, "step-1").Status)

	// The audit log records the pause as a pure run-level excursion:
	// executing -> paused -> executing with no node transitions in between.
	transitions, err := fx.store.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	pausedAt := -1
	for i, tr := range transitions {
		if tr.NodeID == "" && tr.ToState == string(schema.RunStatusPaused) {
			pausedAt = i
		}
	}
	require.GreaterOrEqual(t, pausedAt, 0)
	require.Less(t, pausedAt+1, len(transitions))
	next := transitions[pausedAt+1]
	assert.Empty(t, next.NodeID)
	assert.Equal(t, string(schema.RunStatusPaused), next.FromState)
	assert.Equal(t, string(schema.RunStatusExecuting), next.ToState)

	// After resume the blocked step starts normally.
	fx.completeNode(t, run.ID, fx.nodeByKey(t, run.ID, "step-1").ID, "coder")
	fx.completeNode(t, run.ID, fx.nodeByKey(t, run.ID, "terminator").ID, "writer")
}

func TestPauseNodeIsExplicitAndIndependent(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-4b", Mode: schema.ModeSolo})
	require.NoError(t, err)
	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))
	_, err = fx.service.SubmitPlan(ctx, run.ID, []byte(`{"steps":[{"index":1,"title":"solo step"}]}`))
	require.NoError(t, err)

	fx.completeNode(t, run.ID, fx.nodeByKey(t, run.ID, "planning").ID, "planner")
	step := fx.nodeByKey(t, run.ID, "step-1")
	_, err = fx.service.Facade(run.ID).OnStepStart(ctx, step.ID, "coder", nil)
	require.NoError(t, err)

	require.NoError(t, fx.service.PauseNode(ctx, run.ID, step.ID, "tool outage"))
	assert.Equal(t, schema.NodeStatusPaused, fx.nodeByKey(t, run.ID, "step-1").Status)

	// The run phase is untouched by a node-level pause.
	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusExecuting, got.Status)

	require.NoError(t, fx.service.ResumeNode(ctx, run.ID, step.ID))
	assert.Equal(t, schema.NodeStatusRunning, fx.nodeByKey(t, run.ID, "step-1").Status,
		"resume restores the pre-pause status")
}

func TestCancelDraftRun(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-5", Mode: schema.ModeAnalysis})
	require.NoError(t, err)
	require.NoError(t, fx.service.CancelRun(ctx, run.ID, "changed my mind"))

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)

	// Terminal runs accept no further phase changes.
	err = fx.service.StartPlanning(ctx, run.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestCreateRunRejectsUnknownMode(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	_, err := fx.service.CreateRun(context.Background(), CreateRunRequest{SessionID: "s", Mode: "tournament"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestSubmitPlanRejectsInvalidPlan(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-6", Mode: schema.ModeResearch})
	require.NoError(t, err)
	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))

	_, err = fx.service.SubmitPlan(ctx, run.ID, []byte(`{"steps":[]}`))
	require.Error(t, err)

	// The run stays in planning; no step nodes appeared.
	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPlanning, got.Status)
	nodes, err := fx.store.ListNodes(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestSubmitPlanFixedModeSkipsMaterialization(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-7", Mode: schema.ModeAnalysis})
	require.NoError(t, err)
	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))

	// Plan content is validated but the fixed blueprint keeps its own steps.
	_, err = fx.service.SubmitPlan(ctx, run.ID, []byte(`{"steps":[{"index":1,"title":"whatever"}]}`))
	require.NoError(t, err)

	nodes, err := fx.store.ListNodes(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 6, "blueprint nodes only")

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusExecuting, got.Status)
}

func TestStateChangesReachSubscribers(t *testing.T) {
	fx := newServiceFixture(t, retry.Config{})
	ctx := context.Background()

	run, err := fx.service.CreateRun(ctx, CreateRunRequest{SessionID: "sess-8", Mode: schema.ModeSolo})
	require.NoError(t, err)

	ch, cancel, err := fx.hub.Subscribe(ctx, streaming.EventFilter{
		RunID: run.ID,
		Kinds: []string{schema.PushWorkflowStateChanged},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, fx.service.StartPlanning(ctx, run.ID))

	select {
	case ev := <-ch:
		assert.Equal(t, schema.PushWorkflowStateChanged, ev.Kind)
		payload, ok := ev.Payload.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, schema.RunStatusPlanning, payload["to"])
	case <-time.After(time.Second):
		t.Fatal("no workflow state push received")
	}
}
