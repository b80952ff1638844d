package tracker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/expressions"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

type trackerFixture struct {
	store   *store.LibSQLStore
	tracker *Tracker
	hub     *streaming.MemoryHub
}

func newFixture(t *testing.T) *trackerFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tracker.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := streaming.NewMemoryHub()
	runFSM := engine.NewRunFSM(st, hub)
	nodeFSM := engine.NewNodeFSM(st)
	summarizer := NewSummarizer(st, expressions.NewGoJQEngine(), logger, SummarizerConfig{})

	tr := New(st, nodeFSM, runFSM, hub, summarizer, logger, Config{
		StatusRetryMax:  2,
		StatusRetryBase: time.Millisecond,
		SummaryWorkers:  1,
	})
	t.Cleanup(tr.Close)

	return &trackerFixture{store: st, tracker: tr, hub: hub}
}

func (f *trackerFixture) seedRun(t *testing.T, mode schema.RunMode) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:        uuid.NewString(),
		SessionID: "session-1",
		Mode:      mode,
		Status:    schema.RunStatusDraft,
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func TestBuildDAGFromSoloBlueprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)

	ch, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{Kinds: []string{schema.PushDAGCreated}})
	require.NoError(t, err)
	defer cancel()

	dag, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, []string{"planning", "step-1", "terminator"}, dag.Sorted)

	select {
	case ev := <-ch:
		assert.Equal(t, run.ID, ev.RunID)
	default:
		t.Fatal("expected a dag_created push event")
	}

	// All nodes start pending.
	nodes, err := f.store.ListNodes(ctx, run.ID)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, schema.NodeStatusPending, n.Status)
	}
}

func TestBuildDAGIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeAnalysis)

	first, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	second, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)

	assert.Equal(t, first.Sorted, second.Sorted)
	nodes, err := f.store.ListNodes(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 6)
}

func TestCreateNodeReturnsExistingOnSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)

	def := schema.NodeDefinition{Key: "step-1", Type: schema.NodeTypeStep, Index: 1}
	a, err := f.tracker.CreateNode(ctx, run.ID, def)
	require.NoError(t, err)
	b, err := f.tracker.CreateNode(ctx, run.ID, def)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}

func TestAddDynamicNodesChainsSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeResearch)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)

	plan := &schema.PlanOutput{
		Objective: "compare storage engines",
		Steps: []schema.PlanStep{
			{Index: 1, Title: "gather docs", Agent: "researcher"},
			{Index: 2, Title: "benchmark", Agent: "analyst"},
			{Index: 3, Title: "write up", Agent: "writer"},
		},
	}
	steps, err := f.tracker.AddDynamicNodes(ctx, run.ID, plan)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	dag, err := f.tracker.LoadDAG(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"planning", "step-1", "step-2", "step-3", "terminator"}, dag.Sorted)

	// Terminator re-indexed past the last step.
	term, err := f.store.GetNodeByKey(ctx, run.ID, "terminator")
	require.NoError(t, err)
	assert.Equal(t, 4, term.Idx)
}

func TestAddDynamicNodesRejectsFixedMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeAnalysis)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)

	_, err = f.tracker.AddDynamicNodes(ctx, run.ID, &schema.PlanOutput{
		Steps: []schema.PlanStep{{Index: 1, Title: "x"}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestAddDynamicNodesRejectsGappyPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeResearch)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)

	_, err = f.tracker.AddDynamicNodes(ctx, run.ID, &schema.PlanOutput{
		Steps: []schema.PlanStep{{Index: 1, Title: "a"}, {Index: 3, Title: "b"}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestUpdateNodeStatusHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	ch, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{Kinds: []string{schema.PushNodeStatusChanged}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusRunning}))

	got, err := f.store.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	select {
	case ev := <-ch:
		assert.Equal(t, n.ID, ev.NodeID)
	default:
		t.Fatal("expected a node status push event")
	}

	// Audit history recorded the transition.
	trs, err := f.store.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "running", trs[0].ToState)
}

func TestUpdateNodeStatusIdempotentRepeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusRunning}))
	// Same transition again is a no-op, not an error.
	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusRunning}))

	trs, err := f.store.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 1)
}

func TestUpdateNodeStatusRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	err = f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusCompleted})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

	got, err := f.store.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusPending, got.Status)
}

func TestPausedRunBlocksNewStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)

	step, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)
	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, step.ID, StatusChange{To: schema.NodeStatusRunning}))

	paused := schema.RunStatusPaused
	require.NoError(t, f.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &paused}, run.Version))

	// No pending node may start while the run is paused.
	term, err := f.store.GetNodeByKey(ctx, run.ID, "terminator")
	require.NoError(t, err)
	err = f.tracker.UpdateNodeStatus(ctx, run.ID, term.ID, StatusChange{To: schema.NodeStatusRunning})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

	got, err := f.store.GetNode(ctx, term.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusPending, got.Status)

	// The in-flight node is untouched and may still finish.
	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, step.ID, StatusChange{To: schema.NodeStatusCompleted}))
}

func TestUpdateNodeStatusRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusRunning}))
	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{
		To:           schema.NodeStatusFailed,
		Reason:       "tool exploded",
		ErrorSummary: "connection reset by peer",
		ErrorKind:    schema.KindTransientToolError,
	}))

	got, err := f.store.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusFailed, got.Status)
	assert.Equal(t, "connection reset by peer", got.ErrorSummary)
	assert.Equal(t, schema.KindTransientToolError, got.ErrorKind)
	assert.NotNil(t, got.CompletedAt)
}

func TestRetryingIncrementsRetryCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusRunning}))
	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusFailed, ErrorKind: schema.KindTimeout}))
	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusRetrying}))

	got, err := f.store.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestPauseResumeRestoresPriorStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	require.NoError(t, f.tracker.UpdateNodeStatus(ctx, run.ID, n.ID, StatusChange{To: schema.NodeStatusRunning}))
	require.NoError(t, f.tracker.PauseNode(ctx, run.ID, n.ID, "operator hold"))

	got, err := f.store.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusPaused, got.Status)

	require.NoError(t, f.tracker.ResumeNode(ctx, run.ID, n.ID))
	got, err = f.store.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusRunning, got.Status)
}

func TestResumeWithoutPauseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	err = f.tracker.ResumeNode(ctx, run.ID, n.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestUpdateNodeStatusRejectsForeignNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	other := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	err = f.tracker.UpdateNodeStatus(ctx, other.ID, n.ID, StatusChange{To: schema.NodeStatusRunning})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestTrackArtifactValidatesKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.seedRun(t, schema.ModeSolo)
	_, err := f.tracker.BuildDAG(ctx, run)
	require.NoError(t, err)
	n, err := f.store.GetNodeByKey(ctx, run.ID, "step-1")
	require.NoError(t, err)

	err = f.tracker.TrackArtifact(ctx, &store.Artifact{RunID: run.ID, NodeID: n.ID, Kind: "blob", Name: "x"})
	require.Error(t, err)

	require.NoError(t, f.tracker.TrackArtifact(ctx, &store.Artifact{
		RunID: run.ID, NodeID: n.ID, Kind: "file", Name: "out.csv", URI: "file:///tmp/out.csv",
	}))

	arts, err := f.store.ListArtifacts(ctx, run.ID, n.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "out.csv", arts[0].Name)
}
