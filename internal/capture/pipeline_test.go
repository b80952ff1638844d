package capture

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/internal/streaming"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEventStore(t *testing.T) (*store.LibSQLStore, *store.Run, *store.Node) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "capture.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	run := &store.Run{ID: uuid.NewString(), SessionID: "s", Mode: schema.ModeSolo, Status: schema.RunStatusExecuting}
	require.NoError(t, st.CreateRun(ctx, run))
	node := &store.Node{ID: uuid.NewString(), RunID: run.ID, Key: "step-1", Idx: 1, Type: schema.NodeTypeStep, Status: schema.NodeStatusRunning}
	require.NoError(t, st.CreateNode(ctx, node))
	return st, run, node
}

func TestBeginAssignsContiguousOrderPerNode(t *testing.T) {
	st, run, node := newEventStore(t)
	p := NewPipeline(st, nil, testLogger(), PipelineConfig{})
	defer p.Close()

	other := &store.Node{ID: uuid.NewString(), RunID: run.ID, Key: "step-2", Idx: 2, Type: schema.NodeTypeStep, Status: schema.NodeStatusRunning}
	require.NoError(t, st.CreateNode(context.Background(), other))

	for i := 0; i < 3; i++ {
		ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
		assert.Equal(t, int64(i), ev.ExecutionOrder)
	}
	// Independent counter per node.
	ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: other.ID, Type: schema.EventToolCall})
	assert.Equal(t, int64(0), ev.ExecutionOrder)
}

func TestBeginOrderIsRaceFree(t *testing.T) {
	st, run, node := newEventStore(t)
	p := NewPipeline(st, nil, testLogger(), PipelineConfig{})
	defer p.Close()

	const n = 64
	orders := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
			orders[i] = ev.ExecutionOrder
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, o := range orders {
		assert.False(t, seen[o], "duplicate execution order %d", o)
		seen[o] = true
		assert.GreaterOrEqual(t, o, int64(0))
		assert.Less(t, o, int64(n))
	}
}

func TestCompletePersistsThroughFlush(t *testing.T) {
	st, run, node := newEventStore(t)
	ctx := context.Background()
	p := NewPipeline(st, nil, testLogger(), PipelineConfig{FlushInterval: 10 * time.Millisecond})

	ev := p.Begin(&store.ExecutionEvent{
		RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall, Agent: "researcher",
	})
	require.NoError(t, p.Complete(ctx, ev))
	p.Close()

	got, err := st.ListEvents(ctx, run.ID, store.EventFilter{NodeID: node.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema.SubtypeComplete, got[0].Subtype)
	assert.Equal(t, "researcher", got[0].Agent)
	assert.NotNil(t, got[0].StartedAt)
	assert.NotNil(t, got[0].CompletedAt)
}

func TestCriticalEventFlushesPromptly(t *testing.T) {
	st, run, node := newEventStore(t)
	ctx := context.Background()
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{Kinds: []string{schema.PushEventAppended}})
	require.NoError(t, err)
	defer cancel()

	// Long interval: only the critical kick can flush this fast.
	p := NewPipeline(st, hub, testLogger(), PipelineConfig{FlushInterval: time.Hour})
	defer p.Close()

	ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventAgentCall, Agent: "researcher"})
	require.NoError(t, p.Complete(ctx, ev))

	select {
	case push := <-ch:
		assert.Equal(t, run.ID, push.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("critical event was not flushed promptly")
	}

	got, err := st.ListEvents(ctx, run.ID, store.EventFilter{NodeID: node.ID})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSamplingDropsNonCriticalKeepsCritical(t *testing.T) {
	st, run, node := newEventStore(t)
	ctx := context.Background()
	p := NewPipeline(st, nil, testLogger(), PipelineConfig{SampleRate: 0.0001})

	for i := 0; i < 20; i++ {
		ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
		require.NoError(t, p.Complete(ctx, ev))
	}
	// Error subtype is critical regardless of type.
	errEv := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
	errEv.Subtype = schema.SubtypeError
	errEv.ErrorText = "boom"
	require.NoError(t, p.Complete(ctx, errEv))

	handoff := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventHandoff})
	require.NoError(t, p.Complete(ctx, handoff))

	p.Close()

	got, err := st.ListEvents(ctx, run.ID, store.EventFilter{NodeID: node.ID})
	require.NoError(t, err)
	// The two critical events always survive; with a sample rate this low
	// the 20 tool calls are, in practice, gone.
	require.GreaterOrEqual(t, len(got), 2)
	types := map[schema.EventType]bool{}
	for _, e := range got {
		if e.Subtype == schema.SubtypeError {
			types["error"] = true
		}
		types[e.Type] = true
	}
	assert.True(t, types["error"])
	assert.True(t, types[schema.EventHandoff])
}

func TestOrderSurvivesSampling(t *testing.T) {
	st, run, node := newEventStore(t)
	ctx := context.Background()
	p := NewPipeline(st, nil, testLogger(), PipelineConfig{SampleRate: 0.5})

	for i := 0; i < 40; i++ {
		ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
		require.NoError(t, p.Complete(ctx, ev))
	}
	p.Close()

	got, err := st.ListEvents(ctx, run.ID, store.EventFilter{NodeID: node.ID})
	require.NoError(t, err)
	// Orders of surviving events are strictly increasing even though some
	// were sampled out.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ExecutionOrder, got[i-1].ExecutionOrder)
	}
}

func TestEmitClosedPipelineRejected(t *testing.T) {
	st, run, node := newEventStore(t)
	p := NewPipeline(st, nil, testLogger(), PipelineConfig{})
	p.Close()

	ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
	err := p.Complete(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapture, schema.ErrorCode(err))
}

func TestForgetNodeResetsCounter(t *testing.T) {
	st, run, node := newEventStore(t)
	p := NewPipeline(st, nil, testLogger(), PipelineConfig{})
	defer p.Close()

	p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
	p.ForgetNode(node.ID)
	ev := p.Begin(&store.ExecutionEvent{RunID: run.ID, NodeID: node.ID, Type: schema.EventToolCall})
	assert.Equal(t, int64(0), ev.ExecutionOrder)
}

