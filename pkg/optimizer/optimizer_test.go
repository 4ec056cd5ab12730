package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/memopt/pkg/batch"
	"github.com/orneryd/memopt/pkg/storage"
)

// flakyEngine fails every write while failing is set.
type flakyEngine struct {
	*storage.MemoryEngine
	failing atomic.Bool
}

func (e *flakyEngine) Write(ctx context.Context, goalID, pluginName string, payload map[string]any) (storage.Ack, error) {
	if e.failing.Load() {
		return storage.Ack{}, errors.New("engine offline")
	}
	return e.MemoryEngine.Write(ctx, goalID, pluginName, payload)
}

func newTestOptimizer(t *testing.T, cfg *Config) (*Optimizer, *storage.MemoryEngine, *storage.ConceptIndex) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	concepts := storage.NewConceptIndex()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.IdleFlushAfter == 0 {
		cfg.IdleFlushAfter = -1
	}
	o, err := New(engine, concepts, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o, engine, concepts
}

func flush(t *testing.T, o *Optimizer) FlushResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.FlushPending(ctx)
}

func echo(_ context.Context, p PluginParams) (PluginResult, error) {
	return PluginResult{Value: p.Args["input"], Concepts: []string{"echo"}}, nil
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(nil, storage.NewConceptIndex(), nil)
	assert.Error(t, err)
}

func TestNew_AppliesConfig(t *testing.T) {
	o, _, _ := newTestOptimizer(t, &Config{CacheSize: 7, ClusteringThreshold: 3, BatchTimeout: time.Minute, FlushWorkers: 4})
	s := o.Stats()
	assert.Equal(t, 7, s.Cache.Capacity)
	assert.Equal(t, 3, s.Scheduler.Threshold)
	assert.Equal(t, time.Minute, s.Scheduler.Timeout)
	assert.Equal(t, 4, s.Scheduler.Workers)
}

func TestGetContext_MissThenHit(t *testing.T) {
	o, _, _ := newTestOptimizer(t, nil)
	ctx := context.Background()

	first, hit := o.GetContext(ctx, "goal", "plugin")
	require.NotNil(t, first)
	assert.False(t, hit)

	second, hit := o.GetContext(ctx, "goal", "plugin")
	assert.True(t, hit)
	assert.Same(t, first, second)

	assert.InDelta(t, 0.5, o.Stats().CacheHitRatio, 1e-9)
}

func TestGetContext_LoaderSeedsAndDegrades(t *testing.T) {
	loader := ContextLoaderFunc(func(_ context.Context, goalID, _ string) (map[string]any, error) {
		if goalID == "broken" {
			return nil, errors.New("store unreachable")
		}
		return map[string]any{"seeded_for": goalID}, nil
	})
	o, _, _ := newTestOptimizer(t, &Config{ContextLoader: loader})
	ctx := context.Background()

	mc, _ := o.GetContext(ctx, "goal", "plugin")
	v, ok := mc.Get("seeded_for")
	require.True(t, ok)
	assert.Equal(t, "goal", v)

	mc, hit := o.GetContext(ctx, "broken", "plugin")
	require.NotNil(t, mc, "loader failure is never surfaced")
	assert.False(t, hit)
	assert.Empty(t, mc.Snapshot().Payload)
}

func TestGetContext_ConcurrentMissesShareInstance(t *testing.T) {
	o, _, _ := newTestOptimizer(t, nil)

	const n = 32
	got := make([]any, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc, _ := o.GetContext(context.Background(), "goal", "plugin")
			got[i] = mc
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
}

func TestWriteMemory_WriteCountEqualsN(t *testing.T) {
	o, _, _ := newTestOptimizer(t, &Config{ClusteringThreshold: 4})
	ctx := context.Background()

	const n = 23
	for i := range n {
		res := o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{Payload: map[string]any{"i": i}})
		require.True(t, res.Success)
		assert.Equal(t, int64(i+1), res.WriteCount)
	}

	mc, hit := o.GetContext(ctx, "goal", "plugin")
	require.True(t, hit)
	assert.Equal(t, int64(n), mc.WriteCount())
	v, _ := mc.Get("i")
	assert.Equal(t, n-1, v, "writes are reflected in submission order")
}

func TestWriteMemory_ThresholdFive(t *testing.T) {
	o, engine, concepts := newTestOptimizer(t, &Config{ClusteringThreshold: 5})
	ctx := context.Background()

	for i := range 4 {
		res := o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{Concepts: []string{"alpha"}})
		require.True(t, res.Success)
		assert.False(t, res.ClusteringTriggered, "write %d", i+1)
		assert.Nil(t, res.Flush)
	}

	res := o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{Concepts: []string{"beta"}})
	require.True(t, res.Success)
	assert.True(t, res.ClusteringTriggered)
	require.NotNil(t, res.Flush)
	assert.Equal(t, batch.Scheduled, res.Flush.Status)
	assert.Equal(t, 0, o.Stats().Scheduler.Pending, "trigger counter resets immediately")

	require.True(t, flush(t, o).Success)
	assert.Equal(t, int64(5), engine.WriteCount())
	assert.Equal(t, int64(1), concepts.Stats().UpdateCalls)

	s := o.Stats()
	assert.Equal(t, int64(1), s.BatchesProcessed)
	assert.Equal(t, int64(4), s.ClusteringAvoided)
}

func TestWriteMemory_AgeTrigger(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the batch timeout")
	}
	o, _, _ := newTestOptimizer(t, &Config{ClusteringThreshold: 100, BatchTimeout: time.Second})
	ctx := context.Background()

	res := o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{})
	require.True(t, res.Success)
	assert.False(t, res.ClusteringTriggered)

	time.Sleep(1100 * time.Millisecond)

	res = o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{})
	require.True(t, res.Success)
	assert.True(t, res.ClusteringTriggered, "triggered by age, not count")
	require.NotNil(t, res.Flush)
	assert.Equal(t, batch.ReasonTimeout, res.Flush.Reason)
}

func TestWriteMemory_DependenciesAndEdges(t *testing.T) {
	o, _, concepts := newTestOptimizer(t, nil)
	ctx := context.Background()

	res := o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{
		Concepts: []string{"x"},
		Dependencies: []Dependency{
			{Concept: "x", DependsOn: "y", Weight: 0.5},
			{Concept: "y", DependsOn: "z"},
			{Concept: "self", DependsOn: "self"},
		},
	})
	require.True(t, res.Success)

	assert.Equal(t, []string{"x", "y", "z"}, o.Graph().Chain("x", 3).Sorted())
	assert.Equal(t, 2, o.Stats().Scheduler.PendingEdges)

	require.True(t, flush(t, o).Success)
	w, ok := concepts.EdgeWeight("x", "y")
	require.True(t, ok)
	assert.InDelta(t, 0.5, w, 1e-9)
	w, ok = concepts.EdgeWeight("y", "z")
	require.True(t, ok)
	assert.InDelta(t, 1.0, w, 1e-9, "zero weight defaults to 1")
	assert.Equal(t, int64(1), concepts.Stats().ScopeCalls)
	assert.Equal(t, 3, concepts.Stats().LargestScope)
}

func TestWriteMemory_InvalidRequest(t *testing.T) {
	o, _, _ := newTestOptimizer(t, nil)
	res := o.WriteMemory(context.Background(), "", "plugin", MemoryEntry{})
	assert.False(t, res.Success)
	assert.Equal(t, KindInvalidRequest, res.Kind)
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)
}

func TestWriteMemory_DirtyClearedAfterFlush(t *testing.T) {
	o, _, _ := newTestOptimizer(t, nil)
	ctx := context.Background()

	o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{Payload: map[string]any{"k": 1}})
	mc, _ := o.GetContext(ctx, "goal", "plugin")
	assert.True(t, mc.Dirty())

	require.True(t, flush(t, o).Success)
	assert.False(t, mc.Dirty())
}

func TestExecuteOptimized_Success(t *testing.T) {
	o, engine, concepts := newTestOptimizer(t, nil)
	ctx := context.Background()

	var seen atomic.Pointer[PluginParams]
	fn := func(ctx context.Context, p PluginParams) (PluginResult, error) {
		seen.Store(&p)
		return echo(ctx, p)
	}

	res := o.ExecuteOptimized(ctx, "goal", "echo", fn, map[string]any{"input": "hello"})
	require.True(t, res.Success)
	assert.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, "hello", res.Value)
	assert.False(t, res.CacheHit)
	assert.True(t, res.Write.Success)
	assert.GreaterOrEqual(t, res.Timings.Total, res.Timings.Plugin)

	p := seen.Load()
	require.NotNil(t, p)
	require.NotNil(t, p.Memory, "cached context is injected")
	assert.Equal(t, "goal", p.Memory.GoalID())
	assert.Equal(t, "hello", p.Args["input"])

	res = o.ExecuteOptimized(ctx, "goal", "echo", fn, map[string]any{"input": "again"})
	assert.True(t, res.CacheHit)
	assert.Same(t, p.Memory, seen.Load().Memory)

	require.True(t, flush(t, o).Success)
	entries := engine.Entries("goal", "echo")
	require.Len(t, entries, 2)
	assert.Equal(t, true, entries[0].Payload["success"])
	assert.Equal(t, "hello", entries[0].Payload["result"])
	assert.Equal(t, int64(1), concepts.Touches("echo"))
}

func TestExecuteOptimized_PluginFailures(t *testing.T) {
	tests := []struct {
		name    string
		fn      PluginFunc
		wantErr error
	}{
		{
			name: "returned error",
			fn: func(context.Context, PluginParams) (PluginResult, error) {
				return PluginResult{}, errors.New("model timeout")
			},
		},
		{
			name: "panic",
			fn: func(context.Context, PluginParams) (PluginResult, error) {
				panic("index out of range")
			},
			wantErr: ErrPluginPanic,
		},
		{
			name: "panic with error value",
			fn: func(context.Context, PluginParams) (PluginResult, error) {
				panic(fmt.Errorf("wrapped boom"))
			},
			wantErr: ErrPluginPanic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, engine, concepts := newTestOptimizer(t, nil)
			ctx := context.Background()

			var res ExecutionResult
			require.NotPanics(t, func() {
				res = o.ExecuteOptimized(ctx, "goal", "flaky", tt.fn, nil)
			})
			assert.False(t, res.Success)
			assert.Equal(t, KindPluginFailure, res.Kind)
			require.Error(t, res.Err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
			}
			assert.True(t, res.Write.Success, "failure is still recorded")

			require.True(t, flush(t, o).Success)
			entries := engine.Entries("goal", "flaky")
			require.Len(t, entries, 1)
			assert.Equal(t, false, entries[0].Payload["success"])
			assert.NotEmpty(t, entries[0].Payload["error"])
			assert.Equal(t, int64(1), concepts.Touches(FailureConcept))
			assert.Equal(t, int64(1), concepts.Touches("failure:flaky"))

			assert.Equal(t, int64(1), o.Stats().Metrics.PluginFailures)
		})
	}
}

func TestExecuteOptimized_InvalidRequest(t *testing.T) {
	o, _, _ := newTestOptimizer(t, nil)
	res := o.ExecuteOptimized(context.Background(), "goal", "plugin", nil, nil)
	assert.Equal(t, KindInvalidRequest, res.Kind)
	assert.ErrorIs(t, res.Err, ErrInvalidRequest)
}

func TestCacheScenario_ABCEvictsA(t *testing.T) {
	o, _, _ := newTestOptimizer(t, &Config{CacheSize: 2})
	ctx := context.Background()

	a, _ := o.GetContext(ctx, "A", "p")
	o.GetContext(ctx, "B", "p")
	o.GetContext(ctx, "C", "p")

	_, ok := o.Cache().Peek("A", "p")
	assert.False(t, ok)
	_, ok = o.Cache().Peek("B", "p")
	assert.True(t, ok)
	_, ok = o.Cache().Peek("C", "p")
	assert.True(t, ok)

	// Re-created after eviction: a new instance with a fresh write counter
	again, hit := o.GetContext(ctx, "A", "p")
	assert.False(t, hit)
	assert.NotSame(t, a, again)
	assert.Equal(t, int64(0), again.WriteCount())
}

func TestFlushPending(t *testing.T) {
	t.Run("nothing pending", func(t *testing.T) {
		o, _, _ := newTestOptimizer(t, nil)
		res := flush(t, o)
		assert.True(t, res.Success)
		assert.Equal(t, batch.NothingToDo, res.Outcome.Status)
	})

	t.Run("failure is reported", func(t *testing.T) {
		engine := &flakyEngine{MemoryEngine: storage.NewMemoryEngine()}
		engine.failing.Store(true)
		o, err := New(engine, storage.NewConceptIndex(), &Config{IdleFlushAfter: -1})
		require.NoError(t, err)
		defer o.Close(context.Background())

		res := o.WriteMemory(context.Background(), "goal", "plugin", MemoryEntry{})
		require.True(t, res.Success, "acceptance does not depend on the engine")

		fr := flush(t, o)
		assert.False(t, fr.Success)
		assert.Equal(t, KindFlushFailure, fr.Kind)
		assert.ErrorIs(t, fr.Err, ErrFlushFailed)
		assert.Equal(t, int64(1), fr.FailedBatches)

		// The lost batch is not resubmitted once the engine recovers
		engine.failing.Store(false)
		assert.True(t, flush(t, o).Success)
		assert.Equal(t, int64(0), engine.WriteCount())
	})

	t.Run("context deadline", func(t *testing.T) {
		o, _, _ := newTestOptimizer(t, nil)
		o.WriteMemory(context.Background(), "goal", "plugin", MemoryEntry{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := o.FlushPending(ctx)
		if !res.Success {
			assert.Equal(t, KindFlushFailure, res.Kind)
			assert.ErrorIs(t, res.Err, context.Canceled)
		}
	})
}

func TestDeadLettersReachBadger(t *testing.T) {
	dead, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer dead.Close()

	engine := &flakyEngine{MemoryEngine: storage.NewMemoryEngine()}
	engine.failing.Store(true)
	o, err := New(engine, storage.NewConceptIndex(), &Config{IdleFlushAfter: -1, DeadLetters: dead})
	require.NoError(t, err)
	defer o.Close(context.Background())

	o.WriteMemory(context.Background(), "goal", "plugin", MemoryEntry{Concepts: []string{"c"}})
	assert.False(t, flush(t, o).Success)

	letters, err := dead.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Len(t, letters[0].Entries, 1)
	assert.Equal(t, "goal", letters[0].Entries[0].GoalID)
}

func TestClose(t *testing.T) {
	engine := storage.NewMemoryEngine()
	o, err := New(engine, storage.NewConceptIndex(), &Config{ClusteringThreshold: 100, IdleFlushAfter: -1})
	require.NoError(t, err)
	ctx := context.Background()

	for range 3 {
		require.True(t, o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{}).Success)
	}
	require.NoError(t, o.Close(ctx))
	assert.Equal(t, int64(3), engine.WriteCount(), "pending writes drained on close")

	w := o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{})
	assert.False(t, w.Success)
	assert.Equal(t, KindShutdownRejection, w.Kind)
	assert.ErrorIs(t, w.Err, ErrShutdown)

	called := false
	res := o.ExecuteOptimized(ctx, "goal", "plugin", func(context.Context, PluginParams) (PluginResult, error) {
		called = true
		return PluginResult{}, nil
	}, nil)
	assert.False(t, called, "plugin is not invoked after shutdown")
	assert.Equal(t, KindShutdownRejection, res.Kind)

	assert.NoError(t, o.Close(ctx), "close is idempotent")

	s := o.Stats()
	assert.True(t, s.Closed)
	assert.Equal(t, int64(2), s.Metrics.WritesRejected)
}

func TestWriteMemory_RejectedAfterSchedulerClosedLeavesStateUntouched(t *testing.T) {
	o, _, _ := newTestOptimizer(t, nil)
	ctx := context.Background()

	require.True(t, o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{Payload: map[string]any{"n": 1}}).Success)
	// The optimizer still looks open, as it does while Close is in flight.
	require.NoError(t, o.scheduler.Close(ctx))

	w := o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{
		Payload:      map[string]any{"n": 2},
		Dependencies: []Dependency{{Concept: "x", DependsOn: "y"}},
	})
	assert.Equal(t, KindShutdownRejection, w.Kind)
	assert.ErrorIs(t, w.Err, ErrShutdown)
	assert.Equal(t, int64(1), w.WriteCount)

	mc, ok := o.cache.Get("goal", "plugin")
	require.True(t, ok)
	assert.Equal(t, int64(1), mc.WriteCount())
	v, _ := mc.Get("n")
	assert.Equal(t, 1, v, "rejected payload is not merged")
	assert.Zero(t, o.Graph().Stats().Edges)
}

func TestExecuteOptimized_CloseDuringPluginIsRejected(t *testing.T) {
	o, engine, _ := newTestOptimizer(t, nil)
	ctx := context.Background()

	called := false
	res := o.ExecuteOptimized(ctx, "goal", "plugin", func(ctx context.Context, _ PluginParams) (PluginResult, error) {
		called = true
		require.NoError(t, o.Close(ctx))
		return PluginResult{Value: "late"}, nil
	}, nil)

	assert.True(t, called)
	assert.False(t, res.Success)
	assert.Equal(t, KindShutdownRejection, res.Kind)
	assert.ErrorIs(t, res.Err, ErrShutdown)
	assert.Equal(t, KindShutdownRejection, res.Write.Kind)
	assert.Zero(t, engine.WriteCount())
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, _, _ := newTestOptimizer(t, &Config{Registerer: reg, MetricsNamespace: "test"})
	ctx := context.Background()

	o.GetContext(ctx, "goal", "plugin")
	o.WriteMemory(ctx, "goal", "plugin", MemoryEntry{})

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["test_cache_requests_total"])
	assert.True(t, names["test_cache_entries"])
	assert.True(t, names["test_pending_writes"])

	// A second optimizer on the same registry is rejected
	_, err = New(storage.NewMemoryEngine(), nil, &Config{Registerer: reg, MetricsNamespace: "test"})
	assert.Error(t, err)

	require.NoError(t, o.Close(ctx))
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "close unregisters the collector")
}

func TestConcurrentExecution(t *testing.T) {
	o, engine, _ := newTestOptimizer(t, &Config{ClusteringThreshold: 8, FlushWorkers: 3})
	ctx := context.Background()

	const goals, perGoal = 12, 25
	var wg sync.WaitGroup
	for g := range goals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perGoal {
				fn := echo
				if i%5 == 0 {
					fn = func(context.Context, PluginParams) (PluginResult, error) { panic("boom") }
				}
				o.ExecuteOptimized(ctx, fmt.Sprintf("g%d", g), "p", fn, map[string]any{"input": i})
			}
		}()
	}
	wg.Wait()
	require.True(t, flush(t, o).Success)

	assert.Equal(t, int64(goals*perGoal), engine.WriteCount())
	for g := range goals {
		mc, ok := o.Cache().Peek(fmt.Sprintf("g%d", g), "p")
		require.True(t, ok)
		assert.Equal(t, int64(perGoal), mc.WriteCount())
	}

	s := o.Stats()
	assert.Equal(t, int64(goals*perGoal/5), s.Metrics.PluginFailures)
	assert.Greater(t, s.ClusteringAvoided, int64(0))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "success", KindSuccess.String())
	assert.Equal(t, "plugin_failure", KindPluginFailure.String())
	assert.Equal(t, "flush_failure", KindFlushFailure.String())
	assert.Equal(t, "shutdown_rejection", KindShutdownRejection.String())
	assert.Equal(t, "invalid_request", KindInvalidRequest.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}
