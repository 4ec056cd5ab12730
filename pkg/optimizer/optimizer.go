// Package optimizer is the entry point the plugin-execution layer calls.
//
// An Optimizer composes the context cache, the batch scheduler and the
// dependency batcher. Context reads go through the cache. Writes update the
// cached context immediately and are queued for a batched flush, so the
// expensive clustering call runs once per batch instead of once per write.
//
// Delivery model: WriteMemory returning Success means the write is cached and
// queued. It does not mean the memory engine has it. A batch whose flush fails
// is logged, counted and optionally dead-lettered, but never resubmitted, so
// integrators that need every write persisted must check Stats or configure a
// dead-letter sink.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	opt, err := optimizer.New(engine, storage.NewConceptIndex(), nil)
//	if err != nil {
//		return err
//	}
//	defer opt.Close(context.Background())
//
//	res := opt.ExecuteOptimized(ctx, "goal-1", "summarize", summarize, nil)
//	if !res.Success {
//		log.Printf("plugin failed: %v", res.Err)
//	}
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/orneryd/memopt/pkg/batch"
	"github.com/orneryd/memopt/pkg/cache"
	"github.com/orneryd/memopt/pkg/depgraph"
	"github.com/orneryd/memopt/pkg/metrics"
	"github.com/orneryd/memopt/pkg/storage"
)

// Concept tags attached to the memory write that records a plugin failure.
const (
	FailureConcept       = "failure"
	failureConceptPrefix = "failure:"
)

// ContextLoader seeds a new MemoryContext on a cache miss, typically from the
// long-term memory store.
type ContextLoader interface {
	LoadContext(ctx context.Context, goalID, pluginName string) (map[string]any, error)
}

// ContextLoaderFunc adapts a function to ContextLoader.
type ContextLoaderFunc func(ctx context.Context, goalID, pluginName string) (map[string]any, error)

// LoadContext calls f.
func (f ContextLoaderFunc) LoadContext(ctx context.Context, goalID, pluginName string) (map[string]any, error) {
	return f(ctx, goalID, pluginName)
}

// Config configures an Optimizer. Zero fields take defaults.
type Config struct {
	// CacheSize is the maximum number of resident contexts.
	// Default: 50
	CacheSize int

	// TTL expires contexts idle for longer than this. Negative disables.
	// Default: 2h
	TTL time.Duration

	// ClusteringThreshold is the number of writes per flush.
	// Default: 10
	ClusteringThreshold int

	// BatchTimeout is the batch age at which the next write triggers a flush.
	// Default: 5s
	BatchTimeout time.Duration

	// MaxDependencyDepth bounds dependency-chain traversal.
	// Default: 3
	MaxDependencyDepth int

	// FlushWorkers bounds concurrent batch flushes.
	// Default: 2
	FlushWorkers int

	// IdleFlushAfter flushes batches nobody has written to for this long.
	// Zero means three times BatchTimeout; negative disables.
	IdleFlushAfter time.Duration

	// ContextLoader seeds contexts on a cache miss. Optional.
	ContextLoader ContextLoader

	// DeadLetters receives batches whose flush failed. Optional.
	DeadLetters storage.DeadLetterSink

	// Registerer, if set, receives the optimizer's Prometheus collector.
	Registerer prometheus.Registerer

	// MetricsNamespace prefixes exported metric names.
	// Default: "memopt"
	MetricsNamespace string

	// Logger for facade and flush events. Nil discards.
	Logger *slog.Logger

	// TracerProvider for execution and flush spans. Nil uses a no-op provider.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the default optimizer configuration.
func DefaultConfig() *Config {
	return &Config{
		CacheSize:           cache.DefaultMaxEntries,
		TTL:                 cache.DefaultTTL,
		ClusteringThreshold: batch.DefaultThreshold,
		BatchTimeout:        batch.DefaultTimeout,
		MaxDependencyDepth:  depgraph.DefaultMaxDepth,
		FlushWorkers:        batch.DefaultWorkers,
		MetricsNamespace:    metrics.DefaultNamespace,
	}
}

// Optimizer is the memory-integration facade. All methods are safe for
// concurrent use.
type Optimizer struct {
	cache     *cache.Cache
	scheduler *batch.Scheduler
	graph     *depgraph.Graph
	metrics   *metrics.OptimizationMetrics
	collector *metrics.Collector
	loader    ContextLoader
	logger    *slog.Logger
	tracer    trace.Tracer
	reg       prometheus.Registerer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates an Optimizer that flushes to engine and concepts. A nil config
// uses DefaultConfig. The returned Optimizer owns a worker pool; call Close to
// drain it.
func New(engine storage.Engine, concepts storage.ConceptManager, config *Config) (*Optimizer, error) {
	if engine == nil {
		return nil, errors.New("optimizer: memory engine is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	o := &Optimizer{
		cache: cache.New(&cache.Config{
			MaxEntries: config.CacheSize,
			TTL:        config.TTL,
		}),
		graph:   depgraph.NewGraph(),
		metrics: metrics.New(),
		loader:  config.ContextLoader,
		logger:  logger,
		tracer:  tp.Tracer("github.com/orneryd/memopt/pkg/optimizer"),
		reg:     config.Registerer,
	}
	o.scheduler = batch.New(engine, concepts, &batch.Config{
		Threshold:          config.ClusteringThreshold,
		Timeout:            config.BatchTimeout,
		Workers:            config.FlushWorkers,
		IdleFlushAfter:     config.IdleFlushAfter,
		MaxDependencyDepth: config.MaxDependencyDepth,
		Graph:              o.graph,
		DeadLetters:        config.DeadLetters,
		OnFlushed:          o.markFlushed,
		Metrics:            o.metrics,
		Logger:             logger,
		TracerProvider:     tp,
	})

	o.collector = metrics.NewCollector(o.metrics, config.MetricsNamespace)
	o.collector.AddGauge("cache_entries", "Resident memory contexts.", func() float64 {
		return float64(o.cache.Len())
	})
	o.collector.AddGauge("pending_writes", "Writes in the accumulating batch.", func() float64 {
		return float64(o.scheduler.Stats().Pending)
	})
	o.collector.AddGauge("flush_queue_depth", "Batches waiting for a flush worker.", func() float64 {
		return float64(o.scheduler.Stats().QueueDepth)
	})
	o.collector.AddGauge("dependency_edges", "Edges in the dependency graph.", func() float64 {
		return float64(o.graph.Stats().Edges)
	})
	if err := o.collector.Register(o.reg); err != nil {
		_ = o.scheduler.Close(context.Background())
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return o, nil
}

// GetContext returns the cached context for (goalID, pluginName). On a miss a
// new context is created, seeded by the ContextLoader if one is configured,
// and inserted before it is returned. The boolean reports a cache hit.
// GetContext never fails; a loader error degrades to an empty context.
func (o *Optimizer) GetContext(ctx context.Context, goalID, pluginName string) (*cache.MemoryContext, bool) {
	start := time.Now()
	defer o.metrics.Since(metrics.PhaseContext, start)

	if mc, ok := o.cache.Get(goalID, pluginName); ok {
		o.metrics.CacheHit()
		return mc, true
	}
	o.metrics.CacheMiss()
	return o.populate(ctx, goalID, pluginName), false
}

// populate builds a context outside the cache lock and inserts it unless a
// concurrent caller got there first.
func (o *Optimizer) populate(ctx context.Context, goalID, pluginName string) *cache.MemoryContext {
	var payload map[string]any
	if o.loader != nil {
		p, err := o.loader.LoadContext(ctx, goalID, pluginName)
		if err != nil {
			o.logger.Warn("context load failed, starting empty",
				"goal_id", goalID, "plugin", pluginName, "error", err)
		} else {
			payload = p
		}
	}
	mc, _ := o.cache.GetOrPut(cache.NewMemoryContext(goalID, pluginName, payload))
	return mc
}

// WriteMemory records a write against the cached context and queues it for
// the next batch flush. Declared dependencies are added to the dependency
// graph and queued as relationship edges. If the write reaches the flush
// threshold the batch is swapped out and handed to a worker before
// WriteMemory returns; the flush itself runs asynchronously.
func (o *Optimizer) WriteMemory(ctx context.Context, goalID, pluginName string, entry MemoryEntry) WriteResult {
	start := time.Now()
	result := o.writeMemory(ctx, goalID, pluginName, entry)
	result.Elapsed = o.metrics.Since(metrics.PhaseWrite, start)
	return result
}

func (o *Optimizer) writeMemory(_ context.Context, goalID, pluginName string, entry MemoryEntry) WriteResult {
	if o.closed.Load() {
		o.metrics.WriteRejected()
		return WriteResult{Kind: KindShutdownRejection, Err: ErrShutdown}
	}
	if goalID == "" || pluginName == "" {
		return WriteResult{Kind: KindInvalidRequest, Err: ErrInvalidRequest}
	}

	mc, ok := o.cache.Get(goalID, pluginName)
	if !ok {
		mc, _ = o.cache.GetOrPut(cache.NewMemoryContext(goalID, pluginName, nil))
	}

	now := time.Now()
	payload := make(map[string]any, len(entry.Payload))
	for k, v := range entry.Payload {
		payload[k] = v
	}
	concepts := depgraph.NewSet(entry.Concepts...)
	deps := validDependencies(entry.Dependencies)
	edges := make([]storage.Edge, 0, len(deps))
	for _, d := range deps {
		concepts.Add(d.Concept)
		edges = append(edges, storage.Edge{Source: d.Concept, Target: d.DependsOn, Weight: d.Weight})
	}

	record := storage.Entry{
		ID:         uuid.NewString(),
		GoalID:     goalID,
		PluginName: pluginName,
		Payload:    payload,
		Concepts:   concepts.Sorted(),
		Timestamp:  now,
	}

	// The graph and the context only change once the scheduler has taken the
	// write.
	var seq int64
	triggered, err := o.scheduler.Accept(record, edges, func(e *storage.Entry) {
		for _, d := range deps {
			o.graph.AddDependency(d.Concept, d.DependsOn)
		}
		seq = mc.RecordWrite(payload, now)
		e.Sequence = seq
	})
	if err != nil {
		return o.rejected(err, mc.WriteCount())
	}

	result := WriteResult{
		Kind:                KindSuccess,
		Success:             true,
		ClusteringTriggered: triggered,
		WriteCount:          seq,
		EntryID:             record.ID,
	}
	if triggered {
		out := o.scheduler.MaybeFlush()
		result.Flush = &out
	}
	return result
}

// validDependencies drops empty and self dependencies and defaults weights.
func validDependencies(deps []Dependency) []Dependency {
	out := make([]Dependency, 0, len(deps))
	for _, d := range deps {
		if d.Concept == "" || d.DependsOn == "" || d.Concept == d.DependsOn {
			continue
		}
		if d.Weight == 0 {
			d.Weight = 1
		}
		out = append(out, d)
	}
	return out
}

// rejected maps a scheduler refusal that raced with Close.
func (o *Optimizer) rejected(err error, seq int64) WriteResult {
	if errors.Is(err, batch.ErrClosed) {
		o.metrics.WriteRejected()
		return WriteResult{Kind: KindShutdownRejection, WriteCount: seq, Err: ErrShutdown}
	}
	return WriteResult{Kind: KindFlushFailure, WriteCount: seq, Err: err}
}

// ExecuteOptimized runs fn with the cached context for (goalID, pluginName)
// injected, then records the outcome with WriteMemory whether fn succeeded or
// not. A failure is recorded with the concepts "failure" and
// "failure:<pluginName>". Errors and panics from fn are returned in the result
// and never propagate.
func (o *Optimizer) ExecuteOptimized(ctx context.Context, goalID, pluginName string, fn PluginFunc, args map[string]any) ExecutionResult {
	start := time.Now()
	if o.closed.Load() {
		o.metrics.WriteRejected()
		return ExecutionResult{Kind: KindShutdownRejection, Err: ErrShutdown}
	}
	if goalID == "" || pluginName == "" || fn == nil {
		return ExecutionResult{Kind: KindInvalidRequest, Err: ErrInvalidRequest}
	}

	ctx, span := o.tracer.Start(ctx, "optimizer.execute", trace.WithAttributes(
		attribute.String("goal.id", goalID),
		attribute.String("plugin.name", pluginName),
	))
	defer span.End()

	var res ExecutionResult
	mc, hit := o.GetContext(ctx, goalID, pluginName)
	res.CacheHit = hit
	res.Timings.Context = time.Since(start)

	pluginStart := time.Now()
	out, err := invoke(ctx, fn, PluginParams{
		GoalID:     goalID,
		PluginName: pluginName,
		Memory:     mc,
		Args:       args,
	})
	res.Timings.Plugin = o.metrics.Since(metrics.PhasePlugin, pluginStart)
	o.metrics.PluginCall(err != nil)

	var entry MemoryEntry
	if err == nil {
		res.Kind = KindSuccess
		res.Success = true
		res.Value = out.Value
		entry = MemoryEntry{
			Payload:      map[string]any{"success": true, "result": out.Value},
			Concepts:     out.Concepts,
			Dependencies: out.Dependencies,
		}
	} else {
		res.Kind = KindPluginFailure
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "plugin failed")
		o.logger.Warn("plugin failed", "goal_id", goalID, "plugin", pluginName, "error", err)
		entry = MemoryEntry{
			Payload:  map[string]any{"success": false, "error": err.Error()},
			Concepts: []string{FailureConcept, failureConceptPrefix + pluginName},
		}
	}

	res.Write = o.WriteMemory(ctx, goalID, pluginName, entry)
	res.Timings.Write = res.Write.Elapsed
	if res.Write.Kind == KindShutdownRejection {
		// Close won the race with the plugin call; the outcome was not recorded.
		res.Kind = KindShutdownRejection
		res.Success = false
		res.Err = errors.Join(res.Err, res.Write.Err)
		span.SetStatus(codes.Error, "write rejected")
	}
	res.Timings.Total = time.Since(start)
	span.SetAttributes(
		attribute.Bool("cache.hit", hit),
		attribute.Bool("clustering.triggered", res.Write.ClusteringTriggered),
	)
	return res
}

// invoke calls fn, converting a panic into an error wrapping ErrPluginPanic.
func invoke(ctx context.Context, fn PluginFunc, params PluginParams) (result PluginResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPluginPanic, r, debug.Stack())
		}
	}()
	return fn(ctx, params)
}

// FlushPending swaps out the accumulating batch and waits until every queued
// batch has been processed or ctx is done. Batches that fail while it waits
// make the result a KindFlushFailure.
func (o *Optimizer) FlushPending(ctx context.Context) FlushResult {
	start := time.Now()
	failedBefore := o.metrics.Snapshot().BatchesFailed

	res := FlushResult{Outcome: o.scheduler.Flush()}
	err := o.scheduler.WaitIdle(ctx)
	res.Elapsed = time.Since(start)
	res.FailedBatches = o.metrics.Snapshot().BatchesFailed - failedBefore

	switch {
	case err != nil:
		res.Kind = KindFlushFailure
		res.Err = fmt.Errorf("%w: %w", ErrFlushFailed, err)
	case res.FailedBatches > 0:
		res.Kind = KindFlushFailure
		res.Err = fmt.Errorf("%w: %d batch(es) failed", ErrFlushFailed, res.FailedBatches)
	default:
		res.Kind = KindSuccess
		res.Success = true
	}
	if res.Err != nil {
		o.logger.Error("flush pending failed", "error", res.Err)
	}
	return res
}

// markFlushed clears the dirty flag of contexts whose latest write reached the
// memory engine.
func (o *Optimizer) markFlushed(_ uint64, written []storage.Entry) {
	for _, e := range written {
		if mc, ok := o.cache.Peek(e.GoalID, e.PluginName); ok {
			mc.MarkCleanAt(e.Sequence)
		}
	}
}

// Stats aggregates cache, scheduler and dependency statistics.
type Stats struct {
	CacheHitRatio     float64               `json:"cache_hit_ratio"`
	ClusteringAvoided int64                 `json:"clustering_avoided"`
	BatchesProcessed  int64                 `json:"batches_processed"`
	Closed            bool                  `json:"closed"`
	Cache             cache.Stats           `json:"cache"`
	Scheduler         batch.Stats           `json:"scheduler"`
	Dependencies      depgraph.BatcherStats `json:"dependencies"`
	Metrics           metrics.Snapshot      `json:"metrics"`
}

// Stats returns current statistics.
func (o *Optimizer) Stats() Stats {
	snap := o.metrics.Snapshot()
	return Stats{
		CacheHitRatio:     snap.CacheHitRatio,
		ClusteringAvoided: snap.ClusteringAvoided,
		BatchesProcessed:  snap.BatchesProcessed,
		Closed:            o.closed.Load(),
		Cache:             o.cache.Stats(),
		Scheduler:         o.scheduler.Stats(),
		Dependencies:      o.scheduler.Batcher().Stats(),
		Metrics:           snap,
	}
}

// Graph returns the shared dependency graph.
func (o *Optimizer) Graph() *depgraph.Graph { return o.graph }

// Cache returns the context cache.
func (o *Optimizer) Cache() *cache.Cache { return o.cache }

// Close refuses new writes and executions, flushes every pending batch and
// stops the worker pool. It returns ctx.Err if the drain did not finish in
// time. Close is idempotent; later calls return the first call's result.
func (o *Optimizer) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		o.closeErr = o.scheduler.Close(ctx)
		if o.reg != nil {
			o.reg.Unregister(o.collector)
		}
		if o.closeErr != nil {
			o.logger.Error("optimizer close did not drain", "error", o.closeErr)
		} else {
			o.logger.Info("optimizer closed", "batches_processed", o.metrics.Snapshot().BatchesProcessed)
		}
	})
	return o.closeErr
}
