package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/memopt/pkg/depgraph"
	"github.com/orneryd/memopt/pkg/metrics"
	"github.com/orneryd/memopt/pkg/storage"
)

// ErrClosed is returned by AddWrite and AddEdge after Close has been called.
var ErrClosed = errors.New("batch: scheduler closed")

const (
	// DefaultThreshold is the number of writes that triggers a flush.
	DefaultThreshold = 10
	// DefaultTimeout is the batch age that triggers a flush.
	DefaultTimeout = 5 * time.Second
	// DefaultWorkers is the size of the flush worker pool.
	DefaultWorkers = 2

	minSweepInterval = 10 * time.Millisecond
)

// Config configures a Scheduler. Zero fields take defaults.
type Config struct {
	// Threshold is the write count at which a batch is flushed.
	// Default: 10
	Threshold int

	// Timeout is the batch age at which the next write triggers a flush.
	// Default: 5s
	Timeout time.Duration

	// Workers bounds how many batches are processed concurrently.
	// Default: 2
	Workers int

	// IdleFlushAfter flushes a batch nobody has written to for this long, so
	// a quiet system does not hold writes until shutdown. Zero means three
	// times Timeout; negative disables the sweep.
	IdleFlushAfter time.Duration

	// MaxDependencyDepth bounds closures used to scope clustering.
	// Default: depgraph.DefaultMaxDepth
	MaxDependencyDepth int

	// Graph is the shared dependency graph. Nil creates a private one.
	Graph *depgraph.Graph

	// DeadLetters receives batches whose flush failed. Optional.
	DeadLetters storage.DeadLetterSink

	// OnFlushed is called by the worker after each flush with the entries the
	// engine acknowledged. Optional; it must not call back into the Scheduler.
	OnFlushed func(generation uint64, written []storage.Entry)

	// Metrics receives flush counters. Nil creates a private set.
	Metrics *metrics.OptimizationMetrics

	// Logger for flush outcomes. Nil discards.
	Logger *slog.Logger

	// TracerProvider for batch processing spans. Nil uses a no-op provider.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Threshold:          DefaultThreshold,
		Timeout:            DefaultTimeout,
		Workers:            DefaultWorkers,
		MaxDependencyDepth: depgraph.DefaultMaxDepth,
	}
}

// FlushStatus is the result of a flush request.
type FlushStatus int

const (
	// NothingToDo means there was no accumulating batch, it was empty, or it
	// was already claimed by a worker.
	NothingToDo FlushStatus = iota
	// Scheduled means a batch was swapped out and queued for a worker.
	Scheduled
)

// String returns the status name.
func (s FlushStatus) String() string {
	switch s {
	case NothingToDo:
		return "nothing_to_do"
	case Scheduled:
		return "scheduled"
	default:
		return fmt.Sprintf("FlushStatus(%d)", int(s))
	}
}

// Flush reasons reported in FlushOutcome.
const (
	ReasonThreshold = "threshold"
	ReasonTimeout   = "timeout"
	ReasonForced    = "forced"
	ReasonIdle      = "idle"
	ReasonShutdown  = "shutdown"
)

// FlushOutcome describes a flush request.
type FlushOutcome struct {
	Status     FlushStatus `json:"status"`
	Generation uint64      `json:"generation,omitempty"`
	Writes     int         `json:"writes"`
	Edges      int         `json:"edges"`
	Reason     string      `json:"reason,omitempty"`
}

// Scheduler owns the accumulating batch and the worker pool that flushes it.
// All methods are safe for concurrent use.
type Scheduler struct {
	engine   storage.Engine
	concepts storage.ConceptManager
	batcher  *depgraph.Batcher
	config   Config
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.OptimizationMetrics
	now      func() time.Time

	mu         sync.Mutex
	work       *sync.Cond // signalled when the queue grows or stopping is set
	current    *ClusteringBatch
	generation uint64
	queue      []*ClusteringBatch
	active     int
	idle       chan struct{} // closed while queue is empty and no batch is active
	closed     bool
	stopping   bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	group     errgroup.Group
	stopSweep chan struct{}
	done      chan struct{}

	// Stats
	swaps           int64
	nothingToDo     int64
	countTriggers   int64
	ageTriggers     int64
	idleFlushes     int64
	clusterCalls    int64
	scopedCalls     int64
	edgesReplayed   int64
	deadLettered    int64
	deadLetterFails int64
	lastFlush       time.Time
	lastErr         string
}

// New creates a Scheduler that flushes to engine and concepts and starts its
// workers. A nil config uses DefaultConfig. Call Close to drain and stop.
func New(engine storage.Engine, concepts storage.ConceptManager, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.IdleFlushAfter == 0 {
		cfg.IdleFlushAfter = 3 * cfg.Timeout
	}
	if cfg.MaxDependencyDepth <= 0 {
		cfg.MaxDependencyDepth = depgraph.DefaultMaxDepth
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = noop.NewTracerProvider()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine:    engine,
		concepts:  concepts,
		batcher:   depgraph.NewBatcher(cfg.Graph, cfg.MaxDependencyDepth),
		config:    cfg,
		logger:    cfg.Logger,
		tracer:    cfg.TracerProvider.Tracer("github.com/orneryd/memopt/pkg/batch"),
		metrics:   cfg.Metrics,
		now:       time.Now,
		idle:      make(chan struct{}),
		baseCtx:   baseCtx,
		cancel:    cancel,
		stopSweep: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.work = sync.NewCond(&s.mu)
	close(s.idle)

	for range cfg.Workers {
		s.group.Go(s.worker)
	}
	if cfg.IdleFlushAfter > 0 {
		s.group.Go(s.sweep)
	}
	go func() {
		_ = s.group.Wait()
		close(s.done)
	}()

	return s
}

// Graph returns the dependency graph used to scope clustering.
func (s *Scheduler) Graph() *depgraph.Graph { return s.batcher.Graph() }

// Batcher returns the dependency batcher used to group flushed writes.
func (s *Scheduler) Batcher() *depgraph.Batcher { return s.batcher }

// AddWrite appends entry to the accumulating batch, starting a new batch if
// there is none. It reports whether the batch has now reached the write
// threshold or its age has passed the timeout. The caller is expected to call
// MaybeFlush when it returns true.
func (s *Scheduler) AddWrite(entry storage.Entry) (bool, error) {
	return s.Accept(entry, nil, nil)
}

// Accept adds entry and edges to the accumulating batch as one step. stamp,
// if non-nil, runs under the scheduler lock after the closed check and may
// fill in entry before it is queued, so nothing it records survives a
// rejected write. stamp must not call back into the Scheduler.
func (s *Scheduler) Accept(entry storage.Entry, edges []storage.Edge, stamp func(*storage.Entry)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if stamp != nil {
		stamp(&entry)
	}

	now := s.now()
	b := s.currentLocked(now)
	for _, e := range edges {
		b.addEdge(e)
	}
	b.add(entry)
	s.metrics.WriteAccepted()

	_, triggered := s.triggerLocked(now)
	return triggered, nil
}

// AddEdge appends a relationship edge to the accumulating batch. Edges do not
// count toward the write threshold.
func (s *Scheduler) AddEdge(source, target string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.currentLocked(s.now()).addEdge(storage.Edge{Source: source, Target: target, Weight: weight})
	return nil
}

// MaybeFlush swaps out and queues the accumulating batch if it has reached
// the write threshold or the timeout. Otherwise it reports NothingToDo.
func (s *Scheduler) MaybeFlush() FlushOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason, ok := s.triggerLocked(s.now())
	if !ok {
		s.nothingToDo++
		return FlushOutcome{Status: NothingToDo}
	}
	switch reason {
	case ReasonThreshold:
		s.countTriggers++
	case ReasonTimeout:
		s.ageTriggers++
	}
	return s.swapLocked(reason)
}

// Flush swaps out and queues the accumulating batch regardless of its size
// or age. An empty or already-claimed batch reports NothingToDo.
func (s *Scheduler) Flush() FlushOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(ReasonForced)
}

// WaitIdle blocks until every queued batch has been processed or ctx is done.
// Batches accumulating but not yet swapped are not waited for.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses further writes, queues the accumulating batch, waits for the
// workers to drain the queue and stops them. If ctx expires first, in-flight
// engine calls are cancelled and ctx.Err is returned once the workers exit.
// Close is idempotent.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.swapLocked(ReasonShutdown)
		s.stopping = true
		close(s.stopSweep)
		s.work.Broadcast()
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

// currentLocked returns the accumulating batch, creating it if needed. A
// claimed batch never accepts appends, so it is replaced too.
func (s *Scheduler) currentLocked(now time.Time) *ClusteringBatch {
	if s.current == nil || s.current.IsProcessing() {
		s.generation++
		s.current = newBatch(s.generation, now)
	}
	return s.current
}

// triggerLocked reports whether the accumulating batch should be flushed.
func (s *Scheduler) triggerLocked(now time.Time) (string, bool) {
	b := s.current
	if b == nil || b.Len() == 0 {
		return "", false
	}
	if b.Len() >= s.config.Threshold {
		return ReasonThreshold, true
	}
	if b.Age(now) >= s.config.Timeout {
		return ReasonTimeout, true
	}
	return "", false
}

// swapLocked detaches the accumulating batch and queues it. The pending count
// resets with the detach since the next write starts a new batch.
func (s *Scheduler) swapLocked(reason string) FlushOutcome {
	b := s.current
	if b == nil || b.Empty() || !b.markProcessing() {
		s.nothingToDo++
		return FlushOutcome{Status: NothingToDo, Reason: reason}
	}
	s.current = nil
	s.swaps++

	s.queue = append(s.queue, b)
	s.markBusyLocked()
	s.work.Signal()

	return FlushOutcome{
		Status:     Scheduled,
		Generation: b.Generation,
		Writes:     b.Len(),
		Edges:      len(b.edges),
		Reason:     reason,
	}
}

func (s *Scheduler) markBusyLocked() {
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
}

func (s *Scheduler) markIdleLocked() {
	if len(s.queue) > 0 || s.active > 0 {
		return
	}
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

// worker processes queued batches until the scheduler stops and the queue is
// empty.
func (s *Scheduler) worker() error {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopping {
			s.work.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		b := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.active++
		s.mu.Unlock()

		s.processSafely(b)

		s.mu.Lock()
		s.active--
		s.lastFlush = s.now()
		s.markIdleLocked()
		s.mu.Unlock()
	}
}

// processSafely runs process and keeps the worker alive if anything outside
// the guarded collaborator calls panics.
func (s *Scheduler) processSafely(b *ClusteringBatch) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: process: %v", ErrFlushPanic, r)
			s.metrics.BatchProcessed(true)
			s.mu.Lock()
			s.lastErr = err.Error()
			s.mu.Unlock()
			s.logger.Error("batch flush failed", "generation", b.Generation, "error", err)
		}
	}()
	s.process(s.baseCtx, b)
}

// sweep flushes batches that have gone idle.
func (s *Scheduler) sweep() error {
	interval := max(s.config.IdleFlushAfter/2, minSweepInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return nil
		case <-ticker.C:
			s.mu.Lock()
			if b := s.current; b != nil && !b.Empty() && b.Age(s.now()) >= s.config.IdleFlushAfter {
				if out := s.swapLocked(ReasonIdle); out.Status == Scheduled {
					s.idleFlushes++
					s.logger.Debug("flushing idle batch", "generation", out.Generation, "writes", out.Writes)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Stats holds scheduler statistics.
type Stats struct {
	Pending           int           `json:"pending"`
	PendingEdges      int           `json:"pending_edges"`
	CurrentGeneration uint64        `json:"current_generation"`
	QueueDepth        int           `json:"queue_depth"`
	InFlight          int           `json:"in_flight"`
	Swaps             int64         `json:"swaps"`
	NothingToDo       int64         `json:"nothing_to_do"`
	CountTriggers     int64         `json:"count_triggers"`
	AgeTriggers       int64         `json:"age_triggers"`
	IdleFlushes       int64         `json:"idle_flushes"`
	ClusterCalls      int64         `json:"cluster_calls"`
	ScopedCalls       int64         `json:"scoped_calls"`
	EdgesReplayed     int64         `json:"edges_replayed"`
	DeadLettered      int64         `json:"dead_lettered"`
	DeadLetterFails   int64         `json:"dead_letter_failures"`
	Threshold         int           `json:"threshold"`
	Timeout           time.Duration `json:"timeout"`
	Workers           int           `json:"workers"`
	Closed            bool          `json:"closed"`
	LastFlush         time.Time     `json:"last_flush,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		CurrentGeneration: s.generation,
		QueueDepth:        len(s.queue),
		InFlight:          s.active,
		Swaps:             s.swaps,
		NothingToDo:       s.nothingToDo,
		CountTriggers:     s.countTriggers,
		AgeTriggers:       s.ageTriggers,
		IdleFlushes:       s.idleFlushes,
		ClusterCalls:      s.clusterCalls,
		ScopedCalls:       s.scopedCalls,
		EdgesReplayed:     s.edgesReplayed,
		DeadLettered:      s.deadLettered,
		DeadLetterFails:   s.deadLetterFails,
		Threshold:         s.config.Threshold,
		Timeout:           s.config.Timeout,
		Workers:           s.config.Workers,
		Closed:            s.closed,
		LastFlush:         s.lastFlush,
		LastError:         s.lastErr,
	}
	if s.current != nil {
		st.Pending = s.current.Len()
		st.PendingEdges = len(s.current.edges)
	}
	return st
}
