package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/memopt/pkg/depgraph"
	"github.com/orneryd/memopt/pkg/metrics"
	"github.com/orneryd/memopt/pkg/storage"
)

// ErrFlushPanic wraps a panic recovered from a collaborator during a flush.
var ErrFlushPanic = errors.New("batch: collaborator panicked during flush")

// guard runs fn, converting a panic into an error wrapping ErrFlushPanic.
func guard(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrFlushPanic, step, r)
		}
	}()
	return fn()
}

// flushReport is what one batch flush did.
type flushReport struct {
	acked        []storage.Entry
	failed       []storage.Entry
	groups       int
	clustered    bool
	scopedCalls  int
	edgesWritten int
	conceptsLost bool
	edgesLost    bool
	err          error
}

// process flushes b. It is called by exactly one worker per batch.
//
// Order of work: group the writes by dependency closure, write every entry to
// the engine once, update the concept union once, replay edges, then run one
// scoped clustering pass per group. A failing step is recorded and the
// remaining steps still run.
func (s *Scheduler) process(ctx context.Context, b *ClusteringBatch) {
	start := s.now()
	concepts := b.Concepts()

	ctx, span := s.tracer.Start(ctx, "batch.flush", trace.WithAttributes(
		attribute.Int64("batch.generation", int64(b.Generation)),
		attribute.Int("batch.writes", b.Len()),
		attribute.Int("batch.concepts", len(concepts)),
		attribute.Int("batch.edges", len(b.edges)),
	))
	defer span.End()

	report := s.flush(ctx, b, concepts)
	elapsed := s.metrics.Since(metrics.PhaseFlush, start)

	s.metrics.WritesFlushed(len(report.acked))
	if report.clustered {
		withConcepts := 0
		for _, e := range b.writes {
			if len(e.Concepts) > 0 {
				withConcepts++
			}
		}
		s.metrics.ClusteringAvoided(withConcepts - 1)
	}
	s.metrics.BatchProcessed(report.err != nil)

	s.mu.Lock()
	if report.clustered {
		s.clusterCalls++
	}
	s.scopedCalls += int64(report.scopedCalls)
	s.edgesReplayed += int64(report.edgesWritten)
	if report.err != nil {
		s.lastErr = report.err.Error()
	}
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("batch.groups", report.groups),
		attribute.Int("batch.written", len(report.acked)),
	)

	if s.config.OnFlushed != nil && len(report.acked) > 0 {
		if err := guard("on flushed", func() error {
			s.config.OnFlushed(b.Generation, report.acked)
			return nil
		}); err != nil {
			s.logger.Error("flush callback failed", "generation", b.Generation, "error", err)
		}
	}

	if report.err == nil {
		s.logger.Debug("batch flushed",
			"generation", b.Generation,
			"writes", len(report.acked),
			"concepts", len(concepts),
			"groups", report.groups,
			"elapsed", elapsed)
		return
	}

	span.RecordError(report.err)
	span.SetStatus(codes.Error, "batch flush failed")
	s.metrics.WritesFailed(len(report.failed))
	s.logger.Error("batch flush failed",
		"generation", b.Generation,
		"writes", b.Len(),
		"failed_writes", len(report.failed),
		"error", report.err)

	s.bury(ctx, b, concepts, report)
}

func (s *Scheduler) flush(ctx context.Context, b *ClusteringBatch, concepts []string) flushReport {
	var report flushReport
	var errs []error

	groups := depgraph.Batch(s.batcher, b.writes)
	report.groups = len(groups)

	for _, e := range b.writes {
		err := guard("write", func() error {
			_, err := s.engine.Write(ctx, e.GoalID, e.PluginName, e.Payload)
			return err
		})
		if err != nil {
			report.failed = append(report.failed, e)
			errs = append(errs, fmt.Errorf("write %s/%s: %w", e.GoalID, e.PluginName, err))
			continue
		}
		report.acked = append(report.acked, e)
	}

	if len(concepts) > 0 && s.concepts != nil {
		err := guard("update concepts", func() error {
			_, err := s.concepts.UpdateConcepts(ctx, concepts)
			return err
		})
		if err != nil {
			report.conceptsLost = true
			errs = append(errs, fmt.Errorf("update concepts: %w", err))
		} else {
			report.clustered = true
		}
	}

	if sink, ok := s.concepts.(storage.EdgeSink); ok && len(b.edges) > 0 {
		if err := guard("replay edges", func() error { return sink.AddEdges(ctx, b.edges) }); err != nil {
			report.edgesLost = true
			errs = append(errs, fmt.Errorf("replay edges: %w", err))
		} else {
			report.edgesWritten = len(b.edges)
		}
	}

	if sc, ok := s.concepts.(storage.ScopedClusterer); ok && report.clustered {
		for _, group := range groups {
			var touched []string
			for _, e := range group {
				touched = append(touched, e.Concepts...)
			}
			scope := s.batcher.Graph().Closure(touched, s.batcher.MaxDepth())
			if len(scope) == 0 {
				continue
			}
			if err := guard("cluster scope", func() error { return sc.ClusterScope(ctx, scope.Sorted()) }); err != nil {
				errs = append(errs, fmt.Errorf("cluster scope: %w", err))
				continue
			}
			report.scopedCalls++
		}
	}

	report.err = errors.Join(errs...)
	return report
}

// bury hands whatever the failed flush did not deliver to the dead-letter
// sink. It runs even if the scheduler's context was cancelled.
func (s *Scheduler) bury(ctx context.Context, b *ClusteringBatch, concepts []string, report flushReport) {
	if s.config.DeadLetters == nil {
		return
	}

	letter := storage.DeadLetter{
		Generation: b.Generation,
		Entries:    report.failed,
		Reason:     report.err.Error(),
		FailedAt:   time.Now(),
	}
	if report.conceptsLost {
		letter.Concepts = concepts
	}
	if report.edgesLost {
		letter.Edges = b.edges
	}

	err := guard("bury", func() error {
		return s.config.DeadLetters.Bury(context.WithoutCancel(ctx), letter)
	})

	s.mu.Lock()
	if err != nil {
		s.deadLetterFails++
	} else {
		s.deadLettered++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("dead-letter failed", "generation", b.Generation, "error", err)
	}
}
