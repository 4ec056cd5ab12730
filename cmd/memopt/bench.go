package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/memopt/pkg/config"
	"github.com/orneryd/memopt/pkg/optimizer"
	"github.com/orneryd/memopt/pkg/storage"
)

var errSynthetic = errors.New("synthetic plugin failure")

// stores is the engine stack a bench run flushes into.
type stores struct {
	engine      storage.Engine
	concepts    *storage.ConceptIndex
	deadLetters storage.DeadLetterSink
	closer      func() error
}

func (s *stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// openStores builds the configured memory engine. The badger backend also
// serves as the dead-letter sink.
func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	concepts := storage.NewConceptIndex()

	switch cfg.Storage.Backend {
	case config.BackendBadger:
		engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			InMemory:   cfg.Storage.InMemory,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     badgerLogger{logger.With("component", "badger")},
		})
		if err != nil {
			return nil, fmt.Errorf("opening badger: %w", err)
		}
		return &stores{engine: engine, concepts: concepts, deadLetters: engine, closer: engine.Close}, nil
	default:
		engine := storage.NewMemoryEngine()
		return &stores{engine: engine, concepts: concepts, closer: engine.Close}, nil
	}
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, v ...any)   { b.l.Error(fmt.Sprintf(f, v...)) }
func (b badgerLogger) Warningf(f string, v ...any) { b.l.Warn(fmt.Sprintf(f, v...)) }
func (b badgerLogger) Infof(f string, v ...any)    { b.l.Debug(fmt.Sprintf(f, v...)) }
func (b badgerLogger) Debugf(f string, v ...any)   { b.l.Debug(fmt.Sprintf(f, v...)) }

type benchOptions struct {
	Goals       int
	Plugins     int
	Writes      int
	Concurrency int
	FailRate    float64
}

type benchReport struct {
	Executions int64                     `json:"executions"`
	Succeeded  int64                     `json:"succeeded"`
	Failed     int64                     `json:"failed"`
	Rejected   int64                     `json:"rejected"`
	CacheHits  int64                     `json:"cache_hits"`
	Elapsed    time.Duration             `json:"elapsed"`
	Flush      optimizer.FlushResult     `json:"flush"`
	Stats      optimizer.Stats           `json:"stats"`
	Concepts   storage.ConceptIndexStats `json:"concepts"`
}

// shouldFail spreads rate*n failures evenly over n calls.
func shouldFail(i int, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return int(float64(i+1)*rate) > int(float64(i)*rate)
}

// runBenchmark runs opts.Writes plugin executions spread across
// goals x plugins keys, then flushes whatever is still pending.
func runBenchmark(ctx context.Context, opt *optimizer.Optimizer, opts benchOptions) (*benchReport, error) {
	if opts.Goals <= 0 || opts.Plugins <= 0 || opts.Writes < 0 {
		return nil, fmt.Errorf("goals and plugins must be positive, writes non-negative")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	var succeeded, failed, rejected, hits atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < opts.Writes; i++ {
		if gctx.Err() != nil {
			break
		}
		goal := fmt.Sprintf("goal-%d", i%opts.Goals)
		plugin := fmt.Sprintf("plugin-%d", (i/opts.Goals)%opts.Plugins)
		fail := shouldFail(i, opts.FailRate)

		g.Go(func() error {
			res := opt.ExecuteOptimized(gctx, goal, plugin, syntheticPlugin(i, fail), nil)
			if res.CacheHit {
				hits.Add(1)
			}
			switch res.Kind {
			case optimizer.KindSuccess:
				succeeded.Add(1)
			case optimizer.KindPluginFailure:
				failed.Add(1)
			case optimizer.KindShutdownRejection:
				rejected.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &benchReport{
		Executions: succeeded.Load() + failed.Load() + rejected.Load(),
		Succeeded:  succeeded.Load(),
		Failed:     failed.Load(),
		Rejected:   rejected.Load(),
		CacheHits:  hits.Load(),
	}
	report.Flush = opt.FlushPending(ctx)
	report.Elapsed = time.Since(start)
	report.Stats = opt.Stats()
	return report, nil
}

// syntheticPlugin tags each result with a goal-local concept and a shared
// one, and chains consecutive concepts so batches carry dependency edges.
func syntheticPlugin(i int, fail bool) optimizer.PluginFunc {
	return func(ctx context.Context, p optimizer.PluginParams) (optimizer.PluginResult, error) {
		if fail {
			return optimizer.PluginResult{}, fmt.Errorf("call %d: %w", i, errSynthetic)
		}
		local := fmt.Sprintf("%s/topic-%d", p.GoalID, i%5)
		prev := fmt.Sprintf("%s/topic-%d", p.GoalID, (i+4)%5)
		return optimizer.PluginResult{
			Value:    map[string]any{"call": i, "plugin": p.PluginName},
			Concepts: []string{local, "shared"},
			Dependencies: []optimizer.Dependency{
				{Concept: local, DependsOn: prev},
			},
		}, nil
	}
}
