package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/memopt/pkg/config"
	"github.com/orneryd/memopt/pkg/optimizer"
)

func newBenchOptimizer(t *testing.T, backend string) (*optimizer.Optimizer, *stores) {
	t.Helper()
	cfg := config.LoadDefaults()
	cfg.Storage.Backend = backend
	cfg.Storage.InMemory = true
	cfg.Optimizer.ClusteringThreshold = 8
	cfg.Optimizer.IdleFlushAfter = -1

	logger := slog.New(slog.DiscardHandler)
	st, err := openStores(cfg, logger)
	require.NoError(t, err)

	optCfg := cfg.OptimizerConfig(logger)
	optCfg.DeadLetters = st.deadLetters
	optCfg.Registerer = prometheus.NewRegistry()
	opt, err := optimizer.New(st.engine, st.concepts, optCfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, opt.Close(ctx))
		assert.NoError(t, st.Close())
	})
	return opt, st
}

func TestShouldFail(t *testing.T) {
	count := func(rate float64) int {
		n := 0
		for i := 0; i < 100; i++ {
			if shouldFail(i, rate) {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 0, count(0))
	assert.Equal(t, 10, count(0.1))
	assert.Equal(t, 25, count(0.25))
	assert.Equal(t, 100, count(1))
}

func TestRunBenchmark(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			opt, st := newBenchOptimizer(t, backend)

			report, err := runBenchmark(context.Background(), opt, benchOptions{
				Goals:       3,
				Plugins:     2,
				Writes:      120,
				Concurrency: 6,
				FailRate:    0.1,
			})
			require.NoError(t, err)

			assert.EqualValues(t, 120, report.Executions)
			assert.EqualValues(t, 108, report.Succeeded)
			assert.EqualValues(t, 12, report.Failed)
			assert.True(t, report.Flush.Success)
			assert.Zero(t, report.Stats.Scheduler.Pending)
			assert.EqualValues(t, 120, report.Stats.Metrics.WritesFlushed)
			assert.Greater(t, report.Stats.ClusteringAvoided, int64(0))
			assert.LessOrEqual(t, report.CacheHits, int64(120))
			assert.Greater(t, st.concepts.Stats().Edges, 0)
		})
	}
}

func TestRunBenchmark_RejectsBadOptions(t *testing.T) {
	opt, _ := newBenchOptimizer(t, config.BackendMemory)

	_, err := runBenchmark(context.Background(), opt, benchOptions{Goals: 0, Plugins: 1})
	assert.Error(t, err)
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("MEMOPT_CLUSTERING_THRESHOLD", "17")

	cmd := &cobra.Command{RunE: runConfig}
	cmd.Flags().String("config", "", "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var cfg config.Config
	require.NoError(t, json.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, 17, cfg.Optimizer.ClusteringThreshold)
}
