package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemoryEngine(t *testing.T) {
	engine := NewMemoryEngine()
	require.NotNil(t, engine)
	assert.NotNil(t, engine.entries)
	assert.False(t, engine.closed)
	assert.Equal(t, int64(0), engine.WriteCount())
}

func TestMemoryEngine_Write(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		engine := NewMemoryEngine()
		ack, err := engine.Write(ctx, "goal-1", "search", map[string]any{"q": "alpha"})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), ack.Sequence)
		assert.False(t, ack.StoredAt.IsZero())

		entries := engine.Entries("goal-1", "search")
		require.Len(t, entries, 1)
		assert.Equal(t, "alpha", entries[0].Payload["q"])
	})

	t.Run("empty key", func(t *testing.T) {
		engine := NewMemoryEngine()
		_, err := engine.Write(ctx, "", "search", nil)
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = engine.Write(ctx, "goal", "", nil)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("cancelled context", func(t *testing.T) {
		engine := NewMemoryEngine()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := engine.Write(cctx, "goal", "search", nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed", func(t *testing.T) {
		engine := NewMemoryEngine()
		require.NoError(t, engine.Close())
		_, err := engine.Write(ctx, "goal", "search", nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestMemoryEngine_PayloadIsCopied(t *testing.T) {
	engine := NewMemoryEngine()
	payload := map[string]any{"k": "original"}
	_, err := engine.Write(context.Background(), "g", "p", payload)
	require.NoError(t, err)

	payload["k"] = "mutated"
	entries := engine.Entries("g", "p")
	assert.Equal(t, "original", entries[0].Payload["k"])

	entries[0].Payload["k"] = "mutated again"
	assert.Equal(t, "original", engine.Entries("g", "p")[0].Payload["k"])
}

func TestMemoryEngine_Keys(t *testing.T) {
	engine := NewMemoryEngine()
	ctx := context.Background()
	for _, k := range [][2]string{{"b", "x"}, {"a", "y"}, {"a", "x"}} {
		_, err := engine.Write(ctx, k[0], k[1], nil)
		require.NoError(t, err)
	}
	assert.Equal(t, [][2]string{{"a", "x"}, {"a", "y"}, {"b", "x"}}, engine.Keys())
}

func TestMemoryEngine_ConcurrentWrites(t *testing.T) {
	engine := NewMemoryEngine()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			_, _ = engine.Write(context.Background(), "goal", fmt.Sprintf("p%d", i%4), map[string]any{"i": i})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), engine.WriteCount())
	total := 0
	for _, k := range engine.Keys() {
		total += len(engine.Entries(k[0], k[1]))
	}
	assert.Equal(t, n, total)
}
