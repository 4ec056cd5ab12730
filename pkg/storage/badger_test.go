package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestBadgerEngine creates an in-memory Badger engine for testing.
func createTestBadgerEngine(t *testing.T) *BadgerEngine {
	t.Helper()
	engine, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestBadgerEngine_WriteAndEntries(t *testing.T) {
	engine := createTestBadgerEngine(t)
	ctx := context.Background()

	for i := range 3 {
		ack, err := engine.Write(ctx, "goal-1", "search", map[string]any{"i": i})
		require.NoError(t, err)
		assert.NotEmpty(t, ack.EntryID)
	}
	_, err := engine.Write(ctx, "goal-1", "summarize", map[string]any{"i": 99})
	require.NoError(t, err)

	entries, err := engine.Entries("goal-1", "search")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		// JSON numbers decode as float64
		assert.Equal(t, float64(i), e.Payload["i"], "entries must come back in write order")
		assert.Equal(t, "goal-1", e.GoalID)
		assert.Equal(t, "search", e.PluginName)
	}

	assert.Equal(t, int64(4), engine.Stats().Entries)
	assert.True(t, engine.IsInMemory())
}

func TestBadgerEngine_PrefixIsolation(t *testing.T) {
	engine := createTestBadgerEngine(t)
	ctx := context.Background()

	_, err := engine.Write(ctx, "goal", "plug", nil)
	require.NoError(t, err)
	_, err = engine.Write(ctx, "goal", "plugin", nil)
	require.NoError(t, err)

	entries, err := engine.Entries("goal", "plug")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBadgerEngine_InvalidKey(t *testing.T) {
	engine := createTestBadgerEngine(t)
	ctx := context.Background()

	_, err := engine.Write(ctx, "", "p", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = engine.Write(ctx, "g\x00x", "p", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = engine.Entries("g", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestBadgerEngine_DeadLetters(t *testing.T) {
	engine := createTestBadgerEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Bury(ctx, DeadLetter{
		Generation: 7,
		Entries:    []Entry{{GoalID: "g", PluginName: "p"}},
		Reason:     "engine down",
	}))
	require.NoError(t, engine.Bury(ctx, DeadLetter{Generation: 8, Reason: "again"}))

	letters, err := engine.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, uint64(7), letters[0].Generation)
	assert.NotEmpty(t, letters[0].ID)
	assert.False(t, letters[0].FailedAt.IsZero())
	assert.Len(t, letters[0].Entries, 1)
	assert.Equal(t, uint64(8), letters[1].Generation)
	assert.Equal(t, int64(2), engine.Stats().DeadLetters)
}

func TestBadgerEngine_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	engine, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	_, err = engine.Write(ctx, "g", "p", map[string]any{"v": "kept"})
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	reopened, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(1), reopened.Stats().Entries)
	entries, err := reopened.Entries("g", "p")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Payload["v"])

	_, err = reopened.Write(ctx, "g", "p", map[string]any{"v": "next"})
	require.NoError(t, err)
	entries, err = reopened.Entries("g", "p")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "next", entries[1].Payload["v"], "sequence must continue after reopen")
}

func TestBadgerEngine_Closed(t *testing.T) {
	engine, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close(), "Close must be idempotent")

	_, err = engine.Write(context.Background(), "g", "p", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, engine.Bury(context.Background(), DeadLetter{}), ErrClosed)
	_, err = engine.DeadLetters()
	assert.ErrorIs(t, err, ErrClosed)
}
