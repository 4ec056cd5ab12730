package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/memopt/pkg/batch"
	"github.com/orneryd/memopt/pkg/cache"
)

var (
	// ErrShutdown is returned for any write or execution after Close.
	ErrShutdown = errors.New("optimizer: shut down")

	// ErrPluginPanic wraps a panic recovered from a plugin function.
	ErrPluginPanic = errors.New("optimizer: plugin panicked")

	// ErrFlushFailed is returned by FlushPending when a batch failed while it
	// was waiting.
	ErrFlushFailed = errors.New("optimizer: flush failed")

	// ErrInvalidRequest is returned when a goal id or plugin name is empty.
	ErrInvalidRequest = errors.New("optimizer: goal id and plugin name are required")
)

// Kind tags the outcome of a facade call so callers can branch without
// inspecting errors.
type Kind int

const (
	// KindSuccess means the call did what was asked.
	KindSuccess Kind = iota
	// KindPluginFailure means the plugin returned an error or panicked. The
	// failure was recorded as a memory write.
	KindPluginFailure
	// KindFlushFailure means a flush did not complete.
	KindFlushFailure
	// KindShutdownRejection means the optimizer was closed and the call was
	// refused.
	KindShutdownRejection
	// KindInvalidRequest means the goal id or plugin name was empty.
	KindInvalidRequest
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindPluginFailure:
		return "plugin_failure"
	case KindFlushFailure:
		return "flush_failure"
	case KindShutdownRejection:
		return "shutdown_rejection"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Dependency declares that Concept depends on DependsOn. The pair is recorded
// in the dependency graph and replayed as a relationship edge with Weight.
// A zero Weight is recorded as 1.
type Dependency struct {
	Concept   string  `json:"concept"`
	DependsOn string  `json:"depends_on"`
	Weight    float64 `json:"weight,omitempty"`
}

// MemoryEntry is one write submitted to WriteMemory.
type MemoryEntry struct {
	Payload      map[string]any `json:"payload,omitempty"`
	Concepts     []string       `json:"concepts,omitempty"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
}

// WriteResult reports what WriteMemory did. Success means the write was
// accepted into the cache and the pending batch, not that it has reached the
// memory engine.
type WriteResult struct {
	Kind                Kind                `json:"kind"`
	Success             bool                `json:"success"`
	Elapsed             time.Duration       `json:"elapsed"`
	ClusteringTriggered bool                `json:"clustering_triggered"`
	WriteCount          int64               `json:"write_count"`
	EntryID             string              `json:"entry_id,omitempty"`
	Flush               *batch.FlushOutcome `json:"flush,omitempty"`
	Err                 error               `json:"-"`
}

// PluginParams is what a plugin function receives.
type PluginParams struct {
	GoalID     string
	PluginName string

	// Memory is the cached context for (GoalID, PluginName). It is shared
	// with other callers of the same key.
	Memory *cache.MemoryContext

	// Args holds plugin-specific arguments.
	Args map[string]any
}

// PluginResult is what a plugin function returns. Concepts and Dependencies
// are attached to the memory write that records the outcome.
type PluginResult struct {
	Value        any
	Concepts     []string
	Dependencies []Dependency
}

// PluginFunc is one unit of plugin work.
type PluginFunc func(ctx context.Context, params PluginParams) (PluginResult, error)

// Timings breaks down where ExecuteOptimized spent its time.
type Timings struct {
	Context time.Duration `json:"context"`
	Plugin  time.Duration `json:"plugin"`
	Write   time.Duration `json:"write"`
	Total   time.Duration `json:"total"`
}

// ExecutionResult reports what ExecuteOptimized did. Exactly one of Value and
// Err is meaningful, depending on Success.
type ExecutionResult struct {
	Kind     Kind        `json:"kind"`
	Success  bool        `json:"success"`
	Value    any         `json:"value,omitempty"`
	Err      error       `json:"-"`
	Timings  Timings     `json:"timings"`
	CacheHit bool        `json:"cache_hit"`
	Write    WriteResult `json:"write"`
}

// FlushResult reports what FlushPending did.
type FlushResult struct {
	Kind          Kind               `json:"kind"`
	Success       bool               `json:"success"`
	Outcome       batch.FlushOutcome `json:"outcome"`
	Elapsed       time.Duration      `json:"elapsed"`
	FailedBatches int64              `json:"failed_batches"`
	Err           error              `json:"-"`
}
