// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements Engine and DeadLetterSink.

package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixEntry      = byte(0x01) // entry:goal:plugin:seq -> JSON(Entry)
	prefixDeadLetter = byte(0x02) // dead:seq -> JSON(DeadLetter)
	prefixSequence   = byte(0x7f) // sequence leases
)

// sequenceBandwidth is how many sequence numbers Badger leases at a time.
const sequenceBandwidth = 256

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Entries: 0x01 + goalID + 0x00 + pluginName + 0x00 + seq(8 bytes BE) -> JSON(Entry)
//   - Dead letters: 0x02 + seq(8 bytes BE) -> JSON(DeadLetter)
//
// The big-endian sequence suffix keeps every (goal, plugin) prefix scan in
// write order.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/memopt")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db       *badger.DB
	entrySeq *badger.Sequence
	deadSeq  *badger.Sequence
	inMemory bool

	mu     sync.RWMutex
	closed bool

	// Cached counts for O(1) stats lookups
	entryCount atomic.Int64
	deadCount  atomic.Int64
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is disabled.
	Logger badger.Logger
}

// NewBadgerEngine creates a persistent engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions creates an engine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// A nil logger silences Badger
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	entrySeq, err := db.GetSequence([]byte{prefixSequence, 'e'}, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to lease entry sequence: %w", err)
	}
	deadSeq, err := db.GetSequence([]byte{prefixSequence, 'd'}, sequenceBandwidth)
	if err != nil {
		entrySeq.Release()
		db.Close()
		return nil, fmt.Errorf("failed to lease dead-letter sequence: %w", err)
	}

	engine := &BadgerEngine{
		db:       db,
		entrySeq: entrySeq,
		deadSeq:  deadSeq,
		inMemory: opts.InMemory,
	}

	// Initialize cached counts by scanning existing data (one-time cost)
	if err := engine.initializeCounts(); err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to initialize counts: %w", err)
	}

	return engine, nil
}

// IsInMemory returns true if the engine is running in memory-only mode.
func (b *BadgerEngine) IsInMemory() bool {
	return b.inMemory
}

func entryPrefix(goalID, pluginName string) []byte {
	key := make([]byte, 0, 1+len(goalID)+1+len(pluginName)+1)
	key = append(key, prefixEntry)
	key = append(key, goalID...)
	key = append(key, 0x00)
	key = append(key, pluginName...)
	key = append(key, 0x00)
	return key
}

func entryKey(goalID, pluginName string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(entryPrefix(goalID, pluginName), seq)
}

func deadLetterKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixDeadLetter}, seq)
}

func validKeyPart(s string) bool {
	return s != "" && !strings.ContainsRune(s, 0x00)
}

// Write persists one entry for (goalID, pluginName).
func (b *BadgerEngine) Write(ctx context.Context, goalID, pluginName string, payload map[string]any) (Ack, error) {
	if !validKeyPart(goalID) || !validKeyPart(pluginName) {
		return Ack{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Ack{}, ErrClosed
	}

	seq, err := b.entrySeq.Next()
	if err != nil {
		return Ack{}, fmt.Errorf("next entry sequence: %w", err)
	}

	now := time.Now()
	entry := Entry{
		ID:         uuid.NewString(),
		GoalID:     goalID,
		PluginName: pluginName,
		Payload:    payload,
		Timestamp:  now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode entry: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(goalID, pluginName, seq), data)
	})
	if err != nil {
		return Ack{}, err
	}

	b.entryCount.Add(1)
	return Ack{EntryID: entry.ID, Sequence: seq, StoredAt: now}, nil
}

// Entries returns every entry stored for (goalID, pluginName) in write order.
func (b *BadgerEngine) Entries(goalID, pluginName string) ([]Entry, error) {
	if !validKeyPart(goalID) || !validKeyPart(pluginName) {
		return nil, ErrInvalidKey
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	err := b.scanPrefix(entryPrefix(goalID, pluginName), func(val []byte) error {
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Bury stores a failed batch. Implements DeadLetterSink.
func (b *BadgerEngine) Bury(ctx context.Context, letter DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	seq, err := b.deadSeq.Next()
	if err != nil {
		return fmt.Errorf("next dead-letter sequence: %w", err)
	}
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now()
	}

	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deadLetterKey(seq), data)
	})
	if err != nil {
		return err
	}

	b.deadCount.Add(1)
	return nil
}

// DeadLetters returns all buried batches, oldest first.
func (b *BadgerEngine) DeadLetters() ([]DeadLetter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var letters []DeadLetter
	err := b.scanPrefix([]byte{prefixDeadLetter}, func(val []byte) error {
		var dl DeadLetter
		if err := json.Unmarshal(val, &dl); err != nil {
			return fmt.Errorf("failed to decode dead letter: %w", err)
		}
		letters = append(letters, dl)
		return nil
	})
	return letters, err
}

// BadgerStats holds cached engine counts.
type BadgerStats struct {
	Entries     int64 `json:"entries"`
	DeadLetters int64 `json:"dead_letters"`
}

// Stats returns cached counts in O(1).
func (b *BadgerEngine) Stats() BadgerStats {
	return BadgerStats{
		Entries:     b.entryCount.Load(),
		DeadLetters: b.deadCount.Load(),
	}
}

// Close releases sequence leases and closes the database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.entrySeq != nil {
		_ = b.entrySeq.Release()
	}
	if b.deadSeq != nil {
		_ = b.deadSeq.Release()
	}
	return b.db.Close()
}

func (b *BadgerEngine) initializeCounts() error {
	var entries, dead int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			switch it.Item().Key()[0] {
			case prefixEntry:
				entries++
			case prefixDeadLetter:
				dead++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.entryCount.Store(entries)
	b.deadCount.Store(dead)
	return nil
}

// scanPrefix calls fn with the value of every key under prefix, in key order.
func (b *BadgerEngine) scanPrefix(prefix []byte, fn func(val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}
			if err := item.Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

var (
	_ Engine         = (*BadgerEngine)(nil)
	_ DeadLetterSink = (*BadgerEngine)(nil)
)
