package storage

import (
	"bytes"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const walFileName = "wal.log"

// engineState is the lifecycle state machine: Closed -> Opening -> Open ->
// Closing -> Closed. Reads, writes, and stats are only legal in Open.
type engineState int32

const (
	stateClosed engineState = iota
	stateOpening
	stateOpen
	stateClosing
)

// EngineConfig holds the recognized configuration knobs, each with the
// defaults called for by the storage core.
type EngineConfig struct {
	DataDirectory            string
	MemtableFlushThreshold   int
	CheckpointInterval       time.Duration
	MaxSSTablesBeforeCompact int
	Logger                   *zap.Logger
}

// DefaultEngineConfig returns the default knobs for a store rooted at dataDir.
func DefaultEngineConfig(dataDir string) EngineConfig {
	return EngineConfig{
		DataDirectory:            dataDir,
		MemtableFlushThreshold:   10000,
		CheckpointInterval:       60 * time.Second,
		MaxSSTablesBeforeCompact: 10,
	}
}

// StoreStats is the snapshot returned by Engine.Stats.
type StoreStats struct {
	MemtableSize  int64
	DeletedCount  int
	SSTableCount  int
	TotalEntries  int64
	TotalBytes    int64
	WalBytes      int64
}

// KV is one entry of a ReadKeyRange result.
type KV struct {
	Key   []byte
	Value []byte
}

// Engine is the outward-facing storage API: it orchestrates the WAL, the
// memtable/deleted-set pair, and the SSTable Manager behind a single
// reader-writer lock over its mutable state.
type Engine struct {
	state int32 // engineState, accessed atomically

	config  EngineConfig
	log     *zap.Logger
	dirLock *dirLock
	wal     *WAL
	manager *Manager

	mu             sync.RWMutex
	memtable       *Memtable
	deleted        *DeletedSet
	writeCount     int
	lastCheckpoint time.Time
}

// Open acquires the directory lock, loads the SSTable manager, replays the
// WAL into a fresh memtable/deleted set, and returns a ready Engine.
func Open(config EngineConfig) (*Engine, error) {
	logger := config.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
	}

	e := &Engine{config: config, log: logger}
	atomic.StoreInt32(&e.state, int32(stateOpening))

	lock, err := acquireDirLock(config.DataDirectory)
	if err != nil {
		atomic.StoreInt32(&e.state, int32(stateClosed))
		return nil, err
	}
	e.dirLock = lock

	manager, err := OpenManager(config.DataDirectory, config.MaxSSTablesBeforeCompact, logger)
	if err != nil {
		_ = lock.Release()
		atomic.StoreInt32(&e.state, int32(stateClosed))
		return nil, err
	}
	e.manager = manager

	wal, err := OpenWAL(filepath.Join(config.DataDirectory, walFileName), logger)
	if err != nil {
		_ = lock.Release()
		atomic.StoreInt32(&e.state, int32(stateClosed))
		return nil, err
	}
	e.wal = wal

	e.memtable = NewMemtable()
	e.deleted = NewDeletedSet()
	if err := wal.Replay(func(op string, key, value []byte, timestamp int64) {
		switch op {
		case OpPut:
			e.memtable.Put(key, value)
			e.deleted.Remove(key)
		case OpDelete:
			e.memtable.Remove(key)
			e.deleted.Add(key)
		}
	}); err != nil {
		_ = lock.Release()
		atomic.StoreInt32(&e.state, int32(stateClosed))
		return nil, err
	}

	e.lastCheckpoint = time.Now()
	atomic.StoreInt32(&e.state, int32(stateOpen))
	e.log.Info("engine open",
		zap.String("data_dir", config.DataDirectory),
		zap.Int("sstables", manager.TableCount()),
		zap.Int64("memtable_entries", e.memtable.Len()))
	return e, nil
}

func (e *Engine) requireOpen() error {
	if engineState(atomic.LoadInt32(&e.state)) != stateOpen {
		return &ClosedErr{}
	}
	return nil
}

// Put stores key/value. Returns false with no side effects if either is nil.
func (e *Engine) Put(key, value []byte) (bool, error) {
	if err := e.requireOpen(); err != nil {
		return false, err
	}
	if key == nil || value == nil {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UnixMilli()
	if _, err := e.wal.Append(Record{Op: OpPut, Key: key, Value: value, Timestamp: now}); err != nil {
		return false, err
	}

	e.memtable.Put(key, value)
	e.deleted.Remove(key)
	e.writeCount++
	if err := e.maybeFlushAndCheckpointLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Read returns key's current value, consulting the deleted set, then the
// memtable, then the manager's SSTables.
func (e *Engine) Read(key []byte) ([]byte, bool, error) {
	if err := e.requireOpen(); err != nil {
		return nil, false, err
	}
	if key == nil {
		return nil, false, nil
	}

	e.mu.RLock()
	if e.deleted.Contains(key) {
		e.mu.RUnlock()
		return nil, false, nil
	}
	if val, ok := e.memtable.Get(key); ok {
		e.mu.RUnlock()
		return val, true, nil
	}
	e.mu.RUnlock()

	return e.manager.Get(key)
}

// Delete removes key. Returns false if key is nil; does not require the key
// to previously exist.
func (e *Engine) Delete(key []byte) (bool, error) {
	if err := e.requireOpen(); err != nil {
		return false, err
	}
	if key == nil {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UnixMilli()
	if _, err := e.wal.Append(Record{Op: OpDelete, Key: key, Timestamp: now}); err != nil {
		return false, err
	}

	e.memtable.Remove(key)
	e.deleted.Add(key)
	e.writeCount++
	if err := e.maybeFlushAndCheckpointLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// BatchPut applies every key/value pair as a put under a single exclusive
// section. keys and values must have equal length and contain no nils.
// Returns true iff every element was durably appended to the WAL.
func (e *Engine) BatchPut(keys, values [][]byte) (bool, error) {
	if err := e.requireOpen(); err != nil {
		return false, err
	}
	if len(keys) != len(values) {
		return false, ErrArg("batch_put: keys and values length mismatch")
	}
	for i := range keys {
		if keys[i] == nil || values[i] == nil {
			return false, nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range keys {
		now := time.Now().UnixMilli()
		if _, err := e.wal.Append(Record{Op: OpPut, Key: keys[i], Value: values[i], Timestamp: now}); err != nil {
			return false, err
		}
		e.memtable.Put(keys[i], values[i])
		e.deleted.Remove(keys[i])
		e.writeCount++
	}
	if err := e.maybeFlushAndCheckpointLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// ReadKeyRange returns every key K with start <= K < end: the Manager's
// on-disk range, overlaid with in-memory memtable entries, with any
// currently-deleted key excluded.
func (e *Engine) ReadKeyRange(start, end []byte) ([]KV, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}

	onDisk, err := e.manager.GetRange(start, end)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	memEntries := e.memtable.Range(start, end)
	deletedKeys := e.deleted.Keys()
	e.mu.RUnlock()

	merged := make(map[string][]byte, len(onDisk)+len(memEntries))
	for _, entry := range onDisk {
		merged[string(entry.Key)] = entry.Value
	}
	for _, entry := range memEntries {
		merged[string(entry.Key)] = entry.Value
	}
	for _, k := range deletedKeys {
		if bytes.Compare([]byte(k), start) >= 0 && bytes.Compare([]byte(k), end) < 0 {
			delete(merged, k)
		}
	}

	out := make([]KV, 0, len(merged))
	for k, v := range merged {
		out = append(out, KV{Key: []byte(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Compact flushes any pending memtable/deleted-set state to an SSTable,
// then delegates to the manager under exclusive access, so keys written
// since the last flush are actually present in the SSTables being merged.
func (e *Engine) Compact() error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return err
	}
	_, err := e.manager.Compact(e.manager.NextFileID(), time.Now().UnixMilli())
	return err
}

// Merge bucket-merges the manager's SSTables down toward targetCount.
func (e *Engine) Merge(targetCount int) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manager.Merge(targetCount, time.Now().UnixMilli())
}

// Stats returns a point-in-time snapshot of the engine's state.
func (e *Engine) Stats() (StoreStats, error) {
	if err := e.requireOpen(); err != nil {
		return StoreStats{}, err
	}
	e.mu.RLock()
	memSize := e.memtable.SizeBytes()
	delCount := e.deleted.Len()
	walBytes := e.wal.Size()
	e.mu.RUnlock()

	ms := e.manager.Stats()
	return StoreStats{
		MemtableSize: memSize,
		DeletedCount: delCount,
		SSTableCount: ms.TableCount,
		TotalEntries: ms.TotalEntries,
		TotalBytes:   ms.TotalBytes,
		WalBytes:     walBytes,
	}, nil
}

// Close flushes the memtable, closes the WAL and manager, and releases the
// directory lock. Idempotent: calling it from any state other than Open is
// a no-op.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.state, int32(stateOpen), int32(stateClosing)) {
		return nil
	}
	defer atomic.StoreInt32(&e.state, int32(stateClosed))

	e.mu.Lock()
	flushErr := e.flushLocked()
	e.mu.Unlock()
	if flushErr != nil {
		e.log.Warn("engine close: flush failed", zap.Error(flushErr))
	}

	if err := e.wal.Close(); err != nil {
		e.log.Warn("engine close: wal close failed", zap.Error(err))
	}
	if err := e.manager.Close(); err != nil {
		e.log.Warn("engine close: manager close failed", zap.Error(err))
	}
	if err := e.dirLock.Release(); err != nil {
		return err
	}
	return nil
}

// flushLocked snapshots the memtable and deleted set, writes them as one
// new SSTable (tombstones included), and on success clears both and resets
// the write counter. Must be called with e.mu held for writing.
func (e *Engine) flushLocked() error {
	live := e.memtable.Snapshot()
	deletedKeys := e.deleted.Keys()
	if len(live) == 0 && len(deletedKeys) == 0 {
		return nil
	}

	entries := make([]Entry, 0, len(live)+len(deletedKeys))
	entries = append(entries, live...)
	for _, k := range deletedKeys {
		entries = append(entries, Entry{Key: []byte(k), Deleted: true})
	}

	id := e.manager.NextFileID()
	if _, err := e.manager.CreateSSTable(id, time.Now().UnixMilli(), entries); err != nil {
		return err
	}

	e.memtable.Clear()
	e.deleted.Clear()
	e.writeCount = 0
	return nil
}

// maybeFlushAndCheckpointLocked runs the flush-threshold and
// checkpoint-interval checks that every write path triggers. Must be
// called with e.mu held for writing.
func (e *Engine) maybeFlushAndCheckpointLocked() error {
	if e.writeCount >= e.config.MemtableFlushThreshold {
		if err := e.flushLocked(); err != nil {
			return err
		}
	}
	if time.Since(e.lastCheckpoint) >= e.config.CheckpointInterval {
		return e.checkpointLocked()
	}
	return nil
}

// checkpointLocked flushes, then truncates the WAL (only safe once the
// flush's SSTable and manifest are durable), then records the checkpoint
// time. Must be called with e.mu held for writing.
func (e *Engine) checkpointLocked() error {
	if err := e.flushLocked(); err != nil {
		return err
	}
	if err := e.wal.Truncate(); err != nil {
		return err
	}
	e.lastCheckpoint = time.Now()
	return nil
}
