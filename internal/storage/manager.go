package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the set of on-disk SSTables for one data directory: it
// tracks which ids are live via the manifest, serves point and range reads
// across every table with newest-wins semantics, and performs compaction.
type Manager struct {
	mu          sync.RWMutex
	dir         string
	man         *manifest
	tables      []*SSTable // ordered oldest to newest
	nextID      int64
	maxSSTables int
	log         *zap.Logger
}

var sstFileNamePattern = regexp.MustCompile(`^sst_(\d+)\.(dat|idx)$`)

// OpenManager loads the manifest, loads every live SSTable it names
// (tolerating individual load failures with a warning rather than failing
// the whole open), and sweeps any .dat/.idx files not referenced by the
// manifest (orphans left by a crash between writing an SSTable and
// publishing the manifest that lists it).
func OpenManager(dir string, maxSSTables int, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	man, err := openManifest(dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{dir: dir, man: man, maxSSTables: maxSSTables, log: logger}

	var maxID int64
	for _, id := range man.ids {
		t, err := LoadSSTable(dir, id)
		if err != nil {
			m.log.Warn("manager: dropping sstable that failed to load", zap.Int64("id", id), zap.Error(err))
			continue
		}
		m.tables = append(m.tables, t)
		if id > maxID {
			maxID = id
		}
	}
	m.nextID = maxID + 1

	if err := m.sweepOrphans(); err != nil {
		return nil, err
	}
	return m, nil
}

// sweepOrphans deletes any sst_*.dat/.idx file pair in dir whose id is not
// in the live set, e.g. left behind by a crash between CreateSSTable and
// the manifest update that would have published it.
func (m *Manager) sweepOrphans() error {
	live := make(map[int64]struct{}, len(m.tables))
	for _, t := range m.tables {
		live[t.ID()] = struct{}{}
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return ErrIO("read data dir for orphan sweep", err)
	}
	orphans := make(map[int64]struct{})
	for _, e := range entries {
		match := sstFileNamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		if _, ok := live[id]; !ok {
			orphans[id] = struct{}{}
		}
	}
	for id := range orphans {
		m.log.Warn("manager: sweeping orphaned sstable files", zap.Int64("id", id))
		_ = os.Remove(filepath.Join(m.dir, sstableDataName(id)))
		_ = os.Remove(filepath.Join(m.dir, sstableIndexName(id)))
	}
	return nil
}

// NextFileID returns a fresh monotonically increasing SSTable id.
func (m *Manager) NextFileID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// CreateSSTable writes entries to a new SSTable file pair under the given
// id and publishes it by appending to the manifest. The manifest update is
// durable (temp-file-then-rename) before this call returns, so a crash
// right after can at worst leave an orphan file pair, never a dangling
// manifest reference.
func (m *Manager) CreateSSTable(id int64, creationTime int64, entries []Entry) (*SSTable, error) {
	t, err := CreateSSTable(m.dir, id, creationTime, entries)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= m.nextID {
		m.nextID = id + 1
	}
	m.tables = append(m.tables, t)
	if err := m.saveManifestLocked(); err != nil {
		m.tables = m.tables[:len(m.tables)-1]
		_ = t.Delete()
		return nil, err
	}

	if m.maxSSTables > 0 && len(m.tables) > m.maxSSTables {
		compactID := m.nextID
		m.nextID++
		// This merges every live table, so it's a full compaction: no
		// older table survives for a dropped tombstone to stop shadowing.
		if _, err := m.mergeLocked(m.tables, compactID, creationTime, true); err != nil {
			m.log.Warn("manager: automatic compaction failed", zap.Error(err))
		}
	}
	return t, nil
}

func (m *Manager) saveManifestLocked() error {
	ids := make([]int64, len(m.tables))
	for i, t := range m.tables {
		ids[i] = t.ID()
	}
	return m.man.save(ids)
}

// Get returns the newest value for key across every SSTable, newest table
// first. A tombstone in a newer table shadows any value in an older one.
func (m *Manager) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	tables := append([]*SSTable(nil), m.tables...)
	m.mu.RUnlock()

	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		if !t.Contains(key) {
			continue
		}
		val, ok, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		// Contains-but-not-ok means the newest record for this key here is
		// a tombstone: that's authoritative, stop searching older tables.
		return val, ok, nil
	}
	return nil, false, nil
}

// GetRange merges GetRange results across every SSTable, newest-wins per
// key, and excludes tombstones from the result. Keys with start <= K < end.
func (m *Manager) GetRange(start, end []byte) ([]Entry, error) {
	m.mu.RLock()
	tables := append([]*SSTable(nil), m.tables...)
	m.mu.RUnlock()

	latest := make(map[string]Entry)
	order := make([]string, 0)
	for _, t := range tables {
		entries, err := t.GetRange(start, end)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			k := string(e.Key)
			if _, seen := latest[k]; !seen {
				order = append(order, k)
			}
			latest[k] = e // later tables in the loop are newer, so they win
		}
	}

	out := make([]Entry, 0, len(latest))
	for _, k := range order {
		e := latest[k]
		if e.Deleted {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// GetAll is equivalent to GetRange("", "￿").
func (m *Manager) GetAll() ([]Entry, error) {
	return m.GetRange([]byte{}, []byte{0xEF, 0xBF, 0xBF})
}

// Compact merges every live SSTable into a single new one, newest-wins per
// key, dropping tombstones (there is nothing older left for them to
// shadow), then retires the inputs. Idempotent: compacting a single
// already-compacted table is a cheap no-op rewrite.
func (m *Manager) Compact(newID int64, creationTime int64) (*SSTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(m.tables, newID, creationTime, true)
}

// Merge buckets the current tables into target groups by creation order
// and compacts each bucket with more than one member, reducing the total
// table count toward targetCount without necessarily reaching a single
// table. Buckets of one table are left untouched. Tombstones are always
// retained here (purgeTombstones=false): unlike Compact, a bucket merge
// can leave older buckets alive, and a dropped tombstone would let a
// stale value in one of those older buckets show through again.
func (m *Manager) Merge(targetCount int, creationTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if targetCount <= 0 || len(m.tables) <= targetCount {
		return nil
	}

	buckets := bucketize(m.tables, targetCount)
	for _, bucket := range buckets {
		if len(bucket) <= 1 {
			continue
		}
		newID := m.nextID
		m.nextID++
		if _, err := m.mergeLocked(bucket, newID, creationTime, false); err != nil {
			return err
		}
	}
	return nil
}

// bucketize splits tables (oldest first) into targetCount contiguous
// groups, preserving order, as evenly as possible.
func bucketize(tables []*SSTable, targetCount int) [][]*SSTable {
	n := len(tables)
	if targetCount > n {
		targetCount = n
	}
	buckets := make([][]*SSTable, 0, targetCount)
	base := n / targetCount
	rem := n % targetCount
	idx := 0
	for i := 0; i < targetCount; i++ {
		size := base
		if i < rem {
			size++
		}
		buckets = append(buckets, tables[idx:idx+size])
		idx += size
	}
	return buckets
}

// mergeLocked compacts the given tables (caller's chosen subset, oldest
// first) into one new SSTable and retires them. When purgeTombstones is
// true, keys whose newest record in the subset is a tombstone are dropped
// entirely rather than carried into the new table — only safe when no
// older table can be left holding a stale value for that key (i.e. a full
// compaction across every live table). Must be called with m.mu held for
// writing.
func (m *Manager) mergeLocked(tables []*SSTable, newID int64, creationTime int64, purgeTombstones bool) (*SSTable, error) {
	latest := make(map[string]Entry)
	order := make([]string, 0)
	for _, t := range tables {
		entries, err := t.GetAll()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			k := string(e.Key)
			if _, seen := latest[k]; !seen {
				order = append(order, k)
			}
			latest[k] = e
		}
	}

	merged := make([]Entry, 0, len(order))
	for _, k := range order {
		e := latest[k]
		if e.Deleted && purgeTombstones {
			continue
		}
		merged = append(merged, e)
	}

	if len(merged) == 0 {
		// Every input key was ultimately deleted: retire the inputs and
		// leave no replacement table behind.
		if err := m.retireLocked(tables, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	newTable, err := CreateSSTable(m.dir, newID, creationTime, merged)
	if err != nil {
		return nil, err
	}
	if err := m.retireLocked(tables, newTable); err != nil {
		_ = newTable.Delete()
		return nil, err
	}
	return newTable, nil
}

// retireLocked replaces the tables in `remove` with `replacement` (which
// may be nil) in m.tables, persists the new manifest, then deletes the
// removed tables' files. Must be called with m.mu held for writing.
func (m *Manager) retireLocked(remove []*SSTable, replacement *SSTable) error {
	removing := make(map[int64]struct{}, len(remove))
	for _, t := range remove {
		removing[t.ID()] = struct{}{}
	}
	var kept []*SSTable
	placed := false
	for _, t := range m.tables {
		if _, gone := removing[t.ID()]; gone {
			if replacement != nil && !placed {
				kept = append(kept, replacement)
				placed = true
			}
			continue
		}
		kept = append(kept, t)
	}
	if replacement != nil && !placed {
		kept = append(kept, replacement)
	}
	prev := m.tables
	m.tables = kept
	if err := m.saveManifestLocked(); err != nil {
		m.tables = prev
		return err
	}
	for _, t := range remove {
		if err := t.Delete(); err != nil {
			m.log.Warn("manager: failed to delete retired sstable files", zap.Int64("id", t.ID()), zap.Error(err))
		}
	}
	return nil
}

// Stats summarizes the manager's current state for the engine's stats()
// operation: (count, total_entries, total_bytes).
type Stats struct {
	TableCount   int
	TotalEntries int64
	TotalBytes   int64
}

// Stats returns a snapshot of the manager's current table set.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bytes, entries int64
	for _, t := range m.tables {
		bytes += t.DataSize()
		entries += int64(t.EntryCount())
	}
	return Stats{TableCount: len(m.tables), TotalEntries: entries, TotalBytes: bytes}
}

// TableCount returns the number of live SSTables.
func (m *Manager) TableCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables)
}

// Close is a no-op placeholder for symmetry with the other components;
// SSTables keep no open file handles between calls.
func (m *Manager) Close() error {
	return nil
}
