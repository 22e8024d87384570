package storage

import "sort"

// Memtable is the in-memory write buffer: a mapping from key to the most
// recent value PUT for that key within the current epoch. Only populated
// by Put; deletes live in a separate DeletedSet so the two stay disjoint,
// matching the data model.
type Memtable struct {
	sl *skipList
}

// NewMemtable returns an empty memtable.
func NewMemtable() *Memtable {
	return &Memtable{sl: newSkipList()}
}

// Put records key's current value.
func (m *Memtable) Put(key, value []byte) {
	m.sl.Put(key, value)
}

// Get returns the value for key and whether it is present.
func (m *Memtable) Get(key []byte) ([]byte, bool) {
	return m.sl.Get(key)
}

// Remove drops key from the memtable (used when a later op overrides a PUT
// with a DELETE, or on WAL replay).
func (m *Memtable) Remove(key []byte) {
	m.sl.Delete(key)
}

// Len returns the number of live keys.
func (m *Memtable) Len() int64 {
	return m.sl.Len()
}

// SizeBytes returns the approximate memory footprint.
func (m *Memtable) SizeBytes() int64 {
	return m.sl.Size()
}

// Snapshot returns every key/value pair, sorted by key ascending.
func (m *Memtable) Snapshot() []Entry {
	entries := make([]Entry, 0, m.sl.Len())
	m.sl.Each(func(key, value []byte) {
		entries = append(entries, Entry{Key: append([]byte{}, key...), Value: append([]byte{}, value...)})
	})
	return entries
}

// Range returns every key/value pair with start <= key < end, sorted ascending.
func (m *Memtable) Range(start, end []byte) []Entry {
	var entries []Entry
	m.sl.Range(start, end, func(key, value []byte) {
		entries = append(entries, Entry{Key: append([]byte{}, key...), Value: append([]byte{}, value...)})
	})
	return entries
}

// Clear empties the memtable (called after a successful flush).
func (m *Memtable) Clear() {
	m.sl = newSkipList()
}

// DeletedSet is the set of keys whose most recent operation in the current
// epoch is DELETE.
type DeletedSet struct {
	keys map[string]struct{}
}

// NewDeletedSet returns an empty deleted-keys set.
func NewDeletedSet() *DeletedSet {
	return &DeletedSet{keys: make(map[string]struct{})}
}

// Add marks key deleted.
func (d *DeletedSet) Add(key []byte) {
	d.keys[string(key)] = struct{}{}
}

// Remove clears key's deleted marker (a later PUT supersedes the delete).
func (d *DeletedSet) Remove(key []byte) {
	delete(d.keys, string(key))
}

// Contains reports whether key is currently marked deleted.
func (d *DeletedSet) Contains(key []byte) bool {
	_, ok := d.keys[string(key)]
	return ok
}

// Len returns the number of deleted keys tracked.
func (d *DeletedSet) Len() int {
	return len(d.keys)
}

// Keys returns every deleted key, sorted ascending.
func (d *DeletedSet) Keys() []string {
	out := make([]string, 0, len(d.keys))
	for k := range d.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clear empties the set (called after a successful flush).
func (d *DeletedSet) Clear() {
	d.keys = make(map[string]struct{})
}

// Entry is a key/value pair as passed between the memtable, the SSTable
// writer, and range-read results. Deleted marks a tombstone: Value is
// ignored and encoded as empty on disk.
type Entry struct {
	Key     []byte
	Value   []byte
	Deleted bool
}
