package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Entry kind flags persisted alongside each key in both the .dat and .idx
// files, so a tombstone written by a flush or compaction can shadow an
// older value for the same key in an older SSTable (see SPEC_FULL.md §1,
// the fix for the reference implementation's "deleted keys don't survive a
// flush" bug).
const (
	kindPut    byte = 1
	kindDelete byte = 2
)

// sstableDataName and sstableIndexName build the two on-disk filenames for
// a given SSTable id.
func sstableDataName(id int64) string  { return fmt.Sprintf("sst_%d.dat", id) }
func sstableIndexName(id int64) string { return fmt.Sprintf("sst_%d.idx", id) }

// SSTable is an immutable, sorted, on-disk snapshot of a set of key/value
// (or key/tombstone) entries, with a fully in-memory key index for O(1)
// point lookups.
//
// Data file (sst_<id>.dat): concatenation, in sorted order, of
//
//	key_len i32 | key | val_len i32 | val | kind byte
//
// Index file (sst_<id>.idx):
//
//	header: file_id i64 | creation_time i64 | entry_count i32 | data_size i64
//	then entry_count repetitions of: key_len i32 | key | offset i64 | kind byte
type SSTable struct {
	dir          string
	id           int64
	creationTime int64
	entryCount   int32
	dataSize     int64
	index        []indexEntry
	offsetOf     map[string]int
}

type indexEntry struct {
	key    []byte
	offset int64
	kind   byte
}

// CreateSSTable sorts entries by key and writes a new data+index file pair,
// fsyncing both before returning. entries must be non-empty.
func CreateSSTable(dir string, id int64, creationTime int64, entries []Entry) (*SSTable, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyEntries
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0 })

	dataPath := filepath.Join(dir, sstableDataName(id))
	idxPath := filepath.Join(dir, sstableIndexName(id))

	dataFile, err := os.Create(dataPath)
	if err != nil {
		return nil, ErrIO("create sstable data file", err)
	}
	defer dataFile.Close()
	dataW := bufio.NewWriterSize(dataFile, 64*1024)

	idx := make([]indexEntry, 0, len(sorted))
	var offset int64
	for _, e := range sorted {
		kind := kindPut
		val := e.Value
		if e.Deleted {
			kind = kindDelete
			val = nil
		}
		idx = append(idx, indexEntry{key: e.Key, offset: offset, kind: kind})

		n, err := writeDataEntry(dataW, e.Key, val, kind)
		if err != nil {
			return nil, ErrIO("write sstable data entry", err)
		}
		offset += n
	}
	if err := dataW.Flush(); err != nil {
		return nil, ErrIO("flush sstable data file", err)
	}
	if err := dataFile.Sync(); err != nil {
		return nil, ErrIO("fsync sstable data file", err)
	}
	dataSize := offset

	idxFile, err := os.Create(idxPath)
	if err != nil {
		return nil, ErrIO("create sstable index file", err)
	}
	defer idxFile.Close()
	idxW := bufio.NewWriterSize(idxFile, 64*1024)

	if err := writeInt64(idxW, id); err != nil {
		return nil, ErrIO("write sstable index header", err)
	}
	if err := writeInt64(idxW, creationTime); err != nil {
		return nil, ErrIO("write sstable index header", err)
	}
	if err := writeInt32(idxW, int32(len(idx))); err != nil {
		return nil, ErrIO("write sstable index header", err)
	}
	if err := writeInt64(idxW, dataSize); err != nil {
		return nil, ErrIO("write sstable index header", err)
	}
	for _, ie := range idx {
		if err := writeInt32(idxW, int32(len(ie.key))); err != nil {
			return nil, ErrIO("write sstable index entry", err)
		}
		if _, err := idxW.Write(ie.key); err != nil {
			return nil, ErrIO("write sstable index entry", err)
		}
		if err := writeInt64(idxW, ie.offset); err != nil {
			return nil, ErrIO("write sstable index entry", err)
		}
		if err := idxW.WriteByte(ie.kind); err != nil {
			return nil, ErrIO("write sstable index entry", err)
		}
	}
	if err := idxW.Flush(); err != nil {
		return nil, ErrIO("flush sstable index file", err)
	}
	if err := idxFile.Sync(); err != nil {
		return nil, ErrIO("fsync sstable index file", err)
	}

	return &SSTable{
		dir:          dir,
		id:           id,
		creationTime: creationTime,
		entryCount:   int32(len(idx)),
		dataSize:     dataSize,
		index:        idx,
		offsetOf:     offsetMap(idx),
	}, nil
}

func writeDataEntry(w *bufio.Writer, key, val []byte, kind byte) (int64, error) {
	if err := writeInt32(w, int32(len(key))); err != nil {
		return 0, err
	}
	if _, err := w.Write(key); err != nil {
		return 0, err
	}
	if err := writeInt32(w, int32(len(val))); err != nil {
		return 0, err
	}
	if len(val) > 0 {
		if _, err := w.Write(val); err != nil {
			return 0, err
		}
	}
	if err := w.WriteByte(kind); err != nil {
		return 0, err
	}
	return int64(4 + len(key) + 4 + len(val) + 1), nil
}

func offsetMap(idx []indexEntry) map[string]int {
	m := make(map[string]int, len(idx))
	for i, ie := range idx {
		m[string(ie.key)] = i
	}
	return m
}

// LoadSSTable reads the .idx file for id fully into memory. It fails with
// a CorruptErr if the stored file_id doesn't match id.
func LoadSSTable(dir string, id int64) (*SSTable, error) {
	idxPath := filepath.Join(dir, sstableIndexName(id))
	f, err := os.Open(idxPath)
	if err != nil {
		return nil, ErrIO("open sstable index", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	fileID, err := readInt64(r)
	if err != nil {
		return nil, ErrIO("read sstable index header", err)
	}
	if fileID != id {
		return nil, ErrCorrupt(fmt.Sprintf("sstable %d: index file_id mismatch, got %d", id, fileID))
	}
	creationTime, err := readInt64(r)
	if err != nil {
		return nil, ErrIO("read sstable index header", err)
	}
	count, err := readInt32(r)
	if err != nil {
		return nil, ErrIO("read sstable index header", err)
	}
	dataSize, err := readInt64(r)
	if err != nil {
		return nil, ErrIO("read sstable index header", err)
	}

	idx := make([]indexEntry, 0, count)
	for i := int32(0); i < count; i++ {
		keyLen, err := readInt32(r)
		if err != nil {
			return nil, ErrCorrupt("sstable index: truncated entry")
		}
		key, err := readBytes(r, keyLen)
		if err != nil {
			return nil, ErrCorrupt("sstable index: truncated key")
		}
		offset, err := readInt64(r)
		if err != nil {
			return nil, ErrCorrupt("sstable index: truncated offset")
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, ErrCorrupt("sstable index: truncated kind")
		}
		idx = append(idx, indexEntry{key: key, offset: offset, kind: kind})
	}

	return &SSTable{
		dir:          dir,
		id:           id,
		creationTime: creationTime,
		entryCount:   count,
		dataSize:     dataSize,
		index:        idx,
		offsetOf:     offsetMap(idx),
	}, nil
}

// ID returns the SSTable's file id.
func (s *SSTable) ID() int64 { return s.id }

// CreationTime returns the SSTable's creation timestamp in epoch millis.
func (s *SSTable) CreationTime() int64 { return s.creationTime }

// EntryCount returns the number of entries (including tombstones).
func (s *SSTable) EntryCount() int32 { return s.entryCount }

// DataSize returns the data file size in bytes.
func (s *SSTable) DataSize() int64 { return s.dataSize }

// Contains reports whether key is present in the index (tombstone or not).
func (s *SSTable) Contains(key []byte) bool {
	_, ok := s.offsetOf[string(key)]
	return ok
}

// Get performs an O(1) index lookup followed by a single seek-and-decode
// read of the data file. The second return is false if the key is absent
// or its newest record here is a tombstone.
func (s *SSTable) Get(key []byte) ([]byte, bool, error) {
	i, ok := s.offsetOf[string(key)]
	if !ok {
		return nil, false, nil
	}
	ie := s.index[i]
	if ie.kind == kindDelete {
		return nil, false, nil
	}

	f, err := os.Open(filepath.Join(s.dir, sstableDataName(s.id)))
	if err != nil {
		return nil, false, ErrIO("open sstable data file", err)
	}
	defer f.Close()
	if _, err := f.Seek(ie.offset, 0); err != nil {
		return nil, false, ErrIO("seek sstable data file", err)
	}
	r := bufio.NewReader(f)
	_, val, _, err := readDataEntry(r)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func readDataEntry(r *bufio.Reader) (key, val []byte, kind byte, err error) {
	keyLen, err := readInt32(r)
	if err != nil {
		return nil, nil, 0, ErrCorrupt("sstable data: truncated key length")
	}
	key, err = readBytes(r, keyLen)
	if err != nil {
		return nil, nil, 0, ErrCorrupt("sstable data: truncated key")
	}
	valLen, err := readInt32(r)
	if err != nil {
		return nil, nil, 0, ErrCorrupt("sstable data: truncated value length")
	}
	if valLen > 0 {
		val, err = readBytes(r, valLen)
		if err != nil {
			return nil, nil, 0, ErrCorrupt("sstable data: truncated value")
		}
	}
	kind, err = r.ReadByte()
	if err != nil {
		return nil, nil, 0, ErrCorrupt("sstable data: truncated kind")
	}
	return key, val, kind, nil
}

// GetRange performs a linear scan of the in-memory index for every key K
// with start <= K < end, then reads each matching entry (tombstones
// included) from the data file in ascending key order.
func (s *SSTable) GetRange(start, end []byte) ([]Entry, error) {
	matches := make([]indexEntry, 0)
	for _, ie := range s.index {
		if bytes.Compare(ie.key, start) >= 0 && bytes.Compare(ie.key, end) < 0 {
			matches = append(matches, ie)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return bytes.Compare(matches[i].key, matches[j].key) < 0 })

	if len(matches) == 0 {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(s.dir, sstableDataName(s.id)))
	if err != nil {
		return nil, ErrIO("open sstable data file", err)
	}
	defer f.Close()

	out := make([]Entry, 0, len(matches))
	for _, ie := range matches {
		if _, err := f.Seek(ie.offset, 0); err != nil {
			return nil, ErrIO("seek sstable data file", err)
		}
		r := bufio.NewReader(f)
		_, val, kind, err := readDataEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: ie.key, Value: val, Deleted: kind == kindDelete})
	}
	return out, nil
}

// GetAll is equivalent to GetRange("", "￿"): every entry, ordered.
func (s *SSTable) GetAll() ([]Entry, error) {
	return s.GetRange([]byte{}, []byte{0xEF, 0xBF, 0xBF})
}

// Delete removes both files backing this SSTable. Only the manager calls
// this, and only after the superseding manifest is durable.
func (s *SSTable) Delete() error {
	dataPath := filepath.Join(s.dir, sstableDataName(s.id))
	idxPath := filepath.Join(s.dir, sstableIndexName(s.id))
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return ErrIO("delete sstable data file", err)
	}
	if err := os.Remove(idxPath); err != nil && !os.IsNotExist(err) {
		return ErrIO("delete sstable index file", err)
	}
	return nil
}
