// Package storage implements the durable key-value storage core: a
// single-writer, crash-consistent engine built from a write-ahead log, an
// in-memory memtable and deleted-key set, and a set of immutable on-disk
// SSTables tracked by a manifest.
//
// Architecture:
//
//	Write path:  caller -> WAL (fsync) -> memtable/deleted set
//	Read path:   caller -> deleted set -> memtable -> SSTables (newest first)
//	Flush:       memtable + deleted set -> one new SSTable -> manifest update,
//	             on a write-count threshold
//	Checkpoint:  flush, then WAL truncate, once the checkpoint interval has
//	             elapsed (checked on each write)
//
// Key components:
//   - WAL: append-only log fsynced before every acknowledged write
//   - Memtable / DeletedSet: sibling in-memory structures for the current epoch
//   - SSTable: immutable sorted key/value file pair with a fully in-memory index
//   - Manager: the live SSTable set, its manifest, and compaction/merge
//   - Engine: orchestrates the above behind the public API
package storage
