package storage

import (
	"bufio"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// OpPut and OpDelete are the two record kinds the WAL and SSTables carry.
const (
	OpPut    = "PUT"
	OpDelete = "DELETE"
)

// Record is the unit of durability: one mutation, as it is appended to the
// WAL and as it is stored inside an SSTable.
type Record struct {
	Op        string
	Key       []byte
	Value     []byte
	Timestamp int64
}

// WAL is the append-only write-ahead log. Every mutation is appended and
// fsynced here before it is applied to the memtable.
//
// On-disk record layout (big-endian, contiguous):
//
//	timestamp : i64
//	op        : 2-byte-len-prefixed UTF-8 string ("PUT" or "DELETE")
//	key_len   : i32, key bytes
//	val_len   : i32, value bytes (0 for DELETE)
type WAL struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	size int64
	path string
	log  *zap.Logger
}

// OpenWAL opens or creates the WAL file at path, positioned for append.
func OpenWAL(path string, logger *zap.Logger) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, ErrIO("open wal", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ErrIO("stat wal", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WAL{
		file: f,
		w:    bufio.NewWriterSize(f, 64*1024),
		size: info.Size(),
		path: path,
		log:  logger,
	}, nil
}

// Append writes rec to the end of the log, fsyncs it, and returns the byte
// offset at which the record began. A single WAL must only ever be
// appended to by one caller at a time; Append itself serializes via an
// internal lock so the buffered writer is never corrupted by a race.
func (w *WAL) Append(rec Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pos := w.size
	if err := writeInt64(w.w, rec.Timestamp); err != nil {
		return 0, ErrIO("wal append", err)
	}
	if err := writeString16(w.w, rec.Op); err != nil {
		return 0, ErrIO("wal append", err)
	}
	if err := writeInt32(w.w, int32(len(rec.Key))); err != nil {
		return 0, ErrIO("wal append", err)
	}
	if _, err := w.w.Write(rec.Key); err != nil {
		return 0, ErrIO("wal append", err)
	}
	valLen := len(rec.Value)
	if rec.Op == OpDelete {
		valLen = 0
	}
	if err := writeInt32(w.w, int32(valLen)); err != nil {
		return 0, ErrIO("wal append", err)
	}
	if valLen > 0 {
		if _, err := w.w.Write(rec.Value[:valLen]); err != nil {
			return 0, ErrIO("wal append", err)
		}
	}

	if err := w.w.Flush(); err != nil {
		return 0, ErrIO("wal flush", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, ErrIO("wal fsync", err)
	}

	w.size += 8 + (2 + int64(len(rec.Op))) + 4 + int64(len(rec.Key)) + 4 + int64(valLen)
	return pos, nil
}

// RecordHandler is invoked once per well-formed record during Replay, in
// file order.
type RecordHandler func(op string, key, value []byte, timestamp int64)

// Replay scans the log from offset 0, decoding records and invoking handler
// for each one. A malformed trailing record (a partial write left by a
// crash) truncates replay at the last fully decoded record without
// returning an error. A malformed record that is not at the very end is
// logged and replay attempts to resume at the next byte.
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ErrIO("open wal for replay", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		rec, n, err := decodeRecord(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				w.log.Warn("wal replay: truncating at partial trailing record", zap.Int64("offset", offset))
				break
			}
			w.log.Warn("wal replay: skipping malformed record", zap.Int64("offset", offset), zap.Error(err))
			if _, serr := f.Seek(offset+1, io.SeekStart); serr != nil {
				return ErrIO("wal replay seek", serr)
			}
			r = bufio.NewReader(f)
			offset++
			continue
		}
		handler(rec.Op, rec.Key, rec.Value, rec.Timestamp)
		offset += n
	}
	return nil
}

func decodeRecord(r *bufio.Reader) (Record, int64, error) {
	var n int64
	ts, err := readInt64(r)
	if err != nil {
		return Record{}, n, err
	}
	n += 8

	opLen, err := readUint16(r)
	if err != nil {
		return Record{}, n, io.ErrUnexpectedEOF
	}
	n += 2
	opBuf := make([]byte, opLen)
	if _, err := io.ReadFull(r, opBuf); err != nil {
		return Record{}, n, io.ErrUnexpectedEOF
	}
	n += int64(opLen)
	op := string(opBuf)
	if op != OpPut && op != OpDelete {
		return Record{}, n, ErrCorrupt("unknown op " + op)
	}

	keyLen, err := readInt32(r)
	if err != nil {
		return Record{}, n, io.ErrUnexpectedEOF
	}
	n += 4
	if keyLen < 0 {
		return Record{}, n, ErrCorrupt("negative key length")
	}
	key, err := readBytes(r, keyLen)
	if err != nil {
		return Record{}, n, io.ErrUnexpectedEOF
	}
	n += int64(keyLen)

	valLen, err := readInt32(r)
	if err != nil {
		return Record{}, n, io.ErrUnexpectedEOF
	}
	n += 4
	if valLen < 0 {
		return Record{}, n, ErrCorrupt("negative value length")
	}
	var value []byte
	if valLen > 0 {
		value, err = readBytes(r, valLen)
		if err != nil {
			return Record{}, n, io.ErrUnexpectedEOF
		}
		n += int64(valLen)
	}

	return Record{Op: op, Key: key, Value: value, Timestamp: ts}, n, nil
}

// Truncate atomically replaces the log with an empty file. Callers must
// only call this after a flush whose effects are already durable.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return ErrIO("close wal before truncate", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return ErrIO("truncate wal", err)
	}
	w.file = f
	w.w = bufio.NewWriterSize(f, 64*1024)
	w.size = 0
	return nil
}

// Size returns the current log byte length.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close flushes and releases the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return ErrIO("close wal flush", err)
	}
	return w.file.Close()
}
