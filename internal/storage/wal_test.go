package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWAL_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	wal, err := OpenWAL(path, nil)
	require.NoError(t, err)

	_, err = wal.Append(Record{Op: OpPut, Key: []byte("key1"), Value: []byte("value1"), Timestamp: 1})
	require.NoError(t, err)
	_, err = wal.Append(Record{Op: OpPut, Key: []byte("key2"), Value: []byte("value2"), Timestamp: 2})
	require.NoError(t, err)
	_, err = wal.Append(Record{Op: OpDelete, Key: []byte("key1"), Timestamp: 3})
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	wal2, err := OpenWAL(path, nil)
	require.NoError(t, err)

	type replayed struct {
		op  string
		key string
		val string
	}
	var got []replayed
	err = wal2.Replay(func(op string, key, value []byte, timestamp int64) {
		got = append(got, replayed{op: op, key: string(key), val: string(value)})
	})
	require.NoError(t, err)
	require.Equal(t, []replayed{
		{op: OpPut, key: "key1", val: "value1"},
		{op: OpPut, key: "key2", val: "value2"},
		{op: OpDelete, key: "key1", val: ""},
	}, got)
}

func TestWAL_ReplayTruncatesPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	wal, err := OpenWAL(path, nil)
	require.NoError(t, err)
	_, err = wal.Append(Record{Op: OpPut, Key: []byte("ok"), Value: []byte("value"), Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	// Simulate a crash mid-append: append a few bytes of a new record with
	// no trailing value, then truncate like a torn write would leave it.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 4, 0, 3, 'P'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	wal2, err := OpenWAL(path, nil)
	require.NoError(t, err)

	var count int
	err = wal2.Replay(func(op string, key, value []byte, timestamp int64) { count++ })
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWAL_Truncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	wal, err := OpenWAL(path, nil)
	require.NoError(t, err)
	_, err = wal.Append(Record{Op: OpPut, Key: []byte("k"), Value: []byte("v"), Timestamp: 1})
	require.NoError(t, err)
	require.Greater(t, wal.Size(), int64(0))

	require.NoError(t, wal.Truncate())
	require.Equal(t, int64(0), wal.Size())

	var count int
	require.NoError(t, wal.Replay(func(op string, key, value []byte, timestamp int64) { count++ }))
	require.Equal(t, 0, count)
}
