package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(dir string) EngineConfig {
	cfg := DefaultEngineConfig(dir)
	cfg.Logger = zap.NewNop()
	cfg.MemtableFlushThreshold = 5
	cfg.CheckpointInterval = time.Hour
	return cfg
}

func TestEngine_PutReadDelete(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	ok, err := e.Put([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := e.Read([]byte("hello"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "world", string(val))

	ok, err = e.Delete([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = e.Read([]byte("hello"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestEngine_PutRejectsNilArgs(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	ok, err := e.Put(nil, []byte("v"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = e.Put([]byte("k"), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_FlushThresholdMovesDataToSSTable(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 5; i++ {
		_, err := e.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.MemtableSize)
	require.GreaterOrEqual(t, stats.SSTableCount, 1)

	val, found, err := e.Read([]byte("k2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", string(val))
}

func TestEngine_DeleteShadowsFlushedSSTable(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MemtableFlushThreshold = 1
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	_, err = e.Delete([]byte("k"))
	require.NoError(t, err)

	_, found, err := e.Read([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestEngine_ReadKeyRangeOverlaysMemtableAndDeletes(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 4; i++ {
		_, err := e.Put([]byte(fmt.Sprintf("key%02d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	_, err = e.Delete([]byte("key01"))
	require.NoError(t, err)

	out, err := e.ReadKeyRange([]byte("key00"), []byte("key03"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "key00", string(out[0].Key))
	require.Equal(t, "key02", string(out[1].Key))
}

func TestEngine_BatchPut(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	vals := [][]byte{[]byte("1"), []byte("2"), []byte("3")}
	ok, err := e.BatchPut(keys, vals)
	require.NoError(t, err)
	require.True(t, ok)

	for i, k := range keys {
		val, found, err := e.Read(k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, string(vals[i]), string(val))
	}
}

func TestEngine_BatchPutRejectsLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	_, err = e.BatchPut([][]byte{[]byte("a")}, nil)
	require.Error(t, err)
}

func TestEngine_CrashRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MemtableFlushThreshold = 1000000 // keep everything in the WAL/memtable

	e, err := Open(cfg)
	require.NoError(t, err)
	_, err = e.Put([]byte("durable"), []byte("value"))
	require.NoError(t, err)
	_, err = e.Put([]byte("gone"), []byte("value"))
	require.NoError(t, err)
	_, err = e.Delete([]byte("gone"))
	require.NoError(t, err)

	// Simulate a crash: release the lock without flushing, instead of
	// calling Close (which would flush).
	require.NoError(t, e.dirLock.Release())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	val, found, err := e2.Read([]byte("durable"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "value", string(val))

	_, found, err = e2.Read([]byte("gone"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestEngine_SecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(testConfig(dir))
	require.Error(t, err)
	require.IsType(t, &LockedErr{}, err)
}

func TestEngine_CompactIsIdempotentAfterFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MemtableFlushThreshold = 1
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = e.Put([]byte("a"), []byte("2"))
	require.NoError(t, err)

	require.NoError(t, e.Compact())
	require.NoError(t, e.Compact())

	val, found, err := e.Read([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(val))
}

func TestEngine_CompactFlushesPendingMemtableFirst(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MemtableFlushThreshold = 1000 // large enough that Put never auto-flushes
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put([]byte("k"), []byte("a"))
	require.NoError(t, err)
	require.NoError(t, e.Compact())

	_, err = e.Put([]byte("k"), []byte("b"))
	require.NoError(t, err)
	require.NoError(t, e.Compact())

	val, found, err := e.Read([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "b", string(val))

	require.NoError(t, e.Compact())
	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.SSTableCount)
}

func TestEngine_OperationsRejectedWhenClosed(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testConfig(dir))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Put([]byte("k"), []byte("v"))
	require.Error(t, err)
	require.IsType(t, &ClosedErr{}, err)

	// Close is idempotent.
	require.NoError(t, e.Close())
}
