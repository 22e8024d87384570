package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSSTable_WriteAndRead(t *testing.T) {
	dir := t.TempDir()

	entries := []Entry{
		{Key: []byte("banana"), Value: []byte("yellow")},
		{Key: []byte("apple"), Value: []byte("red")},
		{Key: []byte("cherry"), Value: []byte("dark red")},
	}
	sst, err := CreateSSTable(dir, 1, 1000, entries)
	require.NoError(t, err)
	require.Equal(t, int32(3), sst.EntryCount())

	val, ok, err := sst.Get([]byte("banana"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yellow", string(val))

	_, ok, err = sst.Get([]byte("grape"))
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, sst.Contains([]byte("apple")))
	require.False(t, sst.Contains([]byte("aaa")))
}

func TestSSTable_LoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}
	_, err := CreateSSTable(dir, 42, 555, entries)
	require.NoError(t, err)

	loaded, err := LoadSSTable(dir, 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), loaded.ID())
	require.Equal(t, int64(555), loaded.CreationTime())

	val, ok, err := loaded.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(val))
}

func TestSSTable_LoadFileIDMismatch(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateSSTable(dir, 7, 0, []Entry{{Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	_, err = LoadSSTable(dir, 8)
	require.Error(t, err)
}

func TestSSTable_TombstoneHidesValue(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		{Key: []byte("gone"), Deleted: true},
		{Key: []byte("here"), Value: []byte("v")},
	}
	sst, err := CreateSSTable(dir, 1, 0, entries)
	require.NoError(t, err)

	_, ok, err := sst.Get([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, sst.Contains([]byte("gone")))
}

func TestSSTable_GetRangeAndGetAll(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		{Key: []byte("key01"), Value: []byte("v1")},
		{Key: []byte("key02"), Value: []byte("v2")},
		{Key: []byte("key03"), Deleted: true},
		{Key: []byte("key04"), Value: []byte("v4")},
	}
	sst, err := CreateSSTable(dir, 1, 0, entries)
	require.NoError(t, err)

	rng, err := sst.GetRange([]byte("key01"), []byte("key03"))
	require.NoError(t, err)
	require.Len(t, rng, 2)
	require.Equal(t, "key01", string(rng[0].Key))
	require.Equal(t, "key02", string(rng[1].Key))

	all, err := sst.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.True(t, all[2].Deleted)
}

func TestSSTable_Delete(t *testing.T) {
	dir := t.TempDir()
	sst, err := CreateSSTable(dir, 9, 0, []Entry{{Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	require.NoError(t, sst.Delete())
	_, err = LoadSSTable(dir, 9)
	require.Error(t, err)
}

func TestCreateSSTable_RejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateSSTable(dir, 1, 0, nil)
	require.Error(t, err)
}
