package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSkipList_BasicOperations(t *testing.T) {
	sl := newSkipList()

	sl.Put([]byte("key1"), []byte("value1"))
	sl.Put([]byte("key2"), []byte("value2"))
	sl.Put([]byte("key3"), []byte("value3"))

	val, found := sl.Get([]byte("key1"))
	require.True(t, found)
	require.Equal(t, "value1", string(val))

	_, found = sl.Get([]byte("missing"))
	require.False(t, found)

	sl.Delete([]byte("key2"))
	_, found = sl.Get([]byte("key2"))
	require.False(t, found)
	require.Equal(t, int64(2), sl.Len())

	sl.Put([]byte("key1"), []byte("updated"))
	val, found = sl.Get([]byte("key1"))
	require.True(t, found)
	require.Equal(t, "updated", string(val))
}

func TestSkipList_Each_SortedOrder(t *testing.T) {
	sl := newSkipList()
	sl.Put([]byte("c"), []byte("3"))
	sl.Put([]byte("a"), []byte("1"))
	sl.Put([]byte("b"), []byte("2"))

	var keys []string
	sl.Each(func(key, value []byte) { keys = append(keys, string(key)) })

	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestSkipList_Range(t *testing.T) {
	sl := newSkipList()
	for i := 0; i < 10; i++ {
		sl.Put([]byte(fmt.Sprintf("key%02d", i)), []byte(fmt.Sprintf("val%02d", i)))
	}

	var keys []string
	sl.Range([]byte("key03"), []byte("key07"), func(key, value []byte) {
		keys = append(keys, string(key))
	})
	require.Equal(t, []string{"key03", "key04", "key05", "key06"}, keys)
}
