package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemtable_PutThenGet(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1)

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.False(t, r.Tombstone)
	require.Equal(t, []byte("1"), r.Value)
}

func TestMemtable_DeleteShadowsOlderPut(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1)
	m.Delete([]byte("a"), 2)

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.True(t, r.Tombstone)
	require.Equal(t, uint64(2), r.Seq)
}

func TestMemtable_SeqGatingIgnoresStaleWrite(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("new"), 5)
	m.Put([]byte("a"), []byte("old"), 3)

	r, _ := m.Get([]byte("a"))
	require.Equal(t, []byte("new"), r.Value)
	require.Equal(t, uint64(5), r.Seq)
}

func TestMemtable_SeqGatingIsIdempotentOnReplay(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1)
	m.Put([]byte("a"), []byte("1"), 1)

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), r.Value)
}

func TestMemtable_IterIsSortedAscending(t *testing.T) {
	m := New()
	m.Put([]byte("c"), []byte("3"), 1)
	m.Put([]byte("a"), []byte("1"), 2)
	m.Put([]byte("b"), []byte("2"), 3)

	recs := m.Iter()
	require.Len(t, recs, 3)
	require.Equal(t, "a", string(recs[0].Key))
	require.Equal(t, "b", string(recs[1].Key))
	require.Equal(t, "c", string(recs[2].Key))
}

func TestMemtable_RangeIsInclusiveStartExclusiveEnd(t *testing.T) {
	m := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		m.Put([]byte(k), []byte(k), 1)
	}

	recs := m.Range([]byte("b"), []byte("d"))
	require.Len(t, recs, 2)
	require.Equal(t, "b", string(recs[0].Key))
	require.Equal(t, "c", string(recs[1].Key))
}

func TestMemtable_ApproxSizeTracksPutAndDelete(t *testing.T) {
	m := New()
	require.Equal(t, 0, m.ApproxSize())

	m.Put([]byte("key"), []byte("value"), 1)
	sizeAfterPut := m.ApproxSize()
	require.Greater(t, sizeAfterPut, 0)

	m.Delete([]byte("key"), 2)
	sizeAfterDelete := m.ApproxSize()
	require.Less(t, sizeAfterDelete, sizeAfterPut)
}

func TestMemtable_ClearResetsState(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1)
	m.Clear()

	require.Equal(t, 0, m.Len())
	require.Equal(t, 0, m.ApproxSize())
	_, ok := m.Get([]byte("a"))
	require.False(t, ok)
}
