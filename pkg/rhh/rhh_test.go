package rhh_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/rhh"
)

func TestHashMap_PutGet(t *testing.T) {
	m := rhh.NewHashMap(rhh.DefaultOptions)

	m.Put([]byte("foo"), 1)
	m.Put([]byte("bar"), 2)

	v, ok := m.Get([]byte("foo"))
	require.True(t, ok)
	require.Equal(t, uint64(1), v)

	v, ok = m.Get([]byte("bar"))
	require.True(t, ok)
	require.Equal(t, uint64(2), v)

	_, ok = m.Get([]byte("baz"))
	require.False(t, ok)

	require.Equal(t, 2, m.Len())
}

func TestHashMap_Overwrite(t *testing.T) {
	m := rhh.NewHashMap(rhh.DefaultOptions)

	m.Put([]byte("foo"), 1)
	m.Put([]byte("foo"), 7)

	v, ok := m.Get([]byte("foo"))
	require.True(t, ok)
	require.Equal(t, uint64(7), v)
	require.Equal(t, 1, m.Len())
}

func TestHashMap_Grow(t *testing.T) {
	m := rhh.NewHashMap(rhh.Options{Capacity: 16, LoadFactor: 90})

	const n = 10000
	for i := 0; i < n; i++ {
		m.Put([]byte(fmt.Sprintf("key-%d", i)), uint64(i))
	}
	require.Equal(t, n, m.Len())

	for i := 0; i < n; i++ {
		v, ok := m.Get([]byte(fmt.Sprintf("key-%d", i)))
		require.True(t, ok, "key-%d missing", i)
		require.Equal(t, uint64(i), v)
	}
}

func TestHashMap_ZeroValue(t *testing.T) {
	m := rhh.NewHashMap(rhh.DefaultOptions)
	m.Put([]byte("zero"), 0)

	v, ok := m.Get([]byte("zero"))
	require.True(t, ok)
	require.Equal(t, uint64(0), v)
}
