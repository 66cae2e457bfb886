package index_test

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/tsdb/index"
)

func TestInverted_PutLookup(t *testing.T) {
	idx := index.NewInverted(128)

	idx.Put([]byte("host"), []byte("a"), 1)
	idx.Put([]byte("host"), []byte("a"), 2)
	idx.Put([]byte("host"), []byte("b"), 3)
	idx.Put([]byte("region"), []byte("west"), 1)

	set := idx.Lookup([]byte("host"), []byte("a"))
	require.Equal(t, []uint32{1, 2}, set.Slice())

	set = idx.Lookup([]byte("host"), []byte("b"))
	require.Equal(t, []uint32{3}, set.Slice())

	require.Nil(t, idx.Lookup([]byte("host"), []byte("missing")))

	require.Equal(t, 3, idx.EntryN())
}

func TestInverted_LookupMatch(t *testing.T) {
	idx := index.NewInverted(128)
	idx.Put([]byte("host"), []byte("web-01"), 1)
	idx.Put([]byte("host"), []byte("web-02"), 2)
	idx.Put([]byte("host"), []byte("db-01"), 3)

	set := idx.LookupMatch([]byte("host"), index.PrefixMatcher{Prefix: "web-"})
	require.Equal(t, []uint32{1, 2}, set.Slice())

	set = idx.LookupMatch([]byte("host"), index.RegexMatcher{Re: regexp.MustCompile(`-01$`)})
	require.Equal(t, []uint32{1, 3}, set.Slice())

	set = idx.LookupMatch([]byte("host"), index.PrefixMatcher{Prefix: "nope"})
	require.Zero(t, set.Cardinality())
}

// The cached result set must reflect ids added after the set was cached.
func TestInverted_LookupSeesLaterPuts(t *testing.T) {
	idx := index.NewInverted(128)
	idx.Put([]byte("host"), []byte("a"), 1)

	require.Equal(t, []uint32{1}, idx.Lookup([]byte("host"), []byte("a")).Slice())

	idx.Put([]byte("host"), []byte("a"), 2)
	require.Equal(t, []uint32{1, 2}, idx.Lookup([]byte("host"), []byte("a")).Slice())
}

func TestInverted_ManyPartitions(t *testing.T) {
	idx := index.NewInverted(1024)

	const n = 1000
	for i := 0; i < n; i++ {
		idx.Put([]byte("host"), []byte(fmt.Sprintf("h-%d", i)), uint32(i))
	}
	for i := 0; i < n; i++ {
		set := idx.Lookup([]byte("host"), []byte(fmt.Sprintf("h-%d", i)))
		require.Equal(t, []uint32{uint32(i)}, set.Slice())
	}
	require.Equal(t, n, idx.EntryN())
}

func TestInverted_CompactCaches(t *testing.T) {
	idx := index.NewInverted(128)
	idx.Put([]byte("host"), []byte("a"), 1)
	idx.Lookup([]byte("host"), []byte("a"))

	idx.CompactCaches()
	// Lookups still work after the caches are dropped.
	require.Equal(t, []uint32{1}, idx.Lookup([]byte("host"), []byte("a")).Slice())
}

func TestSeriesIDSet(t *testing.T) {
	a := index.NewSeriesIDSet(1, 2, 3)
	b := index.NewSeriesIDSet(2, 3, 4)

	require.True(t, a.Contains(1))
	require.False(t, a.Contains(4))
	require.Equal(t, uint64(3), a.Cardinality())

	and := a.And(b)
	require.Equal(t, []uint32{2, 3}, and.Slice())

	c := a.Clone()
	c.Add(9)
	require.False(t, a.Contains(9))
	require.True(t, c.Contains(9))

	m := index.NewSeriesIDSet(1)
	m.Merge(b)
	require.Equal(t, []uint32{1, 2, 3, 4}, m.Slice())
}
