package tsdb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/models"
	"github.com/meridiandb/meridian/tsdb"
)

func TestSeriesKey_Roundtrip(t *testing.T) {
	tags := models.NewTags(map[string]string{"host": "a", "region": "west"})
	key := tsdb.AppendSeriesKey(nil, []byte("cpu"), tags)
	require.Equal(t, tsdb.SeriesKeySize([]byte("cpu"), tags), len(key))

	name, gotTags := tsdb.ParseSeriesKey(key)
	require.Equal(t, []byte("cpu"), name)
	require.True(t, tags.Equal(gotTags))
}

func TestSeriesKey_NoTags(t *testing.T) {
	key := tsdb.AppendSeriesKey(nil, []byte("cpu"), nil)
	name, tags := tsdb.ParseSeriesKey(key)
	require.Equal(t, []byte("cpu"), name)
	require.Empty(t, tags)
}

// The same measurement and tag set must produce identical keys regardless of
// the order tags were supplied in.
func TestSeriesKey_Canonical(t *testing.T) {
	a := tsdb.AppendSeriesKey(nil, []byte("cpu"), models.NewTags(map[string]string{"a": "1", "b": "2"}))
	b := tsdb.AppendSeriesKey(nil, []byte("cpu"), models.NewTags(map[string]string{"b": "2", "a": "1"}))
	require.Equal(t, a, b)
	require.Equal(t, tsdb.SeriesKeyFingerprint(a), tsdb.SeriesKeyFingerprint(b))
}

func TestCompareSeriesKeys(t *testing.T) {
	a := tsdb.AppendSeriesKey(nil, []byte("cpu"), nil)
	b := tsdb.AppendSeriesKey(nil, []byte("mem"), nil)
	require.Negative(t, tsdb.CompareSeriesKeys(a, b))
	require.Positive(t, tsdb.CompareSeriesKeys(b, a))
	require.Zero(t, tsdb.CompareSeriesKeys(a, a))
}

func TestSeriesDict_Insert(t *testing.T) {
	d := tsdb.NewSeriesDict()

	keyA := tsdb.AppendSeriesKey(nil, []byte("cpu"), models.NewTags(map[string]string{"host": "a"}))
	keyB := tsdb.AppendSeriesKey(nil, []byte("cpu"), models.NewTags(map[string]string{"host": "b"}))

	// Ids are dense and start at zero.
	require.Equal(t, uint32(0), d.Insert(keyA))
	require.Equal(t, uint32(1), d.Insert(keyB))

	// The same key maps to the same id.
	require.Equal(t, uint32(0), d.Insert(keyA))
	require.Equal(t, 2, d.Count())

	id, ok := d.FindID(keyB)
	require.True(t, ok)
	require.Equal(t, uint32(1), id)

	_, ok = d.FindID([]byte("unknown"))
	require.False(t, ok)

	require.Equal(t, keyA, d.Key(0))
	require.Nil(t, d.Key(42))
}

func TestSeriesDict_InsertWithID(t *testing.T) {
	d := tsdb.NewSeriesDict()

	require.NoError(t, d.InsertWithID([]byte("k5"), 5))
	require.NoError(t, d.InsertWithID([]byte("k2"), 2))

	// The allocator continues past the highest recovered id.
	require.Equal(t, uint32(6), d.NextID())

	// Re-inserting the same mapping is a no-op.
	require.NoError(t, d.InsertWithID([]byte("k5"), 5))

	// A different id for a known key is a conflict.
	require.Error(t, d.InsertWithID([]byte("k5"), 9))
}

func TestSeriesDict_SetNextID(t *testing.T) {
	d := tsdb.NewSeriesDict()

	d.SetNextID(7)
	require.Equal(t, uint32(7), d.NextID())
	require.Equal(t, uint32(7), d.Insert([]byte("a")))

	// A lower value never winds the allocator back.
	d.SetNextID(3)
	require.Equal(t, uint32(8), d.NextID())
}

func TestSeriesDict_ForEach(t *testing.T) {
	d := tsdb.NewSeriesDict()
	d.Insert([]byte("a"))
	d.Insert([]byte("b"))
	d.Insert([]byte("c"))

	var ids []uint32
	var keys []string
	require.NoError(t, d.ForEach(func(id uint32, key []byte) error {
		ids = append(ids, id)
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []uint32{0, 1, 2}, ids)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}
