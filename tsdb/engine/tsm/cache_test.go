package tsm_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/tsdb/engine/tsm"
)

func TestCacheKey_Roundtrip(t *testing.T) {
	key := tsm.CacheKey(42, "value")
	id, field := tsm.ParseCacheKey(key)
	require.Equal(t, uint32(42), id)
	require.Equal(t, "value", field)
}

func TestCache_WriteValues(t *testing.T) {
	c := tsm.NewCache(0)
	key := tsm.CacheKey(1, "value")

	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(2, 2.0)}))
	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(1, 1.0)}))

	got := c.Values(key)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].UnixNano())
	require.Equal(t, int64(2), got[1].UnixNano())

	require.Equal(t, 1, c.KeyN())
	require.NotZero(t, c.Size())
}

func TestCache_Write_MaxSize(t *testing.T) {
	c := tsm.NewCache(64)
	key := tsm.CacheKey(1, "value")

	var err error
	for i := 0; err == nil && i < 100; i++ {
		err = c.Write(key, tsm.Values{tsm.NewValue(int64(i), float64(i))})
	}
	require.ErrorIs(t, err, tsm.ErrCacheMemoryExceeded)
}

// CheckMemory accounts for snapshot bytes and accepts exactly up to the bound.
func TestCache_CheckMemory(t *testing.T) {
	c := tsm.NewCache(64)
	key := tsm.CacheKey(1, "value")
	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(1, 1.0), tsm.NewValue(2, 2.0)}))

	require.NoError(t, c.CheckMemory(32))
	require.ErrorIs(t, c.CheckMemory(33), tsm.ErrCacheMemoryExceeded)

	// Bytes held by an uncleared snapshot still count against the bound.
	_, err := c.Snapshot()
	require.NoError(t, err)
	require.ErrorIs(t, c.CheckMemory(33), tsm.ErrCacheMemoryExceeded)
	c.ClearSnapshot(true)
	require.NoError(t, c.CheckMemory(64))

	// An unbounded cache accepts anything.
	require.NoError(t, tsm.NewCache(0).CheckMemory(1<<40))
}

func TestCache_Snapshot(t *testing.T) {
	c := tsm.NewCache(0)
	key := tsm.CacheKey(1, "value")
	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(1, 1.0)}))

	snap, err := c.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 1, snap.KeyN())

	// The live generation is empty but reads still see the snapshot.
	require.Equal(t, 0, c.KeyN())
	require.Len(t, c.Values(key), 1)

	// A second snapshot while one is outstanding is refused.
	_, err = c.Snapshot()
	require.ErrorIs(t, err, tsm.ErrSnapshotInProgress)

	c.ClearSnapshot(true)
	require.Empty(t, c.Values(key))

	// After clearing, snapshots are allowed again.
	_, err = c.Snapshot()
	require.NoError(t, err)
	c.ClearSnapshot(true)
}

// A failed flush merges the snapshot back so no acknowledged write is lost.
func TestCache_ClearSnapshot_Failure(t *testing.T) {
	c := tsm.NewCache(0)
	key := tsm.CacheKey(1, "value")
	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(1, 1.0)}))

	_, err := c.Snapshot()
	require.NoError(t, err)

	// A write racing the flush lands in the new generation.
	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(2, 2.0)}))

	c.ClearSnapshot(false)

	got := c.Values(key)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].UnixNano())
	require.Equal(t, int64(2), got[1].UnixNano())
	require.Equal(t, 1, c.KeyN())
}

// With a snapshot outstanding, reads merge both generations and live values
// win ties.
func TestCache_Values_SnapshotOverlay(t *testing.T) {
	c := tsm.NewCache(0)
	key := tsm.CacheKey(1, "value")
	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(1, 1.0)}))

	_, err := c.Snapshot()
	require.NoError(t, err)
	require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(1, 9.0)}))

	got := c.Values(key)
	require.Len(t, got, 1)
	require.Equal(t, 9.0, got[0].Value())

	c.ClearSnapshot(true)
}

func TestCache_Keys(t *testing.T) {
	c := tsm.NewCache(0)
	for i := 3; i >= 1; i-- {
		key := tsm.CacheKey(uint32(i), fmt.Sprintf("f%d", i))
		require.NoError(t, c.Write(key, tsm.Values{tsm.NewValue(1, 1.0)}))
	}

	keys := c.Keys()
	require.Len(t, keys, 3)
	for i, key := range keys {
		id, _ := tsm.ParseCacheKey(key)
		require.Equal(t, uint32(i+1), id)
	}
}
