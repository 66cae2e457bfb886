package tsm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/tsdb/engine/tsm"
)

func TestCompactor_WriteSnapshot(t *testing.T) {
	dir := t.TempDir()
	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()

	cache := tsm.NewCache(0)
	require.NoError(t, cache.Write(tsm.CacheKey(0, "value"), tsm.Values{
		tsm.NewValue(2, 2.0), tsm.NewValue(1, 1.0),
	}))
	require.NoError(t, cache.Write(tsm.CacheKey(1, "value"), tsm.Values{
		tsm.NewValue(3, 3.0),
	}))

	snap, err := cache.Snapshot()
	require.NoError(t, err)

	c := tsm.NewCompactor(dir, fs)
	names, err := c.WriteSnapshot(snap)
	require.NoError(t, err)
	require.Equal(t, []string{tsm.FormatFileName(1, 1)}, names)

	require.NoError(t, fs.Replace(nil, names))
	cache.ClearSnapshot(true)

	got, err := fs.Read(0, "value", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].UnixNano())

	got, err = fs.Read(1, "value", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCompactor_WriteSnapshot_Empty(t *testing.T) {
	dir := t.TempDir()
	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()

	cache := tsm.NewCache(0)
	snap, err := cache.Snapshot()
	require.NoError(t, err)
	defer cache.ClearSnapshot(true)

	names, err := tsm.NewCompactor(dir, fs).WriteSnapshot(snap)
	require.NoError(t, err)
	require.Empty(t, names)
}

// Snapshots spanning more keys than the batch size split into several files.
func TestCompactor_WriteSnapshot_Batches(t *testing.T) {
	dir := t.TempDir()
	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()

	cache := tsm.NewCache(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Write(tsm.CacheKey(uint32(i), "value"), tsm.Values{
			tsm.NewValue(1, float64(i)),
		}))
	}
	snap, err := cache.Snapshot()
	require.NoError(t, err)
	defer cache.ClearSnapshot(true)

	c := tsm.NewCompactor(dir, fs)
	c.BatchSize = 2
	names, err := c.WriteSnapshot(snap)
	require.NoError(t, err)
	require.Len(t, names, 3)
}

func TestCompactor_CompactFull(t *testing.T) {
	dir := t.TempDir()
	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()
	c := tsm.NewCompactor(dir, fs)

	// Two snapshot generations containing an overlapping timestamp.
	for gen, v := range []float64{1.0, 9.0} {
		cache := tsm.NewCache(0)
		require.NoError(t, cache.Write(tsm.CacheKey(0, "value"), tsm.Values{
			tsm.NewValue(100, v), tsm.NewValue(int64(200+gen), v),
		}))
		snap, err := cache.Snapshot()
		require.NoError(t, err)
		names, err := c.WriteSnapshot(snap)
		require.NoError(t, err)
		require.NoError(t, fs.Replace(nil, names))
		cache.ClearSnapshot(true)
	}
	require.Equal(t, 2, fs.Count())

	old, names, err := c.CompactFull()
	require.NoError(t, err)
	require.Len(t, old, 2)
	require.Len(t, names, 1)
	require.NoError(t, fs.Replace(old, names))
	require.Equal(t, 1, fs.Count())

	got, err := fs.Read(0, "value", 0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// The newer generation's value for the shared timestamp survives.
	require.Equal(t, 9.0, got[0].Value())

	// A second full compaction with no new writes yields the same content.
	old, names, err = c.CompactFull()
	require.NoError(t, err)
	require.NoError(t, fs.Replace(old, names))
	again, err := fs.Read(0, "value", 0, 1000)
	require.NoError(t, err)
	require.Equal(t, len(got), len(again))
	for i := range got {
		require.Equal(t, got[i].UnixNano(), again[i].UnixNano())
		require.Equal(t, got[i].Value(), again[i].Value())
	}
}

func TestCompactor_CompactFull_NoFiles(t *testing.T) {
	dir := t.TempDir()
	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()

	old, names, err := tsm.NewCompactor(dir, fs).CompactFull()
	require.NoError(t, err)
	require.Empty(t, old)
	require.Empty(t, names)
}

// Blocks are split at the configured maximum points per block.
func TestCompactor_MaxPointsPerBlock(t *testing.T) {
	dir := t.TempDir()
	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()

	cache := tsm.NewCache(0)
	var values tsm.Values
	for i := 0; i < 10; i++ {
		values = append(values, tsm.NewValue(int64(i), float64(i)))
	}
	require.NoError(t, cache.Write(tsm.CacheKey(0, "value"), values))
	snap, err := cache.Snapshot()
	require.NoError(t, err)
	defer cache.ClearSnapshot(true)

	c := tsm.NewCompactor(dir, fs)
	c.MaxPointsPerBlock = 4
	names, err := c.WriteSnapshot(snap)
	require.NoError(t, err)
	require.NoError(t, fs.Replace(nil, names))

	require.Equal(t, 3, fs.Files()[0].BlockN())
	got, err := fs.Read(0, "value", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 10)
}
