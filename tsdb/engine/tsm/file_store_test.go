package tsm_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/tsdb/engine/tsm"
)

func TestFileStore_OpenEmpty(t *testing.T) {
	fs := tsm.NewFileStore(t.TempDir())
	require.NoError(t, fs.Open())
	defer fs.Close()

	require.Equal(t, 0, fs.Count())
	require.Equal(t, 1, fs.NextGeneration())
}

func TestFileStore_Replace(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, map[uint32]map[string]tsm.Values{
		0: {"value": {tsm.NewValue(1, 1.0)}},
	})

	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()

	name := tsm.FormatFileName(1, 1)
	require.NoError(t, fs.Replace(nil, []string{name}))
	require.Equal(t, []string{name}, fs.FileNames())
	require.Equal(t, 2, fs.NextGeneration())

	got, err := fs.Read(0, "value", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Reopening from the manifest restores the same set.
	require.NoError(t, fs.Close())
	fs2 := tsm.NewFileStore(dir)
	require.NoError(t, fs2.Open())
	defer fs2.Close()
	require.Equal(t, []string{name}, fs2.FileNames())
}

func TestFileStore_Replace_RemovesOld(t *testing.T) {
	dir := t.TempDir()

	path1 := filepath.Join(dir, tsm.FormatFileName(1, 1))
	f, err := os.Create(path1)
	require.NoError(t, err)
	w, err := tsm.NewWriter(f, tsm.SnappyCodec{})
	require.NoError(t, err)
	require.NoError(t, w.WriteBlock(0, "value", tsm.Values{tsm.NewValue(1, 1.0)}))
	require.NoError(t, w.WriteIndex())
	require.NoError(t, w.Close())

	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()
	require.NoError(t, fs.Replace(nil, []string{tsm.FormatFileName(1, 1)}))

	// Write a replacement generation holding newer data.
	path2 := filepath.Join(dir, tsm.FormatFileName(2, 1))
	f, err = os.Create(path2)
	require.NoError(t, err)
	w, err = tsm.NewWriter(f, tsm.SnappyCodec{})
	require.NoError(t, err)
	require.NoError(t, w.WriteBlock(0, "value", tsm.Values{tsm.NewValue(1, 9.0)}))
	require.NoError(t, w.WriteIndex())
	require.NoError(t, w.Close())

	require.NoError(t, fs.Replace(
		[]string{tsm.FormatFileName(1, 1)},
		[]string{tsm.FormatFileName(2, 1)}))

	require.Equal(t, []string{tsm.FormatFileName(2, 1)}, fs.FileNames())
	_, err = os.Stat(path1)
	require.True(t, os.IsNotExist(err))

	got, err := fs.Read(0, "value", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 9.0, got[0].Value())
}

// Newer generations win duplicate timestamps on read.
func TestFileStore_Read_NewerWins(t *testing.T) {
	dir := t.TempDir()

	for gen, v := range map[int]float64{1: 1.0, 2: 2.0} {
		f, err := os.Create(filepath.Join(dir, tsm.FormatFileName(gen, 1)))
		require.NoError(t, err)
		w, err := tsm.NewWriter(f, tsm.SnappyCodec{})
		require.NoError(t, err)
		require.NoError(t, w.WriteBlock(0, "value", tsm.Values{tsm.NewValue(100, v)}))
		require.NoError(t, w.WriteIndex())
		require.NoError(t, w.Close())
	}

	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()
	require.NoError(t, fs.Replace(nil, []string{
		tsm.FormatFileName(1, 1),
		tsm.FormatFileName(2, 1),
	}))

	got, err := fs.Read(0, "value", 0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 2.0, got[0].Value())
}

func TestFileStore_Keys(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, map[uint32]map[string]tsm.Values{
		0: {"value": {tsm.NewValue(1, 1.0)}},
		1: {"value": {tsm.NewValue(1, 2.0)}},
	})

	fs := tsm.NewFileStore(dir)
	require.NoError(t, fs.Open())
	defer fs.Close()
	require.NoError(t, fs.Replace(nil, []string{tsm.FormatFileName(1, 1)}))

	keys := fs.Keys()
	require.Len(t, keys, 2)
	id, field := tsm.ParseCacheKey(keys[0])
	require.Equal(t, uint32(0), id)
	require.Equal(t, "value", field)
}

func TestFileStore_BadManifestVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tsm.ManifestFileName), []byte("v9\n"), 0666))

	fs := tsm.NewFileStore(dir)
	require.Error(t, fs.Open())
}
