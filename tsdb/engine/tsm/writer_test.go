package tsm_test

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/tsdb/engine/tsm"
)

func writeBlockFile(t *testing.T, dir string, blocks map[uint32]map[string]tsm.Values) string {
	t.Helper()

	path := filepath.Join(dir, tsm.FormatFileName(1, 1))
	f, err := os.Create(path)
	require.NoError(t, err)

	w, err := tsm.NewWriter(f, tsm.SnappyCodec{})
	require.NoError(t, err)

	// Keys must be written in composite key order.
	var ids []uint32
	for id := range blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		var fields []string
		for field := range blocks[id] {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			require.NoError(t, w.WriteBlock(id, field, blocks[id][field]))
		}
	}

	require.NoError(t, w.WriteIndex())
	require.NoError(t, w.Close())
	return path
}

func TestWriterReader_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := writeBlockFile(t, dir, map[uint32]map[string]tsm.Values{
		0: {
			"value": {tsm.NewValue(1, 1.0), tsm.NewValue(2, 2.0)},
		},
		1: {
			"count": {tsm.NewValue(1, int64(10))},
			"up":    {tsm.NewValue(1, true)},
		},
		2: {
			"name": {tsm.NewValue(5, "hello")},
		},
	})

	r, err := tsm.OpenReader(path, tsm.SnappyCodec{})
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 4, r.BlockN())

	got, err := r.ReadAll(0, "value", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1.0, got[0].Value())
	require.Equal(t, 2.0, got[1].Value())

	got, err = r.ReadAll(1, "count", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(10), got[0].Value())

	got, err = r.ReadAll(1, "up", 0, 100)
	require.NoError(t, err)
	require.Equal(t, true, got[0].Value())

	got, err = r.ReadAll(2, "name", 0, 100)
	require.NoError(t, err)
	require.Equal(t, "hello", got[0].Value())

	// Unknown key reads empty.
	got, err = r.ReadAll(9, "value", 0, 100)
	require.NoError(t, err)
	require.Empty(t, got)

	min, max := r.TimeRange()
	require.Equal(t, int64(1), min)
	require.Equal(t, int64(5), max)
}

func TestWriterReader_TimeFilter(t *testing.T) {
	dir := t.TempDir()
	path := writeBlockFile(t, dir, map[uint32]map[string]tsm.Values{
		0: {"value": {tsm.NewValue(1, 1.0), tsm.NewValue(2, 2.0), tsm.NewValue(3, 3.0)}},
	})

	r, err := tsm.OpenReader(path, tsm.SnappyCodec{})
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadAll(0, "value", 2, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].UnixNano())
}

func TestWriter_KeyOrder(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), tsm.FormatFileName(1, 1)))
	require.NoError(t, err)

	w, err := tsm.NewWriter(f, tsm.SnappyCodec{})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteBlock(5, "value", tsm.Values{tsm.NewValue(1, 1.0)}))
	err = w.WriteBlock(1, "value", tsm.Values{tsm.NewValue(1, 1.0)})
	require.ErrorIs(t, err, tsm.ErrKeyOrder)

	err = w.WriteBlock(5, "value", tsm.Values{})
	require.ErrorIs(t, err, tsm.ErrNoValues)
}

// A flipped byte inside a block must surface as a checksum error on read, not
// as garbage values.
func TestReader_BlockChecksum(t *testing.T) {
	dir := t.TempDir()
	path := writeBlockFile(t, dir, map[uint32]map[string]tsm.Values{
		0: {"value": {tsm.NewValue(1, 1.0), tsm.NewValue(2, 2.0)}},
	})

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[6] ^= 0xff // inside the first block, past the header
	require.NoError(t, os.WriteFile(path, b, 0666))

	r, err := tsm.OpenReader(path, tsm.SnappyCodec{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadAll(0, "value", 0, 100)
	var cerr tsm.ErrBlockChecksum
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, path, cerr.Path)
}

func TestReader_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, tsm.FormatFileName(1, 1))
	require.NoError(t, os.WriteFile(path, []byte("not a block file"), 0666))

	_, err := tsm.OpenReader(path, tsm.SnappyCodec{})
	require.Error(t, err)
}

func TestFileName_Roundtrip(t *testing.T) {
	name := tsm.FormatFileName(3, 7)
	require.Equal(t, "000000003-000000007.blk", name)

	gen, seq, err := tsm.ParseFileName(name)
	require.NoError(t, err)
	require.Equal(t, 3, gen)
	require.Equal(t, 7, seq)

	_, _, err = tsm.ParseFileName("bogus")
	require.Error(t, err)
}
