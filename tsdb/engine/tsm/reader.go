package tsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
)

// ErrBlockChecksum reports a block whose stored checksum does not match its
// bytes. It is a block-level read error; the shard stays up.
type ErrBlockChecksum struct {
	Path   string
	Offset int64
}

func (e ErrBlockChecksum) Error() string {
	return fmt.Sprintf("block checksum mismatch in %s at offset %d", e.Path, e.Offset)
}

// Reader provides access to an immutable block file. The block index is
// loaded into memory by one sequential read at open time; the file itself is
// only touched again to serve block reads.
type Reader struct {
	path    string
	f       *os.File
	codec   Codec
	size    int64
	entries []IndexEntry // sorted by (series id, field, min time)
}

// OpenReader opens the block file at path and loads its index.
func OpenReader(path string, codec Codec) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{path: path, f: f, codec: codec}
	if err := r.readIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readIndex() error {
	fi, err := r.f.Stat()
	if err != nil {
		return err
	}
	r.size = fi.Size()
	if r.size < fileHeaderSize+footerSize {
		return fmt.Errorf("block file %s too small", r.path)
	}

	var header [fileHeaderSize]byte
	if _, err := r.f.ReadAt(header[:], 0); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(header[0:4]) != MagicNumber {
		return fmt.Errorf("block file %s has invalid magic", r.path)
	}
	if header[4] != Version {
		return fmt.Errorf("block file %s has unsupported version %d", r.path, header[4])
	}

	var footer [footerSize]byte
	if _, err := r.f.ReadAt(footer[:], r.size-footerSize); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(footer[16:20]) != MagicNumber {
		return fmt.Errorf("block file %s has invalid footer", r.path)
	}
	indexOffset := int64(binary.BigEndian.Uint64(footer[0:8]))
	indexSize := binary.BigEndian.Uint32(footer[8:12])
	indexSum := binary.BigEndian.Uint32(footer[12:16])

	if indexOffset < fileHeaderSize || indexOffset+int64(indexSize) > r.size-footerSize {
		return fmt.Errorf("block file %s has invalid index location", r.path)
	}

	// One contiguous read loads the whole index.
	buf := make([]byte, indexSize)
	if _, err := r.f.ReadAt(buf, indexOffset); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(buf) != indexSum {
		return fmt.Errorf("block index checksum mismatch in %s", r.path)
	}

	if len(buf) < 4 {
		return fmt.Errorf("block index truncated in %s", r.path)
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	buf = buf[4:]

	r.entries = make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		if buf, err = r.entries[i].readFrom(buf); err != nil {
			return fmt.Errorf("%s: %w", r.path, err)
		}
	}
	return nil
}

// Path returns the path to the underlying file.
func (r *Reader) Path() string { return r.path }

// BlockN returns the number of blocks in the file.
func (r *Reader) BlockN() int { return len(r.entries) }

// Entries returns the index entries for (id, field) whose time ranges
// overlap [min, max).
func (r *Reader) Entries(id uint32, field string, min, max int64) []IndexEntry {
	key := CacheKey(id, field)
	lo := sort.Search(len(r.entries), func(i int) bool {
		return bytes.Compare(r.entries[i].Key(), key) >= 0
	})

	var entries []IndexEntry
	for i := lo; i < len(r.entries) && bytes.Equal(r.entries[i].Key(), key); i++ {
		if r.entries[i].Contains(min, max) {
			entries = append(entries, r.entries[i])
		}
	}
	return entries
}

// ReadBlock reads, verifies and decodes the block described by e.
func (r *Reader) ReadBlock(e IndexEntry) (Values, error) {
	buf := make([]byte, e.Size)
	if _, err := r.f.ReadAt(buf, e.Offset); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(buf) != e.Checksum {
		return nil, ErrBlockChecksum{Path: r.path, Offset: e.Offset}
	}
	payload, err := r.codec.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("decode block in %s: %w", r.path, err)
	}
	return decodeBlockPayload(e.Type, payload)
}

// ReadAll returns the ordered, deduplicated values for (id, field) within
// [min, max).
func (r *Reader) ReadAll(id uint32, field string, min, max int64) (Values, error) {
	var values Values
	for _, e := range r.Entries(id, field, min, max) {
		v, err := r.ReadBlock(e)
		if err != nil {
			return nil, err
		}
		values = append(values, v...)
	}
	return values.Deduplicate().Include(min, max), nil
}

// ForEachKey calls fn once per unique (series id, field) key in the file, in
// key order, with the entries for that key.
func (r *Reader) ForEachKey(fn func(id uint32, field string, entries []IndexEntry) error) error {
	for i := 0; i < len(r.entries); {
		j := i + 1
		for j < len(r.entries) && bytes.Equal(r.entries[j].Key(), r.entries[i].Key()) {
			j++
		}
		if err := fn(r.entries[i].SeriesID, r.entries[i].Field, r.entries[i:j]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// TimeRange returns the inclusive time bounds covered by the file.
func (r *Reader) TimeRange() (min, max int64) {
	if len(r.entries) == 0 {
		return 0, 0
	}
	min, max = r.entries[0].MinTime, r.entries[0].MaxTime
	for _, e := range r.entries[1:] {
		if e.MinTime < min {
			min = e.MinTime
		}
		if e.MaxTime > max {
			max = e.MaxTime
		}
	}
	return min, max
}

// Size returns the size of the file in bytes.
func (r *Reader) Size() int64 { return r.size }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

var _ io.Closer = (*Reader)(nil)
