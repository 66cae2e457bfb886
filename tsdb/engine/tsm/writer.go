package tsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/meridiandb/meridian/models"
)

const (
	// MagicNumber identifies a block file.
	MagicNumber uint32 = 0x4d424b31 // "MBK1"

	// Version is the current block file format version.
	Version byte = 1

	// BlockFileExtension is the extension of immutable block files.
	BlockFileExtension = "blk"

	// footerSize is index offset (8) + index size (4) + index crc (4) +
	// magic (4).
	footerSize = 20

	// fileHeaderSize is magic (4) + version (1).
	fileHeaderSize = 5
)

var (
	// ErrNoValues is returned when a block is written with no values.
	ErrNoValues = errors.New("block must have at least one value")

	// ErrKeyOrder is returned when blocks are written out of key order.
	ErrKeyOrder = errors.New("keys must be added in sorted order")
)

// IndexEntry describes one immutable block: which series and field it holds,
// the time range it covers, and where its bytes live in the file.
type IndexEntry struct {
	SeriesID uint32
	Field    string
	Type     models.FieldType
	Count    uint32
	MinTime  int64
	MaxTime  int64
	Offset   int64
	Size     uint32
	Checksum uint32
}

// Key returns the composite (series id, field) key the entry belongs to.
func (e *IndexEntry) Key() []byte { return CacheKey(e.SeriesID, e.Field) }

// Contains returns true if the entry's time range overlaps [min, max).
func (e *IndexEntry) Contains(min, max int64) bool {
	return e.MinTime < max && e.MaxTime >= min
}

const indexEntryFixedSize = 4 + 2 + 1 + 4 + 8 + 8 + 8 + 4 + 4

func (e *IndexEntry) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, e.SeriesID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.Field)))
	b = append(b, e.Field...)
	b = append(b, byte(e.Type))
	b = binary.BigEndian.AppendUint32(b, e.Count)
	b = binary.BigEndian.AppendUint64(b, uint64(e.MinTime))
	b = binary.BigEndian.AppendUint64(b, uint64(e.MaxTime))
	b = binary.BigEndian.AppendUint64(b, uint64(e.Offset))
	b = binary.BigEndian.AppendUint32(b, e.Size)
	b = binary.BigEndian.AppendUint32(b, e.Checksum)
	return b
}

func (e *IndexEntry) readFrom(b []byte) ([]byte, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("block index entry truncated")
	}
	e.SeriesID = binary.BigEndian.Uint32(b[0:4])
	fieldLen := int(binary.BigEndian.Uint16(b[4:6]))
	b = b[6:]
	if len(b) < fieldLen+indexEntryFixedSize-6 {
		return nil, fmt.Errorf("block index entry truncated")
	}
	e.Field = string(b[:fieldLen])
	b = b[fieldLen:]
	e.Type = models.FieldType(b[0])
	e.Count = binary.BigEndian.Uint32(b[1:5])
	e.MinTime = int64(binary.BigEndian.Uint64(b[5:13]))
	e.MaxTime = int64(binary.BigEndian.Uint64(b[13:21]))
	e.Offset = int64(binary.BigEndian.Uint64(b[21:29]))
	e.Size = binary.BigEndian.Uint32(b[29:33])
	e.Checksum = binary.BigEndian.Uint32(b[33:37])
	return b[37:], nil
}

// encodeBlockPayload encodes values into the columnar block layout:
// timestamps first, then values, all of one field type.
func encodeBlockPayload(values Values) ([]byte, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}

	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(values)))
	buf.Write(scratch[:4])

	for _, v := range values {
		binary.BigEndian.PutUint64(scratch[:], uint64(v.UnixNano()))
		buf.Write(scratch[:])
	}

	switch values.BlockType() {
	case models.Float:
		for _, v := range values {
			binary.BigEndian.PutUint64(scratch[:], math.Float64bits(v.Value().(float64)))
			buf.Write(scratch[:])
		}
	case models.Integer:
		for _, v := range values {
			binary.BigEndian.PutUint64(scratch[:], uint64(v.Value().(int64)))
			buf.Write(scratch[:])
		}
	case models.Boolean:
		for _, v := range values {
			if v.Value().(bool) {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	case models.String:
		for _, v := range values {
			s := v.Value().(string)
			binary.BigEndian.PutUint32(scratch[:4], uint32(len(s)))
			buf.Write(scratch[:4])
			buf.WriteString(s)
		}
	default:
		return nil, fmt.Errorf("unsupported block type %s", values.BlockType())
	}
	return buf.Bytes(), nil
}

// decodeBlockPayload decodes a columnar block payload of the given type.
func decodeBlockPayload(typ models.FieldType, b []byte) (Values, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("block payload truncated")
	}
	count := int(binary.BigEndian.Uint32(b[0:4]))
	b = b[4:]
	if len(b) < count*8 {
		return nil, fmt.Errorf("block payload truncated")
	}

	times := make([]int64, count)
	for i := 0; i < count; i++ {
		times[i] = int64(binary.BigEndian.Uint64(b[i*8:]))
	}
	b = b[count*8:]

	values := make(Values, 0, count)
	switch typ {
	case models.Float:
		if len(b) < count*8 {
			return nil, fmt.Errorf("block payload truncated")
		}
		for i := 0; i < count; i++ {
			values = append(values, NewValue(times[i], math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))))
		}
	case models.Integer:
		if len(b) < count*8 {
			return nil, fmt.Errorf("block payload truncated")
		}
		for i := 0; i < count; i++ {
			values = append(values, NewValue(times[i], int64(binary.BigEndian.Uint64(b[i*8:]))))
		}
	case models.Boolean:
		if len(b) < count {
			return nil, fmt.Errorf("block payload truncated")
		}
		for i := 0; i < count; i++ {
			values = append(values, NewValue(times[i], b[i] == 1))
		}
	case models.String:
		for i := 0; i < count; i++ {
			if len(b) < 4 {
				return nil, fmt.Errorf("block payload truncated")
			}
			n := int(binary.BigEndian.Uint32(b[0:4]))
			if len(b) < 4+n {
				return nil, fmt.Errorf("block payload truncated")
			}
			values = append(values, NewValue(times[i], string(b[4:4+n])))
			b = b[4+n:]
		}
	default:
		return nil, fmt.Errorf("unsupported block type %d", typ)
	}
	return values, nil
}

// Writer writes an immutable block file: a header, a sequence of compressed
// blocks, and a checksummed block index footer. Blocks must be written in
// ascending (series id, field, min time) order.
type Writer struct {
	f     *os.File
	w     *bufio.Writer
	codec Codec
	n     int64
	index []IndexEntry
}

// NewWriter begins a block file on f using codec for payload compression.
func NewWriter(f *os.File, codec Codec) (*Writer, error) {
	w := &Writer{f: f, w: bufio.NewWriterSize(f, 1<<16), codec: codec}

	var header [fileHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], MagicNumber)
	header[4] = Version
	if _, err := w.w.Write(header[:]); err != nil {
		return nil, err
	}
	w.n = fileHeaderSize
	return w, nil
}

// WriteBlock compresses and appends one block of values for (id, field).
// Values must be ordered and deduplicated.
func (w *Writer) WriteBlock(id uint32, field string, values Values) error {
	if len(values) == 0 {
		return ErrNoValues
	}
	if n := len(w.index); n > 0 {
		last := &w.index[n-1]
		if cmp := bytes.Compare(last.Key(), CacheKey(id, field)); cmp > 0 {
			return ErrKeyOrder
		} else if cmp == 0 && last.MinTime > values.MinTime() {
			return ErrKeyOrder
		}
	}

	payload, err := encodeBlockPayload(values)
	if err != nil {
		return err
	}
	block := w.codec.Encode(payload)

	if _, err := w.w.Write(block); err != nil {
		return err
	}

	w.index = append(w.index, IndexEntry{
		SeriesID: id,
		Field:    field,
		Type:     values.BlockType(),
		Count:    uint32(len(values)),
		MinTime:  values.MinTime(),
		MaxTime:  values.MaxTime(),
		Offset:   w.n,
		Size:     uint32(len(block)),
		Checksum: crc32.ChecksumIEEE(block),
	})
	w.n += int64(len(block))
	return nil
}

// WriteIndex writes the block index and footer. The file is complete once
// WriteIndex returns; Close must still be called.
func (w *Writer) WriteIndex() error {
	indexOffset := w.n

	b := make([]byte, 0, 4+len(w.index)*indexEntryFixedSize)
	b = binary.BigEndian.AppendUint32(b, uint32(len(w.index)))
	for i := range w.index {
		b = w.index[i].appendTo(b)
	}

	if _, err := w.w.Write(b); err != nil {
		return err
	}

	var footer [footerSize]byte
	binary.BigEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.BigEndian.PutUint32(footer[8:12], uint32(len(b)))
	binary.BigEndian.PutUint32(footer[12:16], crc32.ChecksumIEEE(b))
	binary.BigEndian.PutUint32(footer[16:20], MagicNumber)
	if _, err := w.w.Write(footer[:]); err != nil {
		return err
	}

	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// BlockN returns the number of blocks written so far.
func (w *Writer) BlockN() int { return len(w.index) }

// Size returns the number of block bytes written so far, excluding the index.
func (w *Writer) Size() int64 { return w.n }

// Close closes the underlying file.
func (w *Writer) Close() error { return w.f.Close() }

// FormatFileName returns the name of a block file for a generation and
// sequence within the generation.
func FormatFileName(generation, sequence int) string {
	return fmt.Sprintf("%09d-%09d.%s", generation, sequence, BlockFileExtension)
}

// ParseFileName extracts the generation and sequence from a block file name.
func ParseFileName(name string) (generation, sequence int, err error) {
	if n, _ := fmt.Sscanf(name, "%09d-%09d."+BlockFileExtension, &generation, &sequence); n != 2 {
		return 0, 0, fmt.Errorf("invalid block file name: %q", name)
	}
	return generation, sequence, nil
}
