package tsdb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/meridiandb/meridian/models"
)

// IndexSnapshotFile is the serialized form of a shard's series dictionary
// and field schemas, written after compaction. At open it is bulk-loaded by
// one sequential read; it is never used as a live access structure.
const IndexSnapshotFile = "index.snapshot"

const (
	snapshotMagic   uint32 = 0x4d534e50 // "MSNP"
	snapshotVersion byte   = 1
)

type SnapshotSeries struct {
	ID  uint32
	Key []byte
}

type SnapshotField struct {
	Name string
	Type models.FieldType
}

// IndexSnapshot is the decoded contents of an index.snapshot file. Seq is
// the WAL transaction sequence the snapshot reflects: replay resumes from
// the next sequence number.
type IndexSnapshot struct {
	Seq    uint64
	NextID uint32
	Series []SnapshotSeries
	Fields map[string][]SnapshotField
}

func (s *IndexSnapshot) marshal() []byte {
	b := make([]byte, 0, 64)
	b = binary.BigEndian.AppendUint32(b, snapshotMagic)
	b = append(b, snapshotVersion)
	b = binary.BigEndian.AppendUint64(b, s.Seq)
	b = binary.BigEndian.AppendUint32(b, s.NextID)

	b = binary.BigEndian.AppendUint32(b, uint32(len(s.Series)))
	for _, sr := range s.Series {
		b = binary.BigEndian.AppendUint32(b, sr.ID)
		b = binary.BigEndian.AppendUint32(b, uint32(len(sr.Key)))
		b = append(b, sr.Key...)
	}

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	b = binary.BigEndian.AppendUint32(b, uint32(len(names)))
	for _, name := range names {
		b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
		b = append(b, name...)
		fields := s.Fields[name]
		b = binary.BigEndian.AppendUint32(b, uint32(len(fields)))
		for _, f := range fields {
			b = binary.BigEndian.AppendUint16(b, uint16(len(f.Name)))
			b = append(b, f.Name...)
			b = append(b, byte(f.Type))
		}
	}

	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func (s *IndexSnapshot) unmarshal(b []byte) error {
	if len(b) < 21+4 {
		return fmt.Errorf("index snapshot truncated")
	}
	body, sum := b[:len(b)-4], binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return fmt.Errorf("index snapshot checksum mismatch")
	}

	if binary.BigEndian.Uint32(body[0:4]) != snapshotMagic {
		return fmt.Errorf("index snapshot has invalid magic")
	}
	if body[4] != snapshotVersion {
		return fmt.Errorf("index snapshot has unsupported version %d", body[4])
	}
	s.Seq = binary.BigEndian.Uint64(body[5:13])
	s.NextID = binary.BigEndian.Uint32(body[13:17])
	body = body[17:]

	if len(body) < 4 {
		return fmt.Errorf("index snapshot truncated")
	}
	seriesN := int(binary.BigEndian.Uint32(body[0:4]))
	body = body[4:]
	s.Series = make([]SnapshotSeries, 0, seriesN)
	for i := 0; i < seriesN; i++ {
		if len(body) < 8 {
			return fmt.Errorf("index snapshot truncated")
		}
		id := binary.BigEndian.Uint32(body[0:4])
		n := int(binary.BigEndian.Uint32(body[4:8]))
		if len(body) < 8+n {
			return fmt.Errorf("index snapshot truncated")
		}
		key := make([]byte, n)
		copy(key, body[8:8+n])
		s.Series = append(s.Series, SnapshotSeries{ID: id, Key: key})
		body = body[8+n:]
	}

	if len(body) < 4 {
		return fmt.Errorf("index snapshot truncated")
	}
	measN := int(binary.BigEndian.Uint32(body[0:4]))
	body = body[4:]
	s.Fields = make(map[string][]SnapshotField, measN)
	for i := 0; i < measN; i++ {
		if len(body) < 2 {
			return fmt.Errorf("index snapshot truncated")
		}
		n := int(binary.BigEndian.Uint16(body[0:2]))
		if len(body) < 2+n+4 {
			return fmt.Errorf("index snapshot truncated")
		}
		name := string(body[2 : 2+n])
		fieldN := int(binary.BigEndian.Uint32(body[2+n : 6+n]))
		body = body[6+n:]

		fields := make([]SnapshotField, 0, fieldN)
		for j := 0; j < fieldN; j++ {
			if len(body) < 2 {
				return fmt.Errorf("index snapshot truncated")
			}
			fn := int(binary.BigEndian.Uint16(body[0:2]))
			if len(body) < 2+fn+1 {
				return fmt.Errorf("index snapshot truncated")
			}
			fields = append(fields, SnapshotField{
				Name: string(body[2 : 2+fn]),
				Type: models.FieldType(body[2+fn]),
			})
			body = body[2+fn+1:]
		}
		s.Fields[name] = fields
	}
	return nil
}

// writeIndexSnapshot atomically writes an index snapshot to path.
func writeIndexSnapshot(path string, s *IndexSnapshot) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, s.marshal(), 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadIndexSnapshot bulk-loads the snapshot at path. A missing file returns
// an empty snapshot.
func ReadIndexSnapshot(path string) (*IndexSnapshot, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &IndexSnapshot{Fields: make(map[string][]SnapshotField)}, nil
	} else if err != nil {
		return nil, err
	}
	var s IndexSnapshot
	if err := s.unmarshal(b); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}
