package tsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/meridiandb/meridian/models"
	"go.uber.org/zap"
)

// Stream file names within a shard directory. The three files are physical
// partitions of one logical transaction log: records carry a shared
// transaction sequence number and recovery reconciles all three before any
// file is truncated.
const (
	SeriesWALFile = "series.wal"
	IndexWALFile  = "index.wal"
	DataWALFile   = "data.wal"
)

// EntryType identifies the kind of payload carried by a WAL record.
type EntryType byte

const (
	// SeriesEntryType records a series id allocation in the series stream.
	SeriesEntryType EntryType = 0x01

	// FieldEntryType records a field schema addition in the index stream.
	FieldEntryType EntryType = 0x02

	// DataEntryType records point values in the data stream.
	DataEntryType EntryType = 0x03

	// CommitEntryType closes a transaction. It lives in the data stream and
	// is written only after the transaction's data records are durable.
	CommitEntryType EntryType = 0x04
)

const (
	streamSeries = 0
	streamIndex  = 1
	streamData   = 2
	streamN      = 3

	// walHeaderSize is seq (8) + entry type (1) + payload length (4).
	walHeaderSize = 13
)

var (
	// ErrWALClosed is returned when writing to a closed WAL group.
	ErrWALClosed = errors.New("WAL closed")

	// ErrWALCorrupt reports a record that failed checksum or framing
	// validation. It is handled during recovery, never surfaced by writes.
	ErrWALCorrupt = errors.New("WAL record corrupt")
)

// streamOf returns the physical stream a record type is appended to.
func streamOf(t EntryType) int {
	switch t {
	case SeriesEntryType:
		return streamSeries
	case FieldEntryType:
		return streamIndex
	default:
		return streamData
	}
}

// Entry is a single WAL record payload.
type Entry interface {
	Type() EntryType
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(b []byte) error
}

// SeriesEntry records the allocation of a series id for a series key.
type SeriesEntry struct {
	ID  uint32
	Key []byte // canonical series key: measurement plus sorted tag pairs
}

func (e *SeriesEntry) Type() EntryType { return SeriesEntryType }

func (e *SeriesEntry) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8+len(e.Key))
	binary.BigEndian.PutUint32(b[0:4], e.ID)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(e.Key)))
	copy(b[8:], e.Key)
	return b, nil
}

func (e *SeriesEntry) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("%w: short series entry", ErrWALCorrupt)
	}
	e.ID = binary.BigEndian.Uint32(b[0:4])
	n := binary.BigEndian.Uint32(b[4:8])
	if len(b) < 8+int(n) {
		return fmt.Errorf("%w: short series key", ErrWALCorrupt)
	}
	e.Key = make([]byte, n)
	copy(e.Key, b[8:8+n])
	return nil
}

// FieldEntry records the addition of a field to a measurement's schema.
type FieldEntry struct {
	ID          uint32
	Measurement []byte
	Field       string
	FieldType   models.FieldType
}

func (e *FieldEntry) Type() EntryType { return FieldEntryType }

func (e *FieldEntry) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 9+len(e.Measurement)+len(e.Field))
	b = binary.BigEndian.AppendUint32(b, e.ID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.Measurement)))
	b = append(b, e.Measurement...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.Field)))
	b = append(b, e.Field...)
	b = append(b, byte(e.FieldType))
	return b, nil
}

func (e *FieldEntry) UnmarshalBinary(b []byte) error {
	if len(b) < 6 {
		return fmt.Errorf("%w: short field entry", ErrWALCorrupt)
	}
	e.ID = binary.BigEndian.Uint32(b[0:4])
	b = b[4:]

	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return fmt.Errorf("%w: short measurement", ErrWALCorrupt)
	}
	e.Measurement = append([]byte(nil), b[2:2+n]...)
	b = b[2+n:]

	if len(b) < 2 {
		return fmt.Errorf("%w: short field name", ErrWALCorrupt)
	}
	n = int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n+1 {
		return fmt.Errorf("%w: short field name", ErrWALCorrupt)
	}
	e.Field = string(b[2 : 2+n])
	e.FieldType = models.FieldType(b[2+n])
	return nil
}

// DataEntry records one point: a series id, a timestamp and field values.
type DataEntry struct {
	ID     uint32
	Time   int64
	Fields models.Fields
}

func (e *DataEntry) Type() EntryType { return DataEntryType }

func (e *DataEntry) MarshalBinary() ([]byte, error) {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	b := make([]byte, 0, 16)
	b = binary.BigEndian.AppendUint32(b, e.ID)
	b = binary.BigEndian.AppendUint64(b, uint64(e.Time))
	b = binary.BigEndian.AppendUint16(b, uint16(len(names)))
	for _, name := range names {
		b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
		b = append(b, name...)
		switch v := e.Fields[name].(type) {
		case float64:
			b = append(b, byte(models.Float))
			b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
		case int64:
			b = append(b, byte(models.Integer))
			b = binary.BigEndian.AppendUint64(b, uint64(v))
		case bool:
			b = append(b, byte(models.Boolean))
			if v {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
		case string:
			b = append(b, byte(models.String))
			b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
			b = append(b, v...)
		default:
			return nil, fmt.Errorf("unsupported field value type %T", v)
		}
	}
	return b, nil
}

func (e *DataEntry) UnmarshalBinary(b []byte) error {
	if len(b) < 14 {
		return fmt.Errorf("%w: short data entry", ErrWALCorrupt)
	}
	e.ID = binary.BigEndian.Uint32(b[0:4])
	e.Time = int64(binary.BigEndian.Uint64(b[4:12]))
	n := int(binary.BigEndian.Uint16(b[12:14]))
	b = b[14:]

	e.Fields = make(models.Fields, n)
	for i := 0; i < n; i++ {
		if len(b) < 2 {
			return fmt.Errorf("%w: short data field", ErrWALCorrupt)
		}
		nameLen := int(binary.BigEndian.Uint16(b[0:2]))
		if len(b) < 2+nameLen+1 {
			return fmt.Errorf("%w: short data field", ErrWALCorrupt)
		}
		name := string(b[2 : 2+nameLen])
		typ := models.FieldType(b[2+nameLen])
		b = b[2+nameLen+1:]

		switch typ {
		case models.Float:
			if len(b) < 8 {
				return fmt.Errorf("%w: short float value", ErrWALCorrupt)
			}
			e.Fields[name] = math.Float64frombits(binary.BigEndian.Uint64(b[0:8]))
			b = b[8:]
		case models.Integer:
			if len(b) < 8 {
				return fmt.Errorf("%w: short integer value", ErrWALCorrupt)
			}
			e.Fields[name] = int64(binary.BigEndian.Uint64(b[0:8]))
			b = b[8:]
		case models.Boolean:
			if len(b) < 1 {
				return fmt.Errorf("%w: short boolean value", ErrWALCorrupt)
			}
			e.Fields[name] = b[0] == 1
			b = b[1:]
		case models.String:
			if len(b) < 4 {
				return fmt.Errorf("%w: short string value", ErrWALCorrupt)
			}
			strLen := int(binary.BigEndian.Uint32(b[0:4]))
			if len(b) < 4+strLen {
				return fmt.Errorf("%w: short string value", ErrWALCorrupt)
			}
			e.Fields[name] = string(b[4 : 4+strLen])
			b = b[4+strLen:]
		default:
			return fmt.Errorf("%w: unknown field type %d", ErrWALCorrupt, typ)
		}
	}
	return nil
}

// CommitEntry is the commit marker closing a transaction.
type CommitEntry struct{}

func (e *CommitEntry) Type() EntryType                { return CommitEntryType }
func (e *CommitEntry) MarshalBinary() ([]byte, error) { return nil, nil }
func (e *CommitEntry) UnmarshalBinary(b []byte) error { return nil }

func newEntry(t EntryType) (Entry, error) {
	switch t {
	case SeriesEntryType:
		return &SeriesEntry{}, nil
	case FieldEntryType:
		return &FieldEntry{}, nil
	case DataEntryType:
		return &DataEntry{}, nil
	case CommitEntryType:
		return &CommitEntry{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown entry type %#x", ErrWALCorrupt, byte(t))
	}
}

// walStream is one append-only physical file of the group.
type walStream struct {
	path string
	file *os.File
	size int64
}

func (s *walStream) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.file, s.size = f, fi.Size()
	return nil
}

func (s *walStream) write(b []byte) error {
	if _, err := s.file.Write(b); err != nil {
		return err
	}
	s.size += int64(len(b))
	return nil
}

func (s *walStream) sync() error { return s.file.Sync() }

func (s *walStream) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// rollback truncates the stream back to size, undoing a failed append.
func (s *walStream) rollback(size int64) {
	if s.file == nil || s.size == size {
		return
	}
	if err := s.file.Truncate(size); err == nil {
		s.size = size
	}
}

// Group is the write-ahead log of a shard: three physical append streams
// forming one logical transaction log. Commit-marker writes are serialized
// per shard; record preparation happens outside the lock.
type Group struct {
	mu      sync.Mutex
	dir     string
	codec   Codec
	logger  *zap.Logger
	shardID string

	seq      uint64 // last committed transaction sequence
	streams  [streamN]*walStream
	released bool
	closed   bool
}

// NewGroup returns a WAL group rooted at dir.
func NewGroup(dir string) *Group {
	g := &Group{
		dir:    dir,
		codec:  SnappyCodec{},
		logger: zap.NewNop(),
	}
	for i, name := range []string{SeriesWALFile, IndexWALFile, DataWALFile} {
		g.streams[i] = &walStream{path: filepath.Join(dir, name)}
	}
	return g
}

// WithLogger sets the logger. Must be called before Open.
func (g *Group) WithLogger(log *zap.Logger) {
	g.logger = log.With(zap.String("service", "wal"))
}

// WithShardLabel sets the shard label used on metrics. Must be called before
// Open.
func (g *Group) WithShardLabel(id string) { g.shardID = id }

// Path returns the directory the group writes to.
func (g *Group) Path() string { return g.dir }

// LastSeq returns the sequence number of the last committed transaction.
func (g *Group) LastSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// walRecord is a decoded record plus its position within its stream.
type walRecord struct {
	seq    uint64
	entry  Entry
	stream int
	end    int64 // file offset immediately after the record
}

// Open replays the group and prepares it for appending. base is the sequence
// number already reflected in the shard's index snapshot; records at or below
// it are skipped. Entries of every fully committed transaction above base are
// passed to apply in commit order. Records beyond the last fully valid
// contiguous transaction are discarded from all three streams together.
func (g *Group) Open(base uint64, apply func(Entry) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := os.MkdirAll(g.dir, 0777); err != nil {
		return err
	}

	var (
		records [streamN][]walRecord
		corrupt = uint64(math.MaxUint64) // lowest unusable seq across streams
	)
	for i, s := range g.streams {
		recs, limit, err := g.readStream(s.path, i)
		if err != nil {
			return err
		}
		records[i] = recs
		if limit < corrupt {
			corrupt = limit
		}
	}

	// Merge records into transactions keyed by sequence number.
	type txn struct {
		entries   []Entry
		committed bool
		maxSeen   bool
	}
	txns := make(map[uint64]*txn)
	var maxSeq uint64
	for si := 0; si < streamN; si++ {
		for _, rec := range records[si] {
			t := txns[rec.seq]
			if t == nil {
				t = &txn{}
				txns[rec.seq] = t
			}
			if rec.entry.Type() == CommitEntryType {
				t.committed = true
			} else {
				t.entries = append(t.entries, rec.entry)
			}
			if rec.seq > maxSeq {
				maxSeq = rec.seq
			}
		}
	}

	// Advance through contiguous, fully committed transactions. A corrupt
	// record caps the recovery point for the whole group, never per file.
	point := base
	for {
		next := point + 1
		if next >= corrupt {
			break
		}
		t, ok := txns[next]
		if !ok || !t.committed {
			break
		}
		point = next
	}

	// Apply recovered transactions in sequence order. Entries within one
	// transaction were collected stream-by-stream, so series entries apply
	// before field entries, which apply before data entries.
	if apply != nil {
		for seq := base + 1; seq <= point; seq++ {
			for _, e := range txns[seq].entries {
				if err := apply(e); err != nil {
					return err
				}
			}
		}
	}

	if point < maxSeq || corrupt != math.MaxUint64 {
		g.logger.Warn("discarding uncommitted WAL records",
			zap.Uint64("recovery_point", point),
			zap.Uint64("max_seq_seen", maxSeq))
	}

	// Truncate every stream to the end of its last record belonging to a
	// recovered transaction. Truncating per stream independently could
	// resurrect an orphaned series id with no index entry.
	for si, s := range g.streams {
		var keep int64
		for _, rec := range records[si] {
			if rec.seq > point {
				break
			}
			keep = rec.end
		}
		// A fresh shard has no stream files yet; they are created on open
		// below.
		if err := os.Truncate(s.path, keep); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	for _, s := range g.streams {
		if err := s.open(); err != nil {
			g.closeStreams()
			return err
		}
	}

	g.seq = point
	g.released = false
	return nil
}

// readStream decodes every valid record from one stream file. It returns the
// records in file order and the sequence number of the first record that
// failed validation (MaxUint64 if the whole file is valid): nothing at or
// beyond that sequence can be trusted in this stream.
func (g *Group) readStream(path string, stream int) ([]walRecord, uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, math.MaxUint64, nil
	} else if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		records []walRecord
		offset  int64
		header  [walHeaderSize]byte
		lastSeq uint64
	)
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF {
				return records, math.MaxUint64, nil
			}
			// Partial header: the tail was cut mid-write.
			return records, lastSeq + 1, nil
		}

		seq := binary.BigEndian.Uint64(header[0:8])
		typ := EntryType(header[8])
		payloadLen := binary.BigEndian.Uint32(header[9:13])

		buf := make([]byte, int(payloadLen)+4)
		if _, err := io.ReadFull(f, buf); err != nil {
			return records, lastSeq + 1, nil
		}
		payload, sum := buf[:payloadLen], binary.BigEndian.Uint32(buf[payloadLen:])

		if crc32.ChecksumIEEE(payload) != sum {
			g.logger.Warn("WAL record checksum mismatch",
				zap.String("path", path), zap.Uint64("seq", seq), zap.Int64("offset", offset))
			return records, seq, nil
		}

		entry, err := newEntry(typ)
		if err != nil {
			return records, seq, nil
		}
		decoded, err := g.codec.Decode(payload)
		if err != nil {
			return records, seq, nil
		}
		if err := entry.UnmarshalBinary(decoded); err != nil {
			return records, seq, nil
		}

		offset += walHeaderSize + int64(payloadLen) + 4
		records = append(records, walRecord{seq: seq, entry: entry, stream: stream, end: offset})
		lastSeq = seq
	}
}

// ForEachRecord decodes the valid prefix of one WAL stream file, calling fn
// for every record. It stops without error at the first invalid record, the
// same point recovery would stop at.
func ForEachRecord(path string, codec Codec, fn func(seq uint64, e Entry, offset int64) error) error {
	g := &Group{codec: codec, logger: zap.NewNop()}
	records, _, err := g.readStream(path, 0)
	if err != nil {
		return err
	}
	var offset int64
	for _, rec := range records {
		if err := fn(rec.seq, rec.entry, offset); err != nil {
			return err
		}
		offset = rec.end
	}
	return nil
}

// encodeRecord frames an entry as a checksummed WAL record.
func (g *Group) encodeRecord(seq uint64, e Entry) ([]byte, error) {
	payload, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	payload = g.codec.Encode(payload)

	b := make([]byte, 0, walHeaderSize+len(payload)+4)
	b = binary.BigEndian.AppendUint64(b, seq)
	b = append(b, byte(e.Type()))
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	b = append(b, payload...)
	b = binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(payload))
	return b, nil
}

// Commit durably writes one transaction: series entries, then field entries,
// then data entries, each stream synchronously flushed in that order, closed
// by a commit marker in the data stream. On any failure every stream is
// rolled back and the sequence number is not advanced.
func (g *Group) Commit(entries []Entry) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return 0, ErrWALClosed
	}
	if g.released {
		for _, s := range g.streams {
			if s.file == nil {
				if err := s.open(); err != nil {
					return 0, err
				}
			}
		}
		g.released = false
	}

	seq := g.seq + 1

	var sizes [streamN]int64
	for i, s := range g.streams {
		sizes[i] = s.size
	}
	rollback := func() {
		for i, s := range g.streams {
			s.rollback(sizes[i])
		}
	}

	// Append entries stream by stream in dependency order.
	for _, si := range []int{streamSeries, streamIndex, streamData} {
		var wrote bool
		for _, e := range entries {
			if streamOf(e.Type()) != si {
				continue
			}
			rec, err := g.encodeRecord(seq, e)
			if err != nil {
				rollback()
				return 0, err
			}
			if err := g.streams[si].write(rec); err != nil {
				rollback()
				return 0, err
			}
			trackWALBytes(g.shardID, len(rec))
			wrote = true
		}
		if wrote {
			if err := g.streams[si].sync(); err != nil {
				rollback()
				return 0, err
			}
			trackWALSync(g.shardID)
		}
	}

	// The transaction commits only once the data records are durable; the
	// marker closes it.
	rec, err := g.encodeRecord(seq, &CommitEntry{})
	if err != nil {
		rollback()
		return 0, err
	}
	if err := g.streams[streamData].write(rec); err != nil {
		rollback()
		return 0, err
	}
	if err := g.streams[streamData].sync(); err != nil {
		rollback()
		return 0, err
	}
	trackWALSync(g.shardID)

	g.seq = seq
	return seq, nil
}

// Checkpoint drops records of transactions at or below flushed from all three
// streams. Called after those transactions have been durably reflected in
// block files and the index snapshot. Transactions committed after the
// snapshot was taken are preserved. The sequence counter is not reset; the
// snapshot records flushed as the replay base.
func (g *Group) Checkpoint(flushed uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Nothing committed after the snapshot: truncating is enough.
	if flushed >= g.seq {
		for _, s := range g.streams {
			if s.file != nil {
				if err := s.file.Truncate(0); err != nil {
					return err
				}
				s.size = 0
			} else if err := os.Truncate(s.path, 0); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	}

	// Rewrite each stream keeping only records beyond flushed. The rewrite
	// lands via rename so a crash leaves either the old or the new file.
	for _, s := range g.streams {
		reopen := s.file != nil
		if err := s.close(); err != nil {
			return err
		}

		records, _, err := g.readStream(s.path, 0)
		if err != nil {
			return err
		}

		tmp := s.path + ".tmp"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.seq <= flushed {
				continue
			}
			b, err := g.encodeRecord(rec.seq, rec.entry)
			if err != nil {
				f.Close()
				os.Remove(tmp)
				return err
			}
			if _, err := f.Write(b); err != nil {
				f.Close()
				os.Remove(tmp)
				return err
			}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, s.path); err != nil {
			os.Remove(tmp)
			return err
		}

		if reopen {
			if err := s.open(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReleaseBuffers closes the stream file handles and drops write buffers for a
// shard no longer receiving writes. A later Commit transparently reopens the
// files.
func (g *Group) ReleaseBuffers() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed || g.released {
		return nil
	}
	err := g.closeStreams()
	g.released = true
	return err
}

// SizeN returns the total number of bytes across all three streams.
func (g *Group) SizeN() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	for _, s := range g.streams {
		if s.file != nil {
			n += s.size
			continue
		}
		if fi, err := os.Stat(s.path); err == nil {
			n += fi.Size()
		}
	}
	return n
}

// Close closes the group. Further commits return ErrWALClosed.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.closeStreams()
}

func (g *Group) closeStreams() error {
	var err error
	for _, s := range g.streams {
		if e := s.close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
