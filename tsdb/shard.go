package tsdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/models"
	"github.com/meridiandb/meridian/tsdb/engine/tsm"
	"github.com/meridiandb/meridian/tsdb/index"
)

// ShardState is the lifecycle state of a shard. Transitions are forward-only:
// a shard never returns to an earlier state.
type ShardState int

const (
	// ShardActive accepts writes and reads.
	ShardActive ShardState = iota

	// ShardCold has seen no writes for the cold duration. Its in-memory data
	// has been flushed, its block files fully compacted and its write buffers
	// released. Reads are still served; writes are rejected.
	ShardCold

	// ShardExpiring has passed the end of the retention period and is being
	// torn down. Neither writes nor reads are served.
	ShardExpiring

	// ShardExpired has been removed from disk.
	ShardExpired
)

func (s ShardState) String() string {
	switch s {
	case ShardActive:
		return "active"
	case ShardCold:
		return "cold"
	case ShardExpiring:
		return "expiring"
	case ShardExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// measurementTagKey is the reserved tag key under which every series is
// indexed by its measurement name. A zero byte cannot appear in a user tag
// key.
var measurementTagKey = []byte{0x00}

// PointRow is one timestamp of a series with its field values.
type PointRow struct {
	Time   int64
	Fields models.Fields
}

// TagPredicate selects series by one tag. When Matcher is nil the predicate
// matches tag values equal to Value; otherwise every value accepted by the
// matcher.
type TagPredicate struct {
	Key     []byte
	Value   []byte
	Matcher index.Matcher
}

// Shard is the storage engine for one contiguous time range: a series
// dictionary and indexes, a three-stream WAL, a mutable cache and an immutable
// block file store.
type Shard struct {
	id   uint64
	path string
	cfg  Config

	minTime int64 // inclusive
	maxTime int64 // exclusive

	logger *zap.Logger
	clock  clock.Clock

	mu        sync.RWMutex
	state     ShardState
	lastWrite time.Time
	closed    bool
	opened    bool

	// commitMu serializes WAL commits together with the in-memory apply that
	// follows them, and is also the barrier a cache flip takes so that the
	// captured WAL sequence and cache contents agree.
	commitMu sync.Mutex

	dict     *SeriesDict
	forward  *index.Forward
	inverted *index.Inverted

	wal       *tsm.Group
	cache     *tsm.Cache
	fs        *tsm.FileStore
	compactor *tsm.Compactor

	flushedSeq uint64 // WAL sequence reflected in index.snapshot
}

// NewShard returns a shard rooted at path covering the time range derived
// from id and the configured shard duration.
func NewShard(id uint64, path string, cfg Config) *Shard {
	dur := int64(time.Duration(cfg.ShardDuration))
	label := strconv.FormatUint(id, 10)

	s := &Shard{
		id:      id,
		path:    path,
		cfg:     cfg,
		minTime: int64(id) * dur,
		maxTime: int64(id)*dur + dur,
		logger:  zap.NewNop(),
		clock:   clock.New(),

		dict:     NewSeriesDict(),
		forward:  index.NewForward(),
		inverted: index.NewInverted(cfg.IndexCacheSize),

		wal:   tsm.NewGroup(path),
		cache: tsm.NewCache(cfg.CacheMaxMemorySize),
		fs:    tsm.NewFileStore(path),
	}
	s.compactor = tsm.NewCompactor(path, s.fs)
	if cfg.CompactionBatchSize > 0 {
		s.compactor.BatchSize = cfg.CompactionBatchSize
	}
	if cfg.MaxPointsPerBlock > 0 {
		s.compactor.MaxPointsPerBlock = cfg.MaxPointsPerBlock
	}

	s.wal.WithShardLabel(label)
	s.cache.WithShardLabel(label)
	s.compactor.WithShardLabel(label)
	return s
}

// WithLogger sets the logger. Must be called before Open.
func (s *Shard) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.Uint64("shard", s.id))
	s.wal.WithLogger(s.logger)
	s.fs.WithLogger(s.logger)
	s.compactor.WithLogger(s.logger)
}

// WithClock sets the clock used for write timestamps. Must be called before
// Open.
func (s *Shard) WithClock(c clock.Clock) { s.clock = c }

// ID returns the shard's id.
func (s *Shard) ID() uint64 { return s.id }

// Path returns the shard's directory.
func (s *Shard) Path() string { return s.path }

// TimeRange returns the half-open time range [min, max) the shard covers.
func (s *Shard) TimeRange() (min, max int64) { return s.minTime, s.maxTime }

// Open loads the shard: the index snapshot is bulk-read and the in-memory
// indexes rebuilt from it, block files are opened, then the WAL is replayed
// from the snapshot's sequence to restore the cache and any series created
// after the last flush.
func (s *Shard) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}
	if err := os.MkdirAll(s.path, 0777); err != nil {
		return err
	}

	snap, err := ReadIndexSnapshot(filepath.Join(s.path, IndexSnapshotFile))
	if err != nil {
		return err
	}
	for _, sr := range snap.Series {
		if err := s.dict.InsertWithID(sr.Key, sr.ID); err != nil {
			return err
		}
		s.indexSeries(sr.ID, s.dict.Key(sr.ID))
	}
	s.dict.SetNextID(snap.NextID)
	for name, fields := range snap.Fields {
		mf := s.forward.MeasurementFields([]byte(name))
		for _, f := range fields {
			if _, err := mf.CreateFieldIfNotExists(f.Name, f.Type); err != nil {
				return err
			}
		}
	}

	if err := s.fs.Open(); err != nil {
		return err
	}

	if err := s.wal.Open(snap.Seq, s.applyWALEntry); err != nil {
		s.fs.Close()
		return err
	}

	s.flushedSeq = snap.Seq
	s.state = ShardActive
	s.lastWrite = s.clock.Now()
	s.opened = true

	s.logger.Info("shard opened",
		zap.Int("series", s.dict.Count()),
		zap.Int("block_files", s.fs.Count()),
		zap.Uint64("wal_seq", s.wal.LastSeq()))
	return nil
}

// applyWALEntry replays one recovered WAL entry into the in-memory state.
func (s *Shard) applyWALEntry(e tsm.Entry) error {
	switch e := e.(type) {
	case *tsm.SeriesEntry:
		if err := s.dict.InsertWithID(e.Key, e.ID); err != nil {
			return err
		}
		s.indexSeries(e.ID, s.dict.Key(e.ID))
	case *tsm.FieldEntry:
		mf := s.forward.MeasurementFields(e.Measurement)
		if _, err := mf.CreateFieldIfNotExists(e.Field, e.FieldType); err != nil {
			return err
		}
	case *tsm.DataEntry:
		for name, v := range e.Fields {
			key := tsm.CacheKey(e.ID, name)
			if err := s.cache.Write(key, tsm.Values{tsm.NewValue(e.Time, v)}); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexSeries publishes a series into the forward and inverted indexes. key
// must be the dictionary's own stable copy.
func (s *Shard) indexSeries(id uint32, key []byte) {
	name, tags := ParseSeriesKey(key)
	s.forward.Put(id, name, tags)
	s.inverted.Put(measurementTagKey, name, id)
	for _, t := range tags {
		s.inverted.Put(t.Key, t.Value, id)
	}
}

// checkWritable returns the error matching the shard's state if it cannot
// accept writes.
func (s *Shard) checkWritable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.closed:
		return ErrShardClosed
	case s.state >= ShardExpiring:
		return ErrShardExpired
	case s.state == ShardCold:
		return ErrShardCold
	default:
		return nil
	}
}

// WritePoints validates, logs and applies a batch of points. The batch is one
// WAL transaction: either every point becomes durable and visible, or none
// does and the shard's memory is untouched.
func (s *Shard) WritePoints(points []models.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.checkWritable(); err != nil {
		return err
	}

	for i := range points {
		p := &points[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if p.Time < s.minTime || p.Time >= s.maxTime {
			return fmt.Errorf("%w: %d not in [%d,%d)", ErrTimeOutOfRange, p.Time, s.minTime, s.maxTime)
		}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	// The state may have changed while waiting for the commit lock; a batch
	// must never commit into a shard that just went cold.
	if err := s.checkWritable(); err != nil {
		return err
	}

	// Resolve series ids and validate schemas before anything is logged. A
	// conflicting field type fails the whole batch with no WAL record, even
	// when both sides of the conflict arrive in the same batch.
	type newSeries struct {
		id  uint32
		key []byte
	}
	var (
		created   []newSeries
		entries   []tsm.Entry
		ids       = make([]uint32, len(points))
		nextID    = s.dict.NextID()
		pending   = make(map[string]uint32)
		newField  = make(map[string]models.FieldType)
		batchSize uint64
	)
	for i := range points {
		p := &points[i]
		key := AppendSeriesKey(nil, p.Name, p.Tags)

		id, ok := s.dict.FindID(key)
		if !ok {
			if id, ok = pending[string(key)]; !ok {
				id = nextID
				nextID++
				pending[string(key)] = id
				created = append(created, newSeries{id: id, key: key})
				entries = append(entries, &tsm.SeriesEntry{ID: id, Key: key})
			}
		}
		ids[i] = id

		mf := s.forward.MeasurementFields(p.Name)
		for fname, v := range p.Fields {
			typ := models.FieldTypeOf(v)
			batchSize += uint64(tsm.NewValue(p.Time, v).Size())
			switch existing := mf.FieldType(fname); existing {
			case typ:
			case models.Empty:
				fk := string(p.Name) + "\x00" + fname
				if pendingTyp, seen := newField[fk]; seen {
					if pendingTyp != typ {
						return fmt.Errorf("%w: field %q is %v, not %v", ErrSchemaConflict, fname, pendingTyp, typ)
					}
				} else {
					newField[fk] = typ
					entries = append(entries, &tsm.FieldEntry{
						ID:          id,
						Measurement: p.Name,
						Field:       fname,
						FieldType:   typ,
					})
				}
			default:
				return fmt.Errorf("%w: field %q is %v, not %v", ErrSchemaConflict, fname, existing, typ)
			}
		}

		entries = append(entries, &tsm.DataEntry{ID: id, Time: p.Time, Fields: p.Fields})
	}

	// Reserve the batch's cache footprint before the append so a batch the
	// cache cannot absorb is never made durable.
	if err := s.cache.CheckMemory(batchSize); err != nil {
		return err
	}

	if _, err := s.wal.Commit(entries); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	// The transaction is durable; publish it to memory. Series first so that
	// index lookups never surface an id the dictionary cannot resolve.
	for _, ns := range created {
		if err := s.dict.InsertWithID(ns.key, ns.id); err != nil {
			return err
		}
		s.indexSeries(ns.id, s.dict.Key(ns.id))
	}
	for _, e := range entries {
		fe, ok := e.(*tsm.FieldEntry)
		if !ok {
			continue
		}
		if _, err := s.forward.MeasurementFields(fe.Measurement).CreateFieldIfNotExists(fe.Field, fe.FieldType); err != nil {
			return err
		}
	}
	for i := range points {
		p := &points[i]
		for fname, v := range p.Fields {
			key := tsm.CacheKey(ids[i], fname)
			if err := s.cache.Write(key, tsm.Values{tsm.NewValue(p.Time, v)}); err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailure, err)
			}
		}
	}

	s.mu.Lock()
	s.lastWrite = s.clock.Now()
	s.mu.Unlock()

	tsm.TrackPointsWritten(strconv.FormatUint(s.id, 10), len(points))
	return nil
}

// checkReadable returns the error matching the shard's state if it cannot
// serve reads.
func (s *Shard) checkReadable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.closed:
		return ErrShardClosed
	case s.state >= ShardExpiring:
		return ErrShardExpired
	default:
		return nil
	}
}

// Read returns the merged values of one field of one series within
// [min, max), file data first, overlaid by the cache. For equal timestamps
// the most recently written value wins.
func (s *Shard) Read(id uint32, field string, min, max int64) (tsm.Values, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	if s.dict.Key(id) == nil {
		return nil, ErrUnknownSeries
	}

	values, err := s.fs.Read(id, field, min, max)
	if err != nil {
		return nil, err
	}
	cached := s.cache.Values(tsm.CacheKey(id, field)).Include(min, max)
	if len(cached) == 0 {
		return values, nil
	}
	return append(values, cached...).Deduplicate(), nil
}

// SeriesIDs returns the set of series matching every predicate. With no
// predicates it returns every series in the shard.
func (s *Shard) SeriesIDs(preds ...TagPredicate) (*index.SeriesIDSet, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}

	if len(preds) == 0 {
		all := index.NewSeriesIDSet()
		s.dict.ForEach(func(id uint32, key []byte) error {
			all.Add(id)
			return nil
		})
		return all, nil
	}

	var result *index.SeriesIDSet
	for _, p := range preds {
		var set *index.SeriesIDSet
		if p.Matcher != nil {
			set = s.inverted.LookupMatch(p.Key, p.Matcher)
		} else {
			set = s.inverted.Lookup(p.Key, p.Value)
		}
		if set == nil {
			return index.NewSeriesIDSet(), nil
		}
		if result == nil {
			result = set.Clone()
			continue
		}
		result = result.And(set)
	}
	return result, nil
}

// MeasurementSeriesIDs returns every series of a measurement.
func (s *Shard) MeasurementSeriesIDs(name []byte) (*index.SeriesIDSet, error) {
	return s.SeriesIDs(TagPredicate{Key: measurementTagKey, Value: name})
}

// SeriesKey returns the canonical key of a series id, or nil if unknown.
func (s *Shard) SeriesKey(id uint32) []byte { return s.dict.Key(id) }

// PointCursor iterates one series' rows in ascending time order, merging the
// per-field columns back into (timestamp, fields) rows.
type PointCursor struct {
	fields []string
	cols   []tsm.Values
	pos    []int
}

// Cursor returns a cursor over all fields of a series within [min, max).
func (s *Shard) Cursor(id uint32, min, max int64) (*PointCursor, error) {
	if err := s.checkReadable(); err != nil {
		return nil, err
	}
	e := s.forward.Entry(id)
	if e == nil {
		return nil, ErrUnknownSeries
	}

	var names []string
	e.Fields.ForEachField(func(name string, typ models.FieldType) {
		names = append(names, name)
	})
	sort.Strings(names)

	c := &PointCursor{}
	for _, name := range names {
		values, err := s.Read(id, name, min, max)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		c.fields = append(c.fields, name)
		c.cols = append(c.cols, values)
		c.pos = append(c.pos, 0)
	}
	return c, nil
}

// Next returns the next row, or false when the cursor is exhausted.
func (c *PointCursor) Next() (PointRow, bool) {
	const maxInt64 = int64(^uint64(0) >> 1)

	next := maxInt64
	for i, col := range c.cols {
		if c.pos[i] < len(col) && col[c.pos[i]].UnixNano() < next {
			next = col[c.pos[i]].UnixNano()
		}
	}
	if next == maxInt64 {
		return PointRow{}, false
	}

	row := PointRow{Time: next, Fields: make(models.Fields)}
	for i, col := range c.cols {
		if c.pos[i] < len(col) && col[c.pos[i]].UnixNano() == next {
			row.Fields[c.fields[i]] = col[c.pos[i]].Value()
			c.pos[i]++
		}
	}
	return row, true
}

// WriteSnapshot flushes the cache to a new generation of block files, then
// persists the index snapshot and checkpoints the WAL up to the flushed
// sequence. Returns ErrCompactionBusy if a flush is already in flight.
func (s *Shard) WriteSnapshot() error {
	log, logEnd := logger.NewOperation(s.logger, "Cache snapshot", "shard_snapshot",
		zap.Uint64("id", s.id))
	defer logEnd()

	// The flip and the sequence capture happen under the commit barrier so
	// the snapshot holds exactly the writes of transactions <= seq.
	s.commitMu.Lock()
	snap, err := s.cache.Snapshot()
	seq := s.wal.LastSeq()
	s.commitMu.Unlock()
	if err == tsm.ErrSnapshotInProgress {
		return ErrCompactionBusy
	} else if err != nil {
		return err
	}

	files, err := s.compactor.WriteSnapshot(snap)
	if err != nil {
		s.cache.ClearSnapshot(false)
		return err
	}
	if err := s.fs.Replace(nil, files); err != nil {
		s.cache.ClearSnapshot(false)
		return err
	}
	s.cache.ClearSnapshot(true)

	if err := s.writeIndexSnapshotFile(seq); err != nil {
		return err
	}
	if err := s.wal.Checkpoint(seq); err != nil {
		return err
	}
	log.Info("Snapshot flushed",
		zap.Uint64("wal_seq", seq), zap.Int("files", len(files)))

	s.mu.Lock()
	s.flushedSeq = seq
	s.mu.Unlock()
	return nil
}

// writeIndexSnapshotFile serializes the series dictionary and measurement
// schemas, tagged with the WAL sequence they reflect.
func (s *Shard) writeIndexSnapshotFile(seq uint64) error {
	snap := &IndexSnapshot{
		Seq:    seq,
		NextID: s.dict.NextID(),
		Fields: make(map[string][]SnapshotField),
	}
	s.dict.ForEach(func(id uint32, key []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		snap.Series = append(snap.Series, SnapshotSeries{ID: id, Key: k})
		return nil
	})
	s.forward.ForEachMeasurement(func(name string, mf *index.MeasurementFields) {
		var fields []SnapshotField
		mf.ForEachField(func(fname string, typ models.FieldType) {
			fields = append(fields, SnapshotField{Name: fname, Type: typ})
		})
		sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
		snap.Fields[name] = fields
	})
	return writeIndexSnapshot(filepath.Join(s.path, IndexSnapshotFile), snap)
}

// Compact merges every block file into one fully compacted generation.
func (s *Shard) Compact() error {
	_, logEnd := logger.NewOperation(s.logger, "Full compaction", "shard_compact",
		zap.Uint64("id", s.id))
	defer logEnd()

	old, files, err := s.compactor.CompactFull()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	return s.fs.Replace(old, files)
}

// ShouldFlush reports whether the cache has outgrown the snapshot threshold.
func (s *Shard) ShouldFlush() bool {
	return s.cache.Size() >= s.cfg.CacheSnapshotMemorySize && s.cache.KeyN() > 0
}

// LastWriteTime returns the time of the most recent successful write.
func (s *Shard) LastWriteTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastWrite
}

// State returns the shard's lifecycle state.
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState advances the shard's lifecycle state. Transitions only move
// forward; a backward transition is an error.
func (s *Shard) SetState(to ShardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to < s.state {
		return fmt.Errorf("invalid shard state transition %s -> %s", s.state, to)
	}
	if to != s.state {
		s.logger.Info("shard state changed",
			zap.String("from", s.state.String()),
			zap.String("to", to.String()))
		s.state = to
	}
	return nil
}

// MarkCold transitions the shard to cold: the cache is flushed, block files
// are fully compacted, index caches are trimmed and WAL buffers released.
func (s *Shard) MarkCold() error {
	if err := s.SetState(ShardCold); err != nil {
		return err
	}
	if s.cache.KeyN() > 0 {
		if err := s.WriteSnapshot(); err != nil {
			return err
		}
	}
	if err := s.Compact(); err != nil {
		return err
	}
	s.inverted.CompactCaches()
	return s.wal.ReleaseBuffers()
}

// Destroy closes the shard and removes its directory from disk. The shard is
// left in the expired state.
func (s *Shard) Destroy() error {
	if err := s.SetState(ShardExpiring); err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.path); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = ShardExpired
	s.mu.Unlock()
	return nil
}

// CacheSize returns the live cache size in bytes.
func (s *Shard) CacheSize() uint64 { return s.cache.Size() }

// WALSize returns the total size of the WAL streams in bytes.
func (s *Shard) WALSize() int64 { return s.wal.SizeN() }

// SeriesN returns the number of series in the shard.
func (s *Shard) SeriesN() int { return s.dict.Count() }

// Close releases the shard's file handles. Further operations return
// ErrShardClosed.
func (s *Shard) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if e := s.wal.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	if e := s.fs.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	return err
}
