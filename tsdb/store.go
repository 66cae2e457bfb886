package tsdb

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/models"
	"github.com/meridiandb/meridian/tsdb/engine/tsm"
)

// Store owns every shard under a data directory and routes writes into them
// by timestamp. A background monitor drives shard lifecycle: cold transition
// after write inactivity, cache flushes past the snapshot threshold and
// retention-based expiry.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	shards map[uint64]*Shard
	opened bool

	wg      sync.WaitGroup
	closing chan struct{}
}

// NewStore returns a store for the configured data directory.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		logger:  zap.NewNop(),
		clock:   clock.New(),
		shards:  make(map[uint64]*Shard),
		closing: make(chan struct{}),
	}
}

// WithLogger sets the logger. Must be called before Open.
func (s *Store) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "store"))
}

// WithClock sets the clock driving the lifecycle monitor. Must be called
// before Open.
func (s *Store) WithClock(c clock.Clock) { s.clock = c }

// Path returns the store's data directory.
func (s *Store) Path() string { return s.cfg.Dir }

// shardIDFor returns the id of the shard covering a timestamp.
func (s *Store) shardIDFor(t int64) uint64 {
	return uint64(t / int64(time.Duration(s.cfg.ShardDuration)))
}

// Open loads every shard directory found under the data directory and starts
// the lifecycle monitor.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}
	log, logEnd := logger.NewOperation(s.logger, "Open store", "store_open",
		zap.String("path", s.cfg.Dir))
	defer logEnd()

	if err := os.MkdirAll(s.cfg.Dir, 0777); err != nil {
		return err
	}

	dirs, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return err
	}

	var g errgroup.Group
	var shardMu sync.Mutex
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(d.Name(), 10, 64)
		if err != nil {
			s.logger.Warn("skipping unrecognized directory", zap.String("name", d.Name()))
			continue
		}

		g.Go(func() error {
			sh := NewShard(id, filepath.Join(s.cfg.Dir, strconv.FormatUint(id, 10)), s.cfg)
			sh.WithLogger(s.logger)
			sh.WithClock(s.clock)
			if err := sh.Open(); err != nil {
				return err
			}
			shardMu.Lock()
			s.shards[id] = sh
			shardMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sh := range s.shards {
			sh.Close()
		}
		s.shards = make(map[uint64]*Shard)
		return err
	}

	s.opened = true
	s.wg.Add(1)
	go s.monitor()

	log.Info("Store opened", zap.Int("shards", len(s.shards)))
	return nil
}

// Shard returns the shard with the given id, or nil if it does not exist.
func (s *Store) Shard(id uint64) *Shard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shards[id]
}

// Shards returns every shard ordered by id.
func (s *Store) Shards() []*Shard {
	s.mu.RLock()
	shards := make([]*Shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	sort.Slice(shards, func(i, j int) bool { return shards[i].ID() < shards[j].ID() })
	return shards
}

// ShardN returns the number of shards.
func (s *Store) ShardN() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shards)
}

// CreateShardIfNotExists returns the shard covering a timestamp, creating and
// opening it first if needed. Timestamps older than the retention period are
// rejected.
func (s *Store) CreateShardIfNotExists(t int64) (*Shard, error) {
	if s.cfg.RetentionPeriod > 0 {
		cutoff := s.clock.Now().UnixNano() - int64(time.Duration(s.cfg.RetentionPeriod))
		if t < cutoff {
			return nil, ErrShardExpired
		}
	}

	id := s.shardIDFor(t)

	s.mu.RLock()
	sh, ok := s.shards[id]
	opened := s.opened
	s.mu.RUnlock()
	if ok {
		return sh, nil
	}
	if !opened {
		return nil, ErrStoreClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[id]; ok {
		return sh, nil
	}

	sh = NewShard(id, filepath.Join(s.cfg.Dir, strconv.FormatUint(id, 10)), s.cfg)
	sh.WithLogger(s.logger)
	sh.WithClock(s.clock)
	if err := sh.Open(); err != nil {
		return nil, err
	}
	s.shards[id] = sh
	return sh, nil
}

// WritePoints routes a batch of points to their shards by timestamp,
// creating shards as needed. Each shard's portion is one transaction.
func (s *Store) WritePoints(points []models.Point) error {
	if len(points) == 0 {
		return nil
	}

	groups := make(map[uint64][]models.Point)
	for _, p := range points {
		id := s.shardIDFor(p.Time)
		groups[id] = append(groups[id], p)
	}

	ids := make([]uint64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var err error
	for _, id := range ids {
		batch := groups[id]
		sh, e := s.CreateShardIfNotExists(batch[0].Time)
		if e != nil {
			err = multierror.Append(err, e)
			continue
		}
		if e := sh.WritePoints(batch); e != nil {
			err = multierror.Append(err, e)
		}
	}
	return err
}

// monitor periodically walks the shards driving lifecycle transitions.
func (s *Store) monitor() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(time.Duration(s.cfg.LifecycleInterval))
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			s.lifecycleCheck()
		}
	}
}

// lifecycleCheck runs one monitor pass: flush hot caches, cool idle shards
// and expire shards past retention.
func (s *Store) lifecycleCheck() {
	now := s.clock.Now()

	for _, sh := range s.Shards() {
		switch sh.State() {
		case ShardActive:
			if sh.ShouldFlush() {
				if err := sh.WriteSnapshot(); err != nil && !errors.Is(err, ErrCompactionBusy) {
					s.logger.Warn("cache flush failed",
						zap.Uint64("shard", sh.ID()), zap.Error(err))
				}
			}
			if now.Sub(sh.LastWriteTime()) >= time.Duration(s.cfg.ColdDuration) {
				if err := sh.MarkCold(); err != nil {
					s.logger.Warn("cold transition failed",
						zap.Uint64("shard", sh.ID()), zap.Error(err))
				}
			}
		}

		if s.cfg.RetentionPeriod > 0 {
			_, max := sh.TimeRange()
			if max <= now.UnixNano()-int64(time.Duration(s.cfg.RetentionPeriod)) {
				s.expireShard(sh)
			}
		}
	}
}

// expireShard tears a shard down and removes it from the store.
func (s *Store) expireShard(sh *Shard) {
	s.logger.Info("expiring shard", zap.Uint64("shard", sh.ID()))
	if err := sh.Destroy(); err != nil {
		s.logger.Error("shard expiry failed",
			zap.Uint64("shard", sh.ID()), zap.Error(err))
		return
	}
	s.mu.Lock()
	delete(s.shards, sh.ID())
	s.mu.Unlock()
}

// PrometheusCollectors returns the metrics collectors of the storage engine.
func (s *Store) PrometheusCollectors() []prometheus.Collector {
	return tsm.PrometheusCollectors()
}

// Close stops the monitor and closes every shard.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = false
	close(s.closing)
	s.mu.Unlock()

	s.wg.Wait()

	var err error
	for _, sh := range s.Shards() {
		if e := sh.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	return err
}
