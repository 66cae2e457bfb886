package tsdb

import (
	"fmt"
	"sync"

	"github.com/meridiandb/meridian/pkg/rhh"
)

// SeriesDict is the bijective mapping between series keys and dense,
// shard-scoped series ids. Ids are assigned monotonically from zero and are
// never reused within a shard's lifetime; the whole dictionary is dropped
// when the shard expires.
//
// The dictionary itself holds no durable state: allocations are logged
// through the shard's WAL group before Insert publishes them, and the
// mapping is rebuilt at open from the index snapshot plus the series WAL
// stream.
type SeriesDict struct {
	mu     sync.RWMutex
	index  *rhh.HashMap
	keys   [][]byte // key by id
	nextID uint32
}

// NewSeriesDict returns an empty dictionary.
func NewSeriesDict() *SeriesDict {
	return &SeriesDict{index: rhh.NewHashMap(rhh.DefaultOptions)}
}

// FindID returns the id for a series key and whether the key is known.
func (d *SeriesDict) FindID(key []byte) (uint32, bool) {
	d.mu.RLock()
	v, ok := d.index.Get(key)
	d.mu.RUnlock()
	return uint32(v), ok
}

// NextID returns the id the next Insert will assign.
func (d *SeriesDict) NextID() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nextID
}

// Insert assigns the next sequential id to key and returns it. The caller
// must have durably logged the allocation first; Insert only publishes it.
func (d *SeriesDict) Insert(key []byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.index.Get(key); ok {
		return uint32(v)
	}
	id := d.nextID
	d.nextID++

	k := make([]byte, len(key))
	copy(k, key)
	d.index.Put(k, uint64(id))
	d.keys = append(d.keys, k)
	return id
}

// InsertWithID installs a recovered (key, id) pair. The next-id counter is
// advanced to one past the highest recovered id so recovered ids can never
// collide with new allocations.
func (d *SeriesDict) InsertWithID(key []byte, id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.index.Get(key); ok {
		if uint32(v) != id {
			return fmt.Errorf("series key recovered with conflicting ids %d and %d", v, id)
		}
		return nil
	}

	k := make([]byte, len(key))
	copy(k, key)
	d.index.Put(k, uint64(id))

	for uint32(len(d.keys)) <= id {
		d.keys = append(d.keys, nil)
	}
	d.keys[id] = k

	if id >= d.nextID {
		d.nextID = id + 1
	}
	return nil
}

// SetNextID raises the next-id counter to id. It never lowers the counter, so
// applying a stale value cannot cause an id to be reissued.
func (d *SeriesDict) SetNextID(id uint32) {
	d.mu.Lock()
	if id > d.nextID {
		d.nextID = id
	}
	d.mu.Unlock()
}

// Key returns the series key for an id, or nil if the id is unknown.
func (d *SeriesDict) Key(id uint32) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id >= uint32(len(d.keys)) {
		return nil
	}
	return d.keys[id]
}

// Count returns the number of series in the dictionary.
func (d *SeriesDict) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index.Len()
}

// ForEach calls fn for every (id, key) pair in ascending id order.
func (d *SeriesDict) ForEach(fn func(id uint32, key []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, key := range d.keys {
		if key == nil {
			continue
		}
		if err := fn(uint32(id), key); err != nil {
			return err
		}
	}
	return nil
}
