package tsm

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrCacheMemoryExceeded is returned when a write would push the cache
	// past its configured maximum size.
	ErrCacheMemoryExceeded = errors.New("cache maximum memory size exceeded")

	// ErrSnapshotInProgress is returned when a snapshot is requested while
	// another snapshot of the same cache is still being compacted.
	ErrSnapshotInProgress = errors.New("snapshot in progress")
)

// CacheKey builds the composite cache key for a series id and field name.
func CacheKey(id uint32, field string) []byte {
	key := make([]byte, 4+len(field))
	binary.BigEndian.PutUint32(key, id)
	copy(key[4:], field)
	return key
}

// ParseCacheKey splits a composite cache key into series id and field name.
func ParseCacheKey(key []byte) (id uint32, field string) {
	return binary.BigEndian.Uint32(key), string(key[4:])
}

// entry is the per-key buffer of pending values plus ordering metadata.
type entry struct {
	mu       sync.RWMutex
	values   Values
	needSort bool
}

func newEntryValues(values Values) *entry {
	e := &entry{values: make(Values, 0, len(values))}
	e.values = append(e.values, values...)
	for i := 1; i < len(values); i++ {
		if values[i-1].UnixNano() >= values[i].UnixNano() {
			e.needSort = true
			break
		}
	}
	return e
}

// add appends values to the entry, tracking whether a dedup pass is needed.
func (e *entry) add(values Values) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l := len(e.values); l != 0 && len(values) != 0 &&
		e.values[l-1].UnixNano() >= values[0].UnixNano() {
		e.needSort = true
	}
	for i := 1; i < len(values); i++ {
		if values[i-1].UnixNano() >= values[i].UnixNano() {
			e.needSort = true
			break
		}
	}
	e.values = append(e.values, values...)
}

// deduplicate orders the entry's values and resolves duplicate timestamps
// last-write-wins. No-op if values are already in order.
func (e *entry) deduplicate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.needSort {
		return
	}
	e.values = e.values.Deduplicate()
	e.needSort = false
}

// Cache maintains the in-memory, per-series buffers of recently written
// values pending compaction into block files.
//
// Snapshotting is copy-on-flip: Snapshot hands the current generation to the
// caller and installs a fresh empty generation for new writes. Only one
// snapshot may be outstanding at a time.
type Cache struct {
	mu      sync.RWMutex
	store   *ring
	size    uint64
	maxSize uint64

	// snapshot is the generation currently being written to block files. It
	// is read-only and queried alongside the live store.
	snapshot     *Cache
	snapshotting bool

	shardID string
}

// WithShardLabel sets the shard label used on metrics.
func (c *Cache) WithShardLabel(id string) { c.shardID = id }

// NewCache returns a cache that will use at most maxSize bytes of memory. A
// maxSize of zero disables the bound.
func NewCache(maxSize uint64) *Cache {
	return &Cache{maxSize: maxSize, store: newRing()}
}

// CheckMemory returns ErrCacheMemoryExceeded if adding n bytes would push the
// cache past its configured maximum. Callers reserve a batch's size with this
// before making the batch durable so acceptance is decided up front.
func (c *Cache) CheckMemory(n uint64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.maxSize > 0 && atomic.LoadUint64(&c.size)+c.snapshotSize()+n > c.maxSize {
		return ErrCacheMemoryExceeded
	}
	return nil
}

// Write writes values for the composite key to the cache.
func (c *Cache) Write(key []byte, values Values) error {
	addedSize := uint64(values.Size())

	c.mu.RLock()
	if c.maxSize > 0 && atomic.LoadUint64(&c.size)+c.snapshotSize()+addedSize > c.maxSize {
		c.mu.RUnlock()
		return ErrCacheMemoryExceeded
	}
	c.store.write(key, values)
	atomic.AddUint64(&c.size, addedSize)
	c.mu.RUnlock()

	if c.shardID != "" {
		trackCacheSize(c.shardID, atomic.LoadUint64(&c.size))
	}
	return nil
}

// Snapshot flips the cache to a fresh generation and returns the previous one
// with all entries deduplicated. It returns ErrSnapshotInProgress if an
// earlier snapshot has not been cleared yet.
func (c *Cache) Snapshot() (*Cache, error) {
	c.mu.Lock()
	if c.snapshotting {
		c.mu.Unlock()
		return nil, ErrSnapshotInProgress
	}

	snapshot := &Cache{store: c.store, size: atomic.LoadUint64(&c.size)}
	c.store = newRing()
	atomic.StoreUint64(&c.size, 0)
	c.snapshot = snapshot
	c.snapshotting = true
	c.mu.Unlock()

	// Compaction needs every entry ordered; dedup outside the cache lock.
	_ = snapshot.store.apply(func(_ []byte, e *entry) error {
		e.deduplicate()
		return nil
	})

	return snapshot, nil
}

// ClearSnapshot clears the outstanding snapshot. If the snapshot was not
// successfully written to block files its entries are merged back into the
// live cache so no acknowledged write is lost.
func (c *Cache) ClearSnapshot(success bool) {
	c.mu.Lock()
	snapshot := c.snapshot
	c.snapshot = nil
	c.snapshotting = false
	c.mu.Unlock()

	if success || snapshot == nil {
		return
	}
	_ = snapshot.store.apply(func(key []byte, e *entry) error {
		e.mu.RLock()
		defer e.mu.RUnlock()
		c.store.write(key, e.values)
		atomic.AddUint64(&c.size, uint64(e.values.Size()))
		return nil
	})
}

// Values returns a copy of all values for key, ordered and deduplicated,
// merged across the outstanding snapshot (if any) and the live generation.
// Snapshot values are older and lose ties to live values.
func (c *Cache) Values(key []byte) Values {
	c.mu.RLock()
	snapshot := c.snapshot
	e := c.store.entry(key)
	c.mu.RUnlock()

	var values Values
	if snapshot != nil {
		if se := snapshot.store.entry(key); se != nil {
			se.deduplicate()
			se.mu.RLock()
			values = append(values, se.values...)
			se.mu.RUnlock()
		}
	}
	if e != nil {
		e.deduplicate()
		e.mu.RLock()
		values = append(values, e.values...)
		e.mu.RUnlock()
	}
	return values.Deduplicate()
}

// Keys returns a sorted slice of all composite keys in the live generation.
func (c *Cache) Keys() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.keys(true)
}

// Size returns the number of value bytes in the live generation.
func (c *Cache) Size() uint64 { return atomic.LoadUint64(&c.size) }

// MaxSize returns the maximum number of bytes the cache may consume.
func (c *Cache) MaxSize() uint64 { return c.maxSize }

// KeyN returns the number of keys in the live generation.
func (c *Cache) KeyN() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.count()
}

// values returns the deduplicated values for a key within this generation
// only. Used by the compactor on snapshot caches.
func (c *Cache) values(key []byte) Values {
	e := c.store.entry(key)
	if e == nil {
		return nil
	}
	e.deduplicate()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.values
}

func (c *Cache) snapshotSize() uint64 {
	if c.snapshot == nil {
		return 0
	}
	return atomic.LoadUint64(&c.snapshot.size)
}
