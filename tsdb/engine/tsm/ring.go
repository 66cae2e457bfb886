package tsm

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// partitionN is the number of partitions a cache ring is split into. A cache
// key always maps to the same partition, so writers on different series never
// share a lock. Must be a power of two.
const partitionN = 16

// ring maps cache keys to entries across a fixed set of lockable partitions.
type ring struct {
	partitions []*partition
}

func newRing() *ring {
	r := &ring{partitions: make([]*partition, partitionN)}
	for i := range r.partitions {
		r.partitions[i] = &partition{store: make(map[string]*entry)}
	}
	return r
}

// getPartition retrieves the ring partition associated with key.
func (r *ring) getPartition(key []byte) *partition {
	return r.partitions[xxhash.Sum64(key)&(partitionN-1)]
}

// entry returns the entry for key, or nil.
// entry is safe for use by multiple goroutines.
func (r *ring) entry(key []byte) *entry {
	return r.getPartition(key).entry(key)
}

// write writes values to the entry associated with key, creating the entry if
// it does not exist. write is safe for use by multiple goroutines.
func (r *ring) write(key []byte, values Values) {
	r.getPartition(key).write(key, values)
}

// keys returns the keys of every entry in the ring, sorted if requested.
func (r *ring) keys(sorted bool) [][]byte {
	var keys [][]byte
	for _, p := range r.partitions {
		keys = append(keys, p.keys()...)
	}
	if sorted {
		sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
	}
	return keys
}

func (r *ring) count() int {
	var n int
	for _, p := range r.partitions {
		n += p.count()
	}
	return n
}

// apply calls f for every entry in the ring, using one goroutine per
// partition. The first error encountered is returned.
func (r *ring) apply(f func(key []byte, e *entry) error) error {
	var g errgroup.Group
	for _, p := range r.partitions {
		p := p
		g.Go(func() error {
			p.mu.RLock()
			defer p.mu.RUnlock()
			for k, e := range p.store {
				if err := f([]byte(k), e); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// partition provides safe access to a map of cache keys to entries.
type partition struct {
	mu    sync.RWMutex
	store map[string]*entry
}

func (p *partition) entry(key []byte) *entry {
	p.mu.RLock()
	e := p.store[string(key)]
	p.mu.RUnlock()
	return e
}

func (p *partition) write(key []byte, values Values) {
	p.mu.RLock()
	e := p.store[string(key)]
	p.mu.RUnlock()
	if e != nil {
		// Hot path: the entry exists and has its own lock.
		e.add(values)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Check again under the write lock.
	if e = p.store[string(key)]; e != nil {
		e.add(values)
		return
	}
	p.store[string(key)] = newEntryValues(values)
}

func (p *partition) keys() [][]byte {
	p.mu.RLock()
	keys := make([][]byte, 0, len(p.store))
	for k := range p.store {
		keys = append(keys, []byte(k))
	}
	p.mu.RUnlock()
	return keys
}

func (p *partition) count() int {
	p.mu.RLock()
	n := len(p.store)
	p.mu.RUnlock()
	return n
}
