package index

import (
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PartitionN is the number of buckets an inverted index is split into. Each
// bucket has its own lock and its own LRU cache so lookups on different tags
// never contend. Must be a power of two.
const PartitionN = 16

// DefaultCacheFraction is the fraction of a bucket's entries kept in its LRU
// cache when no explicit size is configured.
const DefaultCacheFraction = 0.25

// Matcher reports whether a tag value matches a predicate. Implementations
// are supplied by the query layer; RegexMatcher and PrefixMatcher cover the
// common cases.
type Matcher interface {
	Match(value []byte) bool
}

// RegexMatcher matches tag values against a compiled regular expression.
type RegexMatcher struct{ Re *regexp.Regexp }

// Match returns true if value matches the expression.
func (m RegexMatcher) Match(value []byte) bool { return m.Re.Match(value) }

// PrefixMatcher matches tag values that begin with Prefix.
type PrefixMatcher struct{ Prefix string }

// Match returns true if value starts with the prefix.
func (m PrefixMatcher) Match(value []byte) bool {
	return strings.HasPrefix(string(value), m.Prefix)
}

// Inverted is the inverted index mapping (tag key, tag value) pairs to sets
// of series ids. The index is partitioned by a hash of the pair; there is no
// global lock.
type Inverted struct {
	partitions []*invPartition
}

// NewInverted returns an inverted index whose per-bucket LRU caches hold
// cacheSize entries in total. A cacheSize of zero disables the caches.
func NewInverted(cacheSize int) *Inverted {
	idx := &Inverted{partitions: make([]*invPartition, PartitionN)}
	for i := range idx.partitions {
		idx.partitions[i] = &invPartition{
			m:     make(map[string]map[string]*SeriesIDSet),
			cache: newSeriesSetCache(cacheSize / PartitionN),
		}
	}
	return idx
}

func (idx *Inverted) partition(key, value []byte) *invPartition {
	h := xxhash.New()
	h.Write(key)
	h.Write([]byte{0})
	h.Write(value)
	return idx.partitions[h.Sum64()&(PartitionN-1)]
}

// Put adds a series id to the set for (key, value).
func (idx *Inverted) Put(key, value []byte, id uint32) {
	idx.partition(key, value).put(key, value, id)
}

// Lookup returns the set of series ids for (key, value), or nil if the pair
// is unknown. The returned set is live and must not be mutated by callers.
func (idx *Inverted) Lookup(key, value []byte) *SeriesIDSet {
	return idx.partition(key, value).lookup(key, value)
}

// LookupMatch returns the union of series id sets for every value of key
// accepted by m.
func (idx *Inverted) LookupMatch(key []byte, m Matcher) *SeriesIDSet {
	result := NewSeriesIDSet()
	for _, p := range idx.partitions {
		p.mu.RLock()
		for value, set := range p.m[string(key)] {
			if m.Match([]byte(value)) {
				result.Merge(set)
			}
		}
		p.mu.RUnlock()
	}
	return result
}

// EntryN returns the total number of (tag key, tag value) entries.
func (idx *Inverted) EntryN() int {
	var n int
	for _, p := range idx.partitions {
		p.mu.RLock()
		for _, values := range p.m {
			n += len(values)
		}
		p.mu.RUnlock()
	}
	return n
}

// CompactCaches releases the memory held by every bucket's LRU cache. Used
// when the owning shard goes cold.
func (idx *Inverted) CompactCaches() {
	for _, p := range idx.partitions {
		p.mu.Lock()
		p.cache.reset()
		p.mu.Unlock()
	}
}

// invPartition is one lockable bucket of the inverted index.
type invPartition struct {
	mu    sync.RWMutex
	m     map[string]map[string]*SeriesIDSet
	cache *seriesSetCache
}

func (p *invPartition) put(key, value []byte, id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	values, ok := p.m[string(key)]
	if !ok {
		values = make(map[string]*SeriesIDSet)
		p.m[string(key)] = values
	}
	set, ok := values[string(value)]
	if !ok {
		set = NewSeriesIDSet()
		values[string(value)] = set
	}
	set.Add(id)

	// Cached pointers stay valid because sets are mutated in place.
}

func (p *invPartition) lookup(key, value []byte) *SeriesIDSet {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set := p.cache.get(key, value); set != nil {
		return set
	}

	values, ok := p.m[string(key)]
	if !ok {
		return nil
	}
	set, ok := values[string(value)]
	if !ok {
		return nil
	}
	p.cache.put(key, value, set)
	return set
}
