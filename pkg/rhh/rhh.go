// Package rhh implements a hash map using Robin Hood Hashing, keyed by byte
// slices. It backs the per-shard series dictionary where probe distance, not
// pointer chasing, dominates lookup cost.
package rhh

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// HashMap represents a Robin Hood hash map from byte-slice keys to uint64
// values. The zero value is not usable; use NewHashMap.
type HashMap struct {
	hashes []uint64
	elems  []hashElem

	n          int
	capacity   int
	threshold  int
	mask       uint64
	loadFactor int
}

// NewHashMap returns an empty map sized for opt.
func NewHashMap(opt Options) *HashMap {
	m := &HashMap{
		capacity:   pow2(opt.Capacity),
		loadFactor: opt.LoadFactor,
	}
	m.alloc()
	return m
}

// Get returns the value for key and whether the key exists.
func (m *HashMap) Get(key []byte) (uint64, bool) {
	i := m.index(key)
	if i == -1 {
		return 0, false
	}
	return m.elems[i].value, true
}

// Put sets the value for key, overwriting any existing value.
func (m *HashMap) Put(key []byte, val uint64) {
	// Grow the map if we've run out of slots.
	m.n++
	if m.n > m.threshold {
		m.grow()
	}

	// If the key was overwritten then decrement the size.
	if overwritten := m.insert(HashKey(key), key, val); overwritten {
		m.n--
	}
}

func (m *HashMap) insert(hash uint64, key []byte, val uint64) (overwritten bool) {
	pos := hash & m.mask
	var dist int

	// Probe until an empty slot or a slot with a lower probe distance is found.
	for {
		if m.hashes[pos] == 0 {
			m.hashes[pos] = hash
			m.elems[pos] = hashElem{hash: hash, key: key, value: val}
			return false
		} else if m.hashes[pos] == hash && bytes.Equal(m.elems[pos].key, key) {
			m.elems[pos].value = val
			return true
		}

		// If the resident element has probed less than us then swap places and
		// continue looking for a slot for the displaced element.
		elemDist := m.dist(m.hashes[pos], pos)
		if elemDist < dist {
			e := &m.elems[pos]
			hash, m.hashes[pos] = m.hashes[pos], hash
			key, e.key = e.key, key
			val, e.value = e.value, val
			dist = elemDist
		}

		pos = (pos + 1) & m.mask
		dist++
	}
}

func (m *HashMap) alloc() {
	m.elems = make([]hashElem, m.capacity)
	m.hashes = make([]uint64, m.capacity)
	m.threshold = (m.capacity * m.loadFactor) / 100
	m.mask = uint64(m.capacity - 1)
}

// grow doubles the capacity and reinserts all existing elements.
func (m *HashMap) grow() {
	elems, hashes, capacity := m.elems, m.hashes, m.capacity

	m.capacity *= 2
	m.alloc()

	for i := 0; i < capacity; i++ {
		if hashes[i] == 0 {
			continue
		}
		m.insert(hashes[i], elems[i].key, elems[i].value)
	}
}

// index returns the slot of key within the map, or -1 if not present.
func (m *HashMap) index(key []byte) int {
	hash := HashKey(key)
	pos := hash & m.mask

	var dist int
	for {
		if m.hashes[pos] == 0 {
			return -1
		} else if dist > m.dist(m.hashes[pos], pos) {
			return -1
		} else if m.hashes[pos] == hash && bytes.Equal(m.elems[pos].key, key) {
			return int(pos)
		}

		pos = (pos + 1) & m.mask
		dist++
	}
}

// dist returns the probe distance for a hash resident in slot pos.
func (m *HashMap) dist(hash, pos uint64) int {
	return int((pos + uint64(m.capacity) - (hash & m.mask)) & m.mask)
}

// Len returns the number of keys in the map.
func (m *HashMap) Len() int { return m.n }

// Cap returns the current slot capacity of the map.
func (m *HashMap) Cap() int { return m.capacity }

// HashKey computes the hash of key used for slot placement. The result is
// always non-zero so that zero can mark empty slots.
func HashKey(key []byte) uint64 {
	h := xxhash.Sum64(key)
	if h == 0 {
		h = 1
	}
	return h
}

type hashElem struct {
	key   []byte
	value uint64
	hash  uint64
}

// Options represents initialization options passed to NewHashMap.
type Options struct {
	Capacity   int
	LoadFactor int
}

// DefaultOptions represents a default set of options to pass to NewHashMap.
var DefaultOptions = Options{
	Capacity:   256,
	LoadFactor: 90,
}

// pow2 returns the next power of two at or above v.
func pow2(v int) int {
	for i := 2; ; i *= 2 {
		if i >= v {
			return i
		}
	}
}
