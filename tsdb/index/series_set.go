package index

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// SeriesIDSet represents a lockable bitmap of series ids.
type SeriesIDSet struct {
	sync.RWMutex
	bitmap *roaring.Bitmap
}

// NewSeriesIDSet returns a new instance of SeriesIDSet, seeded with ids.
func NewSeriesIDSet(ids ...uint32) *SeriesIDSet {
	s := &SeriesIDSet{bitmap: roaring.NewBitmap()}
	for _, id := range ids {
		s.bitmap.Add(id)
	}
	return s
}

// Add adds the series id to the set.
func (s *SeriesIDSet) Add(id uint32) {
	s.Lock()
	defer s.Unlock()
	s.bitmap.Add(id)
}

// Contains returns true if the id exists in the set.
func (s *SeriesIDSet) Contains(id uint32) bool {
	s.RLock()
	x := s.bitmap.Contains(id)
	s.RUnlock()
	return x
}

// Cardinality returns the cardinality of the SeriesIDSet.
func (s *SeriesIDSet) Cardinality() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.bitmap.GetCardinality()
}

// Clone returns a new SeriesIDSet with a deep copy of the underlying bitmap.
func (s *SeriesIDSet) Clone() *SeriesIDSet {
	s.RLock()
	defer s.RUnlock()
	return &SeriesIDSet{bitmap: s.bitmap.Clone()}
}

// And returns a new SeriesIDSet containing elements present in both sets.
func (s *SeriesIDSet) And(other *SeriesIDSet) *SeriesIDSet {
	s.RLock()
	defer s.RUnlock()
	other.RLock()
	defer other.RUnlock()
	return &SeriesIDSet{bitmap: roaring.And(s.bitmap, other.bitmap)}
}

// Merge merges the contents of others into s.
func (s *SeriesIDSet) Merge(others ...*SeriesIDSet) {
	bms := make([]*roaring.Bitmap, 0, len(others)+1)

	s.RLock()
	bms = append(bms, s.bitmap)
	for _, other := range others {
		other.RLock()
		defer other.RUnlock() // Hold until merge completes.
		bms = append(bms, other.bitmap)
	}
	s.RUnlock()

	result := roaring.FastOr(bms...)

	s.Lock()
	s.bitmap = result
	s.Unlock()
}

// ForEach calls f for each id in the set, in ascending order.
func (s *SeriesIDSet) ForEach(f func(id uint32)) {
	s.RLock()
	defer s.RUnlock()
	itr := s.bitmap.Iterator()
	for itr.HasNext() {
		f(itr.Next())
	}
}

// Slice returns a slice of all ids in the set, in ascending order.
func (s *SeriesIDSet) Slice() []uint32 {
	s.RLock()
	defer s.RUnlock()
	a := make([]uint32, 0, s.bitmap.GetCardinality())
	itr := s.bitmap.Iterator()
	for itr.HasNext() {
		a = append(a, itr.Next())
	}
	return a
}
