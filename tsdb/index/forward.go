// Package index implements the in-memory forward (series to schema) and
// inverted (tag to series set) indexes owned by a shard.
//
// Both indexes are rebuilt at shard open from the series dictionary snapshot
// and the index WAL stream; the on-disk files are durable serialization
// formats only and are never used as live access structures.
package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/meridiandb/meridian/models"
)

// ErrSchemaConflict is returned when a field is written with a type that
// differs from the type already recorded for that field.
var ErrSchemaConflict = errors.New("index: field type conflict")

// MeasurementFields holds the field schema for a single measurement. The
// schema may widen by adding field names but an existing field never changes
// type.
type MeasurementFields struct {
	mu     sync.RWMutex
	fields map[string]models.FieldType
}

// NewMeasurementFields returns an initialised instance of MeasurementFields.
func NewMeasurementFields() *MeasurementFields {
	return &MeasurementFields{fields: make(map[string]models.FieldType)}
}

// CreateFieldIfNotExists creates a new field with the given name and type.
// It returns ErrSchemaConflict if the field already exists with a different
// type. The returned bool reports whether the field was newly created.
func (m *MeasurementFields) CreateFieldIfNotExists(name string, typ models.FieldType) (bool, error) {
	m.mu.RLock()
	if t, ok := m.fields[name]; ok {
		m.mu.RUnlock()
		if t != typ {
			return false, fmt.Errorf("%w: field %q is type %s, not %s", ErrSchemaConflict, name, t, typ)
		}
		return false, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check again under the write lock.
	if t, ok := m.fields[name]; ok {
		if t != typ {
			return false, fmt.Errorf("%w: field %q is type %s, not %s", ErrSchemaConflict, name, t, typ)
		}
		return false, nil
	}
	m.fields[name] = typ
	return true, nil
}

// FieldType returns the type for a field, or models.Empty if unknown.
func (m *MeasurementFields) FieldType(name string) models.FieldType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fields[name]
}

// FieldN returns the number of fields in the schema.
func (m *MeasurementFields) FieldN() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fields)
}

// ForEachField calls fn for every field in the schema. Iteration order is
// unspecified.
func (m *MeasurementFields) ForEachField(fn func(name string, typ models.FieldType)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, typ := range m.fields {
		fn(name, typ)
	}
}

// ForwardEntry describes a single series: its measurement name, tag set and
// the field schema of its measurement.
type ForwardEntry struct {
	Name   []byte
	Tags   models.Tags
	Fields *MeasurementFields
}

// Forward is the forward index mapping series ids to measurement, tags and
// field schema. Entries are append-only; series are removed only when the
// owning shard is destroyed.
type Forward struct {
	mu     sync.RWMutex
	series map[uint32]*ForwardEntry
	mms    map[string]*MeasurementFields
}

// NewForward returns an empty forward index.
func NewForward() *Forward {
	return &Forward{
		series: make(map[uint32]*ForwardEntry),
		mms:    make(map[string]*MeasurementFields),
	}
}

// Put creates the forward entry for a series id. It is idempotent for an
// identical (name, tags) pair; the entry's schema is shared across all series
// of the same measurement.
func (f *Forward) Put(id uint32, name []byte, tags models.Tags) *ForwardEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.series[id]; ok {
		return e
	}

	mf, ok := f.mms[string(name)]
	if !ok {
		mf = NewMeasurementFields()
		f.mms[string(name)] = mf
	}

	e := &ForwardEntry{Name: name, Tags: tags, Fields: mf}
	f.series[id] = e
	return e
}

// Entry returns the forward entry for a series id, or nil if unknown.
func (f *Forward) Entry(id uint32) *ForwardEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.series[id]
}

// MeasurementFields returns the field schema for a measurement, creating it
// if it does not exist.
func (f *Forward) MeasurementFields(name []byte) *MeasurementFields {
	f.mu.RLock()
	mf, ok := f.mms[string(name)]
	f.mu.RUnlock()
	if ok {
		return mf
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok = f.mms[string(name)]; ok {
		return mf
	}
	mf = NewMeasurementFields()
	f.mms[string(name)] = mf
	return mf
}

// ForEachMeasurement calls fn for every measurement in the index, in
// lexicographic order. fn must not mutate the index.
func (f *Forward) ForEachMeasurement(fn func(name string, mf *MeasurementFields)) {
	f.mu.RLock()
	names := make([]string, 0, len(f.mms))
	for name := range f.mms {
		names = append(names, name)
	}
	f.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		f.mu.RLock()
		mf := f.mms[name]
		f.mu.RUnlock()
		fn(name, mf)
	}
}

// SeriesN returns the number of series in the index.
func (f *Forward) SeriesN() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.series)
}
