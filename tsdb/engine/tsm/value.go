// Package tsm implements the write path of a shard: the mutable in-memory
// cache, the three-stream write-ahead log group, and the immutable columnar
// block files produced by compaction.
package tsm

import (
	"fmt"
	"sort"

	"github.com/meridiandb/meridian/models"
)

// Value represents a timestamped field value.
type Value interface {
	// UnixNano returns the timestamp of the value in nanoseconds.
	UnixNano() int64

	// Value returns the underlying value as an untyped interface.
	Value() interface{}

	// Size returns the number of bytes necessary to represent the value and
	// its timestamp.
	Size() int

	// Type returns the type of the underlying value.
	Type() models.FieldType
}

// NewValue returns a Value with the underlying type dependent on value. It
// panics if value's type is unsupported; callers validate field types at the
// model boundary.
func NewValue(t int64, value interface{}) Value {
	switch v := value.(type) {
	case float64:
		return FloatValue{unixnano: t, value: v}
	case int64:
		return IntegerValue{unixnano: t, value: v}
	case bool:
		return BooleanValue{unixnano: t, value: v}
	case string:
		return StringValue{unixnano: t, value: v}
	default:
		panic(fmt.Sprintf("unsupported value type %T", value))
	}
}

// FloatValue represents a float64 value.
type FloatValue struct {
	unixnano int64
	value    float64
}

func (v FloatValue) UnixNano() int64        { return v.unixnano }
func (v FloatValue) Value() interface{}     { return v.value }
func (v FloatValue) Size() int              { return 16 }
func (v FloatValue) Type() models.FieldType { return models.Float }

// IntegerValue represents an int64 value.
type IntegerValue struct {
	unixnano int64
	value    int64
}

func (v IntegerValue) UnixNano() int64        { return v.unixnano }
func (v IntegerValue) Value() interface{}     { return v.value }
func (v IntegerValue) Size() int              { return 16 }
func (v IntegerValue) Type() models.FieldType { return models.Integer }

// BooleanValue represents a bool value.
type BooleanValue struct {
	unixnano int64
	value    bool
}

func (v BooleanValue) UnixNano() int64        { return v.unixnano }
func (v BooleanValue) Value() interface{}     { return v.value }
func (v BooleanValue) Size() int              { return 9 }
func (v BooleanValue) Type() models.FieldType { return models.Boolean }

// StringValue represents a string value.
type StringValue struct {
	unixnano int64
	value    string
}

func (v StringValue) UnixNano() int64        { return v.unixnano }
func (v StringValue) Value() interface{}     { return v.value }
func (v StringValue) Size() int              { return 8 + len(v.value) }
func (v StringValue) Type() models.FieldType { return models.String }

// Values represents a slice of values ordered by timestamp.
type Values []Value

func (a Values) Len() int           { return len(a) }
func (a Values) Less(i, j int) bool { return a[i].UnixNano() < a[j].UnixNano() }
func (a Values) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }

// Size returns the number of bytes needed to represent all values.
func (a Values) Size() int {
	var sz int
	for _, v := range a {
		sz += v.Size()
	}
	return sz
}

// MinTime returns the timestamp of the first value. Values must be non-empty
// and ordered.
func (a Values) MinTime() int64 { return a[0].UnixNano() }

// MaxTime returns the timestamp of the last value. Values must be non-empty
// and ordered.
func (a Values) MaxTime() int64 { return a[len(a)-1].UnixNano() }

// Deduplicate returns a new slice ordered by timestamp with duplicate
// timestamps removed. For duplicates the value appearing later in a wins:
// the engine-wide merge rule is last-write-wins per (series, field).
func (a Values) Deduplicate() Values {
	if len(a) <= 1 {
		return a
	}

	// The stable sort preserves append order for equal timestamps, so the
	// backwards scan below keeps the most recently written value.
	sort.Stable(a)

	other := make(Values, 0, len(a))
	for i := 0; i < len(a); i++ {
		if i < len(a)-1 && a[i].UnixNano() == a[i+1].UnixNano() {
			continue
		}
		other = append(other, a[i])
	}
	return other
}

// Include returns the ordered subset of values with timestamps in [min, max).
func (a Values) Include(min, max int64) Values {
	lo := sort.Search(len(a), func(i int) bool { return a[i].UnixNano() >= min })
	hi := sort.Search(len(a), func(i int) bool { return a[i].UnixNano() >= max })
	if lo == hi {
		return nil
	}
	other := make(Values, hi-lo)
	copy(other, a[lo:hi])
	return other
}

// BlockType returns the field type shared by all values in a, or models.Empty
// for an empty slice.
func (a Values) BlockType() models.FieldType {
	if len(a) == 0 {
		return models.Empty
	}
	return a[0].Type()
}
