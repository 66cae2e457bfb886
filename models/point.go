package models

import (
	"errors"
	"fmt"
)

var (
	// ErrPointMustHaveAField is returned when operating on a point that does
	// not have any fields.
	ErrPointMustHaveAField = errors.New("point without fields is unsupported")

	// ErrInvalidName is returned when a point has an empty measurement name.
	ErrInvalidName = errors.New("measurement name is required")
)

// MaxKeyLength bounds the length of a measurement name, tag key, tag value or
// field name. The on-disk encodings carry these lengths as 16-bit values.
const MaxKeyLength = 65535

// FieldType represents the type of a field value.
type FieldType byte

const (
	// Empty is used to indicate that there is no field.
	Empty FieldType = iota

	// Float indicates the field's type is float.
	Float

	// Integer indicates the field's type is integer.
	Integer

	// Boolean indicates the field's type is boolean.
	Boolean

	// String indicates the field's type is string.
	String
)

// String returns the name of the field type.
func (t FieldType) String() string {
	switch t {
	case Float:
		return "float"
	case Integer:
		return "integer"
	case Boolean:
		return "boolean"
	case String:
		return "string"
	default:
		return "empty"
	}
}

// Fields represents a mapping between a Point's field names and their values.
type Fields map[string]interface{}

// FieldTypeOf returns the field type for a raw field value, or Empty if the
// value's type is unsupported.
func FieldTypeOf(v interface{}) FieldType {
	switch v.(type) {
	case float64:
		return Float
	case int64:
		return Integer
	case bool:
		return Boolean
	case string:
		return String
	default:
		return Empty
	}
}

// Point defines a single time series point: a measurement name, a sorted tag
// set, one or more field values and a timestamp in nanoseconds.
type Point struct {
	Name   []byte
	Tags   Tags
	Fields Fields
	Time   int64
}

// NewPoint returns a point with the given measurement name, tags, fields and
// timestamp. An error is returned if the point has no fields, no name, or a
// field value of an unsupported type.
func NewPoint(name string, tags Tags, fields Fields, t int64) (Point, error) {
	p := Point{Name: []byte(name), Tags: tags, Fields: fields, Time: t}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// Validate checks that the point is well formed.
func (p Point) Validate() error {
	if len(p.Name) == 0 {
		return ErrInvalidName
	}
	if len(p.Name) > MaxKeyLength {
		return fmt.Errorf("measurement name too long (%d > %d)", len(p.Name), MaxKeyLength)
	}
	for _, t := range p.Tags {
		if len(t.Key) > MaxKeyLength || len(t.Value) > MaxKeyLength {
			return fmt.Errorf("tag too long for measurement %q", p.Name)
		}
	}
	if len(p.Fields) == 0 {
		return ErrPointMustHaveAField
	}
	for k, v := range p.Fields {
		if k == "" {
			return fmt.Errorf("field key is required for measurement %q", p.Name)
		}
		if len(k) > MaxKeyLength {
			return fmt.Errorf("field key too long for measurement %q (%d > %d)", p.Name, len(k), MaxKeyLength)
		}
		if FieldTypeOf(v) == Empty {
			return fmt.Errorf("unsupported field value type %T for field %q", v, k)
		}
	}
	return nil
}
