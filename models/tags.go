package models

import (
	"bytes"
	"sort"
)

// Tag represents a single key/value tag pair.
type Tag struct {
	Key   []byte
	Value []byte
}

// Clone returns a shallow copy of Tag with new key/value byte slices.
func (t Tag) Clone() Tag {
	other := Tag{
		Key:   make([]byte, len(t.Key)),
		Value: make([]byte, len(t.Value)),
	}
	copy(other.Key, t.Key)
	copy(other.Value, t.Value)
	return other
}

// Size returns the size of the key and value.
func (t Tag) Size() int { return len(t.Key) + len(t.Value) }

// Tags represents a sorted list of tags.
type Tags []Tag

// NewTags returns a sorted list of tags from a map.
func NewTags(m map[string]string) Tags {
	if len(m) == 0 {
		return nil
	}
	a := make(Tags, 0, len(m))
	for k, v := range m {
		a = append(a, Tag{Key: []byte(k), Value: []byte(v)})
	}
	sort.Sort(a)
	return a
}

func (a Tags) Len() int           { return len(a) }
func (a Tags) Less(i, j int) bool { return bytes.Compare(a[i].Key, a[j].Key) == -1 }
func (a Tags) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }

// Size returns the number of bytes needed to store all tags. Note, this is
// the number of bytes needed to store all keys and values and does not account
// for data structures or delimiters for example.
func (a Tags) Size() int {
	var total int
	for _, t := range a {
		total += t.Size()
	}
	return total
}

// Clone returns a copy of the slice where the elements are a result of calling
// `Clone` on the original elements.
func (a Tags) Clone() Tags {
	if len(a) == 0 {
		return nil
	}
	others := make(Tags, len(a))
	for i := range a {
		others[i] = a[i].Clone()
	}
	return others
}

// String returns the tag set as comma-separated key=value pairs.
func (a Tags) String() string {
	var buf bytes.Buffer
	for i, t := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(t.Key)
		buf.WriteByte('=')
		buf.Write(t.Value)
	}
	return buf.String()
}

// Get returns the value for a key.
func (a Tags) Get(key []byte) []byte {
	// OPTIMIZE: Use sort.Search if tagset is large.
	for _, t := range a {
		if bytes.Equal(t.Key, key) {
			return t.Value
		}
	}
	return nil
}

// Equal returns true if a equals other.
func (a Tags) Equal(other Tags) bool {
	if len(a) != len(other) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Key, other[i].Key) || !bytes.Equal(a[i].Value, other[i].Value) {
			return false
		}
	}
	return true
}
