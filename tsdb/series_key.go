package tsdb

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/meridiandb/meridian/models"
)

// A series key is the canonical byte encoding of (measurement, sorted tag
// set). It is the identity a shard's series dictionary is keyed by.
//
// Layout: measurement length (u16), measurement, tag count (uvarint), then
// for each tag: key length (u16), key, value length (u16), value.

// AppendSeriesKey serializes name and tags onto dst and returns it.
func AppendSeriesKey(dst []byte, name []byte, tags models.Tags) []byte {
	var buf [binary.MaxVarintLen64]byte

	binary.BigEndian.PutUint16(buf[:2], uint16(len(name)))
	dst = append(dst, buf[:2]...)
	dst = append(dst, name...)

	n := binary.PutUvarint(buf[:], uint64(len(tags)))
	dst = append(dst, buf[:n]...)

	for _, tag := range tags {
		binary.BigEndian.PutUint16(buf[:2], uint16(len(tag.Key)))
		dst = append(dst, buf[:2]...)
		dst = append(dst, tag.Key...)

		binary.BigEndian.PutUint16(buf[:2], uint16(len(tag.Value)))
		dst = append(dst, buf[:2]...)
		dst = append(dst, tag.Value...)
	}
	return dst
}

// ParseSeriesKey extracts the measurement name and tags from a series key.
// The returned slices alias data.
func ParseSeriesKey(data []byte) (name []byte, tags models.Tags) {
	n := binary.BigEndian.Uint16(data[:2])
	name, data = data[2:2+n], data[2+n:]

	tagN, i := binary.Uvarint(data)
	data = data[i:]

	tags = make(models.Tags, 0, tagN)
	for j := uint64(0); j < tagN; j++ {
		n = binary.BigEndian.Uint16(data[:2])
		key := data[2 : 2+n]
		data = data[2+n:]

		n = binary.BigEndian.Uint16(data[:2])
		value := data[2 : 2+n]
		data = data[2+n:]

		tags = append(tags, models.Tag{Key: key, Value: value})
	}
	return name, tags
}

// CompareSeriesKeys imposes a total order on encoded series keys.
func CompareSeriesKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// SeriesKeySize returns the number of bytes required to encode a series key.
func SeriesKeySize(name []byte, tags models.Tags) int {
	n := 2 + len(name)
	var buf [binary.MaxVarintLen64]byte
	n += binary.PutUvarint(buf[:], uint64(len(tags)))
	for _, tag := range tags {
		n += 4 + tag.Size()
	}
	return n
}

// SeriesKeyFingerprint returns the 64-bit fingerprint of a series key used
// for hash placement. The dictionary itself is keyed by the full key so
// fingerprint collisions can never alias two series.
func SeriesKeyFingerprint(key []byte) uint64 {
	return xxhash.Sum64(key)
}
