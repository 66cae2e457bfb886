package tsm

import "github.com/golang/snappy"

// Codec is the pluggable byte-block transform applied to block payloads and
// WAL record payloads before they hit disk. The engine is agnostic to the
// algorithm; implementations must round-trip exactly.
type Codec interface {
	// Encode returns the encoded form of src.
	Encode(src []byte) []byte

	// Decode returns the decoded form of src.
	Decode(src []byte) ([]byte, error)
}

// SnappyCodec compresses blocks with snappy. It is the default codec.
type SnappyCodec struct{}

func (SnappyCodec) Encode(src []byte) []byte { return snappy.Encode(nil, src) }

func (SnappyCodec) Decode(src []byte) ([]byte, error) { return snappy.Decode(nil, src) }

// NoopCodec stores blocks uncompressed.
type NoopCodec struct{}

func (NoopCodec) Encode(src []byte) []byte { return src }

func (NoopCodec) Decode(src []byte) ([]byte, error) { return src, nil }
