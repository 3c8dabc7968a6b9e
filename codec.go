package pipeipc

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/golang/snappy"
)

// Codec translates between message values and frame payloads. The engine is
// parameterized by one codec per direction; both ends of a pipe must agree on
// the codec for each direction.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(p []byte) (T, error)
}

// GobCodec is the default codec: a self-describing binary encoding. Each
// frame carries an independent gob stream so that frames can be decoded in
// isolation.
type GobCodec[T any] struct{}

func (GobCodec[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Decode(p []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&v); err != nil {
		return v, &SerializationError{Err: err}
	}
	return v, nil
}

// JSONCodec encodes messages as JSON, for peers that are easier to debug on
// the wire than to share gob types with.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	p, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return p, nil
}

func (JSONCodec[T]) Decode(p []byte) (T, error) {
	var v T
	if err := json.Unmarshal(p, &v); err != nil {
		return v, &SerializationError{Err: err}
	}
	return v, nil
}

// SnappyCodec wraps another codec with snappy block compression.
type SnappyCodec[T any] struct {
	Inner Codec[T]
}

func (c SnappyCodec[T]) Encode(v T) ([]byte, error) {
	p, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, p), nil
}

func (c SnappyCodec[T]) Decode(p []byte) (T, error) {
	raw, err := snappy.Decode(nil, p)
	if err != nil {
		var zero T
		return zero, &SerializationError{Err: err}
	}
	return c.Inner.Decode(raw)
}
