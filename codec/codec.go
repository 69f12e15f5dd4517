// Package codec turns typed values into bytes and back. It is used for
// whole message envelopes by the transport and for operation arguments and
// results by client stubs and the server's operation table.
package codec

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeGob    CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeGob:
		return "gob"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// SerializationError reports a value that could not be encoded or decoded.
type SerializationError struct {
	Codec CodecType
	Op    string // "encode" or "decode"
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("codec %s: %s: %v", e.Codec, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ErrUnknownCodec is returned by Lookup for an unassigned codec type.
var ErrUnknownCodec = errors.New("codec: unknown codec type")

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	c, err := Lookup(codecType)
	if err != nil {
		return JSON
	}
	return c
}

// Lookup returns the codec for codecType.
func Lookup(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return JSON, nil
	case CodecTypeBinary:
		return Binary, nil
	case CodecTypeGob:
		return Gob, nil
	}
	return nil, errors.Wrapf(ErrUnknownCodec, "type %d", byte(codecType))
}

// Valid reports whether b names a known codec.
func Valid(b byte) bool {
	_, err := Lookup(CodecType(b))
	return err == nil
}

// ParseType maps a codec name ("json", "binary", "gob") to its type.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "gob":
		return CodecTypeGob, nil
	}
	return 0, errors.Wrapf(ErrUnknownCodec, "name %q", name)
}

// Shared stateless codec instances.
var (
	JSON   Codec = &JSONCodec{}
	Binary Codec = &BinaryCodec{}
	Gob    Codec = &GobCodec{}
)

// Unmarshal decodes data into a new T. When T is a pointer type the pointee
// is allocated, so Unmarshal[*message.Request] works with every codec,
// including BinaryCodec which needs the pointer to implement
// encoding.BinaryUnmarshaler.
func Unmarshal[T any](c Codec, data []byte) (T, error) {
	var v T
	if rt := reflect.TypeOf((*T)(nil)).Elem(); rt.Kind() == reflect.Pointer {
		ptr := reflect.New(rt.Elem())
		if err := c.Decode(data, ptr.Interface()); err != nil {
			return v, err
		}
		return ptr.Interface().(T), nil
	}
	if err := c.Decode(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
