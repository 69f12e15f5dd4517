package compression

import (
	"github.com/pkg/errors"

	"github.com/andeya/lrcall/codec"
)

// Kind discriminates the two shapes of a Message.
type Kind uint8

const (
	Uncompressed Kind = 0
	Compressed   Kind = 1
)

// Message is a value that travels either as is or as a compressed,
// serialized payload.
//
//	Uncompressed: Value holds the message.
//	Compressed:   Algorithm and Payload hold the compressed serialization.
type Message[T any] struct {
	Kind      Kind      `json:"kind"`
	Value     T         `json:"value,omitempty"`
	Algorithm Algorithm `json:"algorithm,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
}

// Plain wraps v as an uncompressed Message.
func Plain[T any](v T) Message[T] {
	return Message[T]{Kind: Uncompressed, Value: v}
}

// Compress serializes v with cdc and compresses the bytes with alg.
func Compress[T any](v T, cdc codec.Codec, alg Algorithm) (Message[T], error) {
	c, err := Lookup(alg)
	if err != nil {
		return Message[T]{}, err
	}
	data, err := cdc.Encode(v)
	if err != nil {
		return Message[T]{}, err
	}
	payload, err := c.Compress(data)
	if err != nil {
		return Message[T]{}, errors.Wrapf(err, "compression: %s", alg)
	}
	return Message[T]{Kind: Compressed, Algorithm: alg, Payload: payload}, nil
}

// Decompress returns the message carried by m. A compressed payload is
// decompressed and deserialized with cdc; an unknown algorithm fails with
// ErrUnsupportedAlgorithm.
func Decompress[T any](m Message[T], cdc codec.Codec) (T, error) {
	var zero T
	switch m.Kind {
	case Uncompressed:
		return m.Value, nil
	case Compressed:
		c, err := Lookup(m.Algorithm)
		if err != nil {
			return zero, err
		}
		data, err := c.Decompress(m.Payload)
		if err != nil {
			return zero, err
		}
		return codec.Unmarshal[T](cdc, data)
	}
	return zero, errors.Wrapf(ErrInvalidData, "unknown message kind %d", m.Kind)
}

// MarshalBinary encodes m as
//
//	kind u8 | value (binary form of T)                   Uncompressed
//	kind u8 | len u8 | algorithm | compressed payload    Compressed
func (m Message[T]) MarshalBinary() ([]byte, error) {
	switch m.Kind {
	case Uncompressed:
		value, err := codec.Binary.Encode(m.Value)
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(Uncompressed)}, value...), nil
	case Compressed:
		if len(m.Algorithm) > 0xFF {
			return nil, errors.Errorf("compression: algorithm tag too long (%d bytes)", len(m.Algorithm))
		}
		buf := make([]byte, 0, 2+len(m.Algorithm)+len(m.Payload))
		buf = append(buf, byte(Compressed), byte(len(m.Algorithm)))
		buf = append(buf, m.Algorithm...)
		buf = append(buf, m.Payload...)
		return buf, nil
	}
	return nil, errors.Errorf("compression: unknown message kind %d", m.Kind)
}

// UnmarshalBinary decodes the form written by MarshalBinary.
func (m *Message[T]) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errors.Wrap(ErrInvalidData, "empty message")
	}
	switch Kind(data[0]) {
	case Uncompressed:
		v, err := codec.Unmarshal[T](codec.Binary, data[1:])
		if err != nil {
			return err
		}
		*m = Message[T]{Kind: Uncompressed, Value: v}
		return nil
	case Compressed:
		if len(data) < 2 || len(data) < 2+int(data[1]) {
			return errors.Wrap(ErrInvalidData, "short compressed message")
		}
		n := int(data[1])
		var alg Algorithm
		if err := alg.UnmarshalText(data[2 : 2+n]); err != nil {
			return err
		}
		payload := make([]byte, len(data)-2-n)
		copy(payload, data[2+n:])
		*m = Message[T]{Kind: Compressed, Algorithm: alg, Payload: payload}
		return nil
	}
	return errors.Wrapf(ErrInvalidData, "unknown message kind %d", data[0])
}
