package codec

import (
	"encoding"

	"github.com/pkg/errors"
)

// BinaryCodec delegates to the value's own compact binary layout. Values
// must implement encoding.BinaryMarshaler to be encoded and
// encoding.BinaryUnmarshaler to be decoded; message.Request,
// message.Response and callctx.Context all do.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, &SerializationError{Codec: CodecTypeBinary, Op: "encode",
			Err: errors.Errorf("%T does not implement encoding.BinaryMarshaler", v)}
	}
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, &SerializationError{Codec: CodecTypeBinary, Op: "encode", Err: err}
	}
	return data, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return &SerializationError{Codec: CodecTypeBinary, Op: "decode",
			Err: errors.Errorf("%T does not implement encoding.BinaryUnmarshaler", v)}
	}
	if err := u.UnmarshalBinary(data); err != nil {
		return &SerializationError{Codec: CodecTypeBinary, Op: "decode", Err: err}
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
