package codec

import (
	"bytes"
	"encoding/gob"
)

// GobCodec uses encoding/gob with a fresh encoder per value, so every
// payload is self-describing and can be decoded on its own.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, &SerializationError{Codec: CodecTypeGob, Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return &SerializationError{Codec: CodecTypeGob, Op: "decode", Err: err}
	}
	return nil
}

func (c *GobCodec) Type() CodecType {
	return CodecTypeGob
}
