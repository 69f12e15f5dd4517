package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Human-readable and cross-language, at the
// price of reflection and larger payloads.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Codec: CodecTypeJSON, Op: "encode", Err: err}
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &SerializationError{Codec: CodecTypeJSON, Op: "decode", Err: err}
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
