package codec

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/message"
)

func TestEnvelopeCodecs(t *testing.T) {
	for _, cdc := range []Codec{JSON, Binary, Gob} {
		t.Run(cdc.Type().String(), func(t *testing.T) {
			req := &message.Request{
				ID:      9,
				Context: callctx.Default(callctx.Remote).WithTimeout(time.Second),
				Method:  "Arith.Add",
				Payload: []byte(`{"a":1,"b":2}`),
			}

			data, err := cdc.Encode(req)
			if err != nil {
				t.Fatalf("%s Encode failed: %v", cdc.Type(), err)
			}
			var decoded message.Request
			if err := cdc.Decode(data, &decoded); err != nil {
				t.Fatalf("%s Decode failed: %v", cdc.Type(), err)
			}

			if decoded.Method != req.Method {
				t.Errorf("Method mismatch: got %s, want %s", decoded.Method, req.Method)
			}
			if string(decoded.Payload) != string(req.Payload) {
				t.Errorf("Payload mismatch: got %s, want %s", decoded.Payload, req.Payload)
			}
			if decoded.Context.Trace != req.Context.Trace {
				t.Errorf("Trace mismatch: got %v, want %v", decoded.Context.Trace, req.Context.Trace)
			}
			if r := decoded.Context.Remaining(time.Now()); r <= 0 || r > time.Second {
				t.Errorf("expect remaining time within (0, 1s], got %v", r)
			}

			resp := &message.Response{ID: 9, Error: message.NewServerError(codes.Internal, "boom")}
			data, err = cdc.Encode(resp)
			if err != nil {
				t.Fatalf("%s Encode response failed: %v", cdc.Type(), err)
			}
			var decodedResp message.Response
			if err := cdc.Decode(data, &decodedResp); err != nil {
				t.Fatalf("%s Decode response failed: %v", cdc.Type(), err)
			}
			if decodedResp.Error == nil || *decodedResp.Error != *resp.Error {
				t.Errorf("Error mismatch: got %v, want %v", decodedResp.Error, resp.Error)
			}
		})
	}
}

func TestBinaryCodecRequiresMarshaler(t *testing.T) {
	_, err := Binary.Encode(struct{ A int }{1})
	var se *SerializationError
	if !errors.As(err, &se) || se.Op != "encode" {
		t.Fatalf("expect SerializationError on encode, got %v", err)
	}
}

func TestJSONDecodeError(t *testing.T) {
	var v struct{ A int }
	err := JSON.Decode([]byte("{not json"), &v)
	var se *SerializationError
	if !errors.As(err, &se) || se.Codec != CodecTypeJSON || se.Op != "decode" {
		t.Fatalf("expect SerializationError on decode, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	if _, err := Lookup(7); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expect ErrUnknownCodec, got %v", err)
	}
	if GetCodec(7).Type() != CodecTypeJSON {
		t.Fatal("expect JSON fallback")
	}
	ct, err := ParseType("gob")
	if err != nil || ct != CodecTypeGob {
		t.Fatalf("expect gob, got %v, %v", ct, err)
	}
	if !Valid(byte(CodecTypeBinary)) || Valid(9) {
		t.Fatal("Valid mismatch")
	}
}

func TestUnmarshalAllocatesPointer(t *testing.T) {
	data, err := Binary.Encode(&message.Response{ID: 3, Payload: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := Unmarshal[*message.Response](Binary, data)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.ID != 3 || string(resp.Payload) != "x" {
		t.Fatalf("unexpected response %+v", resp)
	}

	n, err := Unmarshal[int](JSON, []byte("42"))
	if err != nil || n != 42 {
		t.Fatalf("expect 42, got %d, %v", n, err)
	}
}
