package compression

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/message"
)

func TestCompressDecompress(t *testing.T) {
	for _, alg := range []Algorithm{Deflate, Zstd} {
		t.Run(alg.String(), func(t *testing.T) {
			in := strings.Repeat("friend ", 200)
			m, err := Compress(in, codec.JSON, alg)
			if err != nil {
				t.Fatal(err)
			}
			if m.Kind != Compressed || m.Algorithm != alg {
				t.Fatalf("unexpected message %+v", m)
			}
			if len(m.Payload) >= len(in) {
				t.Fatalf("expect a smaller payload, got %d bytes for %d", len(m.Payload), len(in))
			}

			out, err := Decompress(m, codec.JSON)
			if err != nil {
				t.Fatal(err)
			}
			if out != in {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestDecompressUnknownAlgorithm(t *testing.T) {
	m := Message[string]{Kind: Compressed, Algorithm: "lz4", Payload: []byte{1, 2, 3}}
	_, err := Decompress(m, codec.JSON)
	if !errors.Is(err, ErrUnsupportedAlgorithm) || !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expect unsupported algorithm, got %v", err)
	}

	var decoded Message[string]
	err = json.Unmarshal([]byte(`{"kind":1,"algorithm":"lz4","payload":"AQID"}`), &decoded)
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expect deserialization to reject the tag, got %v", err)
	}

	err = decoded.UnmarshalBinary([]byte{byte(Compressed), 3, 'l', 'z', '4', 0xAA})
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expect binary decoding to reject the tag, got %v", err)
	}
}

func TestDecompressCorruptPayload(t *testing.T) {
	m := Message[string]{Kind: Compressed, Algorithm: Zstd, Payload: []byte("definitely not zstd")}
	if _, err := Decompress(m, codec.JSON); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expect ErrInvalidData, got %v", err)
	}
}

func TestMessageBinary(t *testing.T) {
	req := &message.Request{ID: 4, Context: callctx.Default(callctx.Remote), Method: "World.Hello", Payload: []byte(`"friend"`)}

	plain, err := Plain(req).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Message[*message.Request]
	if err := got.UnmarshalBinary(plain); err != nil {
		t.Fatal(err)
	}
	if got.Kind != Uncompressed || got.Value.Method != req.Method {
		t.Fatalf("unexpected message %+v", got)
	}

	m, err := Compress(req, codec.Binary, Deflate)
	if err != nil {
		t.Fatal(err)
	}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if got.Kind != Compressed || got.Algorithm != Deflate || !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("unexpected message %+v", got)
	}
	out, err := Decompress(got, codec.Binary)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != req.ID || out.Method != req.Method || out.Context.Trace != req.Context.Trace {
		t.Fatalf("unexpected request %+v", out)
	}
}

func TestWrapChannel(t *testing.T) {
	ctx := context.Background()
	rawClient, rawServer := channel.Pipe[Message[*message.Response], Message[*message.Request]](4)
	client := Wrap(rawClient, codec.Binary)
	server := Wrap(rawServer, codec.Binary, WithAlgorithm(Zstd))

	req := &message.Request{ID: 1, Context: callctx.Default(callctx.Remote), Method: "World.Hello", Payload: []byte(`"friend"`)}
	if err := client.Send(ctx, req); err != nil {
		t.Fatal(err)
	}
	got, err := server.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Method != "World.Hello" || string(got.Payload) != `"friend"` {
		t.Fatalf("unexpected request %+v", got)
	}

	if err := server.Send(ctx, &message.Response{ID: 1, Payload: []byte(`"Hey, friend!"`)}); err != nil {
		t.Fatal(err)
	}
	resp, err := client.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Payload) != `"Hey, friend!"` {
		t.Fatalf("unexpected response %+v", resp)
	}

	client.Close()
	if _, err := server.Recv(ctx); err == nil {
		t.Fatal("expect end of stream after close")
	}
}

func TestWrapMinSize(t *testing.T) {
	ctx := context.Background()
	raw, peer := channel.Pipe[Message[string], Message[string]](2)
	ch := Wrap(raw, codec.JSON, WithMinSize(64))

	if err := ch.Send(ctx, "small"); err != nil {
		t.Fatal(err)
	}
	m, err := peer.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != Uncompressed || m.Value != "small" {
		t.Fatalf("expect small message uncompressed, got %+v", m)
	}

	if err := ch.Send(ctx, strings.Repeat("large ", 20)); err != nil {
		t.Fatal(err)
	}
	if m, err = peer.Recv(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Kind != Compressed || m.Algorithm != Deflate {
		t.Fatalf("expect large message compressed, got %+v", m)
	}
}

func TestWrapRejectsUnknownAlgorithm(t *testing.T) {
	ctx := context.Background()
	raw, peer := channel.Pipe[Message[string], Message[string]](1)
	ch := Wrap(raw, codec.JSON)

	if err := peer.Send(ctx, Message[string]{Kind: Compressed, Algorithm: "brotli", Payload: []byte{0}}); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Recv(ctx); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expect ErrInvalidData, got %v", err)
	}
}

type reverse struct{}

func (reverse) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	for i, b := range src {
		out[len(src)-1-i] = b
	}
	return out, nil
}

func (r reverse) Decompress(src []byte) ([]byte, error) { return r.Compress(src) }

func TestRegister(t *testing.T) {
	Register("reverse", reverse{})
	m, err := Compress("abc", codec.JSON, "reverse")
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Payload) != `"cba"` {
		t.Fatalf("unexpected payload %q", m.Payload)
	}
	out, err := Decompress(m, codec.JSON)
	if err != nil || out != "abc" {
		t.Fatalf("expect abc, got %q, %v", out, err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	for name, want := range map[string]Algorithm{"deflate": Deflate, "Deflate": Deflate, "ZSTD": Zstd} {
		got, err := ParseAlgorithm(name)
		if err != nil || got != want {
			t.Errorf("%s: expect %s, got %q, %v", name, want, got, err)
		}
	}
	if _, err := ParseAlgorithm("lz4"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expect ErrUnsupportedAlgorithm, got %v", err)
	}

	m, err := Compress("abc", codec.JSON, Deflate)
	if err != nil {
		t.Fatal(err)
	}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("Deflate")) {
		t.Fatalf("expect the wire tag Deflate, got %q", data)
	}
}
