package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: 0,
		MsgType:   MsgTypeData,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("expect %d bytes on the wire, got %d", HeaderSize+len(body), buf.Len())
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}

	if _, _, err := Decode(&buf); err != io.EOF {
		t.Fatalf("expect io.EOF at end of stream, got %v", err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, 0, byte(MsgTypeData), 0x00, 0x00, 0x00, 0x0B})
	buf.Write([]byte("hello world"))

	if _, _, err := Decode(&buf); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expect ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, 0, byte(MsgTypeData), 0, 0, 0, 0})

	if _, _, err := Decode(&buf); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expect ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	h, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.MsgType != MsgTypeHeartbeat || h.BodyLen != 0 || len(body) != 0 {
		t.Fatalf("unexpected heartbeat frame %+v, body %d bytes", h, len(body))
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeData}, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-4])

	if _, _, err := Decode(truncated); err != io.ErrUnexpectedEOF {
		t.Fatalf("expect io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	if err := Encode(&buf, &Header{CodecType: 1, MsgType: MsgTypeData}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestDecodeOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, 0, byte(MsgTypeData), 0xFF, 0xFF, 0xFF, 0xFF})

	if _, _, err := Decode(&buf); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expect ErrBodyTooLarge, got %v", err)
	}
}
