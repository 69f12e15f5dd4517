// Package protocol implements the frame format used by lrcall's TCP transport.
//
// A frame is a fixed 10-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads
// exactly that many bytes, which keeps message boundaries intact on a byte
// stream. Request/response correlation lives in the message envelope, not in
// the frame.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ lrc  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic bytes "lrc". Rejects non-protocol peers early, e.g. an HTTP client
// hitting the wrong port.
const (
	MagicNumber byte = 0x6c // 'l'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x63 // 'c'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot make the
	// reader allocate gigabytes.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes data frames from heartbeats.
type MsgType byte

const (
	MsgTypeData      MsgType = 0 // one encoded message envelope
	MsgTypeHeartbeat MsgType = 1 // keep-alive probe, no body
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte // codec.CodecType of the body
	MsgType   MsgType
	BodyLen   uint32
}

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnsupportedMsgType = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge       = errors.New("protocol: body too large")
)

// Encode writes a complete frame (header + body) to w.
// The caller must serialize concurrent writers on the same w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Wrapf(ErrBodyTooLarge, "%d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r. io.EOF is returned unchanged when
// the stream ends cleanly between frames.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Wrapf(ErrInvalidMagic, "%x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Wrapf(ErrUnsupportedVersion, "%d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeData && msgType != MsgTypeHeartbeat {
		return nil, nil, errors.Wrapf(ErrUnsupportedMsgType, "%d", headerBuf[5])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
