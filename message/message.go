// Package message defines the envelopes exchanged between client and server.
//
// A Request carries the call context, the operation name and the operation's
// serialized argument; a Response echoes the request ID and carries either
// the serialized result or a ServerError. Responses on one channel may
// arrive in any order, the ID is what correlates them.
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/callctx"
)

// Request is one call of a named operation.
type Request struct {
	ID      uint64          `json:"id"`
	Context callctx.Context `json:"context"`
	Method  string          `json:"method"`  // e.g. "Arith.Add"
	Payload []byte          `json:"payload"` // serialized argument
}

// Response answers the Request with the same ID.
//
//   - On success: Payload holds the serialized result, Error is nil.
//   - On failure: Error is set and Payload is empty.
type Response struct {
	ID      uint64       `json:"id"`
	Payload []byte       `json:"payload,omitempty"`
	Error   *ServerError `json:"error,omitempty"`
}

// ServerError is a typed error produced on the server side, by a request
// hook, by the dispatcher or by the operation itself. It is passed back to
// the caller verbatim.
type ServerError struct {
	Code   codes.Code `json:"code"`
	Detail string     `json:"detail"`
}

// NewServerError returns a ServerError with the given code and detail.
func NewServerError(code codes.Code, detail string) *ServerError {
	return &ServerError{Code: code, Detail: detail}
}

// Errorf is NewServerError with a formatted detail.
func Errorf(code codes.Code, format string, args ...any) *ServerError {
	return &ServerError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s: %s", e.Code, e.Detail)
}

// Is matches another *ServerError with the same code, so callers can write
// errors.Is(err, message.NewServerError(codes.DeadlineExceeded, "")).
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	return ok && t.Code == e.Code
}

// AsServerError converts err into a ServerError. A ServerError anywhere in
// err's chain is returned unchanged; any other error becomes codes.Unknown.
func AsServerError(err error) *ServerError {
	if err == nil {
		return nil
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se
	}
	return &ServerError{Code: codes.Unknown, Detail: err.Error()}
}

// ErrorResponse builds a failed response for the request with the given ID.
func ErrorResponse(id uint64, err *ServerError) *Response {
	return &Response{ID: id, Error: err}
}

var errShort = errors.New("message: short buffer")

// MarshalBinary encodes the request as
//
//	┌────────┬───────────┬──────────┬────────┬───────────┬─────────┐
//	│ id u64 │ context   │ len u16  │ method │ len u32   │ payload │
//	│        │ 34 bytes  │          │        │           │         │
//	└────────┴───────────┴──────────┴────────┴───────────┴─────────┘
func (r *Request) MarshalBinary() ([]byte, error) {
	if len(r.Method) > 0xFFFF {
		return nil, errors.Errorf("message: method name too long (%d bytes)", len(r.Method))
	}
	buf := make([]byte, 0, 8+callctx.WireSize+2+len(r.Method)+4+len(r.Payload))
	buf = binary.BigEndian.AppendUint64(buf, r.ID)
	ctxBytes, _ := r.Context.MarshalBinary()
	buf = append(buf, ctxBytes...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Method)))
	buf = append(buf, r.Method...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Payload)))
	buf = append(buf, r.Payload...)
	return buf, nil
}

// UnmarshalBinary decodes the form written by MarshalBinary.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return errShort
	}
	r.ID = binary.BigEndian.Uint64(data)
	c, rest, err := callctx.DecodeBinary(data[8:])
	if err != nil {
		return err
	}
	r.Context = c

	method, rest, err := readString16(rest)
	if err != nil {
		return err
	}
	r.Method = method

	payload, _, err := readBytes32(rest)
	if err != nil {
		return err
	}
	r.Payload = payload
	return nil
}

// MarshalBinary encodes the response as
//
//	id u64 | has error u8 | [code u32 | len u16 | detail] | len u32 | payload
func (r *Response) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 8+1+4+len(r.Payload))
	buf = binary.BigEndian.AppendUint64(buf, r.ID)
	if r.Error == nil {
		buf = append(buf, 0)
	} else {
		if len(r.Error.Detail) > 0xFFFF {
			return nil, errors.Errorf("message: error detail too long (%d bytes)", len(r.Error.Detail))
		}
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, uint32(r.Error.Code))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Error.Detail)))
		buf = append(buf, r.Error.Detail...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Payload)))
	buf = append(buf, r.Payload...)
	return buf, nil
}

// UnmarshalBinary decodes the form written by MarshalBinary.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 9 {
		return errShort
	}
	r.ID = binary.BigEndian.Uint64(data)
	rest := data[9:]
	r.Error = nil
	if data[8] == 1 {
		if len(rest) < 4 {
			return errShort
		}
		code := codes.Code(binary.BigEndian.Uint32(rest))
		detail, tail, err := readString16(rest[4:])
		if err != nil {
			return err
		}
		r.Error = &ServerError{Code: code, Detail: detail}
		rest = tail
	}

	payload, _, err := readBytes32(rest)
	if err != nil {
		return err
	}
	r.Payload = payload
	return nil
}

func readString16(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errShort
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, errShort
	}
	return string(b[:n]), b[n:], nil
}

func readBytes32(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errShort
	}
	n := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if len(b) < n {
		return nil, nil, errShort
	}
	if n == 0 {
		return nil, b, nil
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}
