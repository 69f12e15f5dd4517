package callctx

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/andeya/lrcall/trace"
)

// WireSize is the length of the binary form of a Context:
//
//	0        8                24        32   33   34
//	┌────────┬────────────────┬─────────┬────┬────┐
//	│deadline│    trace id    │ span id │samp│type│
//	│ int64ns│    16 bytes    │ 8 bytes │ 1  │ 1  │
//	└────────┴────────────────┴─────────┴────┴────┘
//
// The deadline field is the time remaining, never an absolute instant.
const WireSize = 8 + 16 + 8 + 1 + 1

// ErrShortBuffer is returned when decoding a truncated binary context.
var ErrShortBuffer = errors.New("callctx: short buffer")

// AppendBinary appends the binary form of c, measured against now, to b.
func (c Context) AppendBinary(b []byte, now time.Time) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(EncodeDeadline(c.Deadline, now)))
	b = append(b, c.Trace.TraceID[:]...)
	b = append(b, c.Trace.SpanID[:]...)
	b = append(b, byte(c.Trace.SamplingDecision), byte(c.CallType))
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler. gob uses it too, so the
// relative deadline survives every codec.
func (c Context) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(make([]byte, 0, WireSize), time.Now()), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Context) UnmarshalBinary(data []byte) error {
	return c.decodeBinary(data, time.Now())
}

func (c *Context) decodeBinary(data []byte, now time.Time) error {
	if len(data) < WireSize {
		return errors.Wrapf(ErrShortBuffer, "need %d bytes, got %d", WireSize, len(data))
	}
	d := time.Duration(int64(binary.BigEndian.Uint64(data[0:8])))
	c.Deadline = DecodeDeadline(d, now)
	copy(c.Trace.TraceID[:], data[8:24])
	copy(c.Trace.SpanID[:], data[24:32])
	c.Trace.SamplingDecision = trace.SamplingDecision(data[32])
	c.CallType = CallType(data[33])
	return nil
}

// DecodeBinary decodes a binary context that was appended to a larger
// message and returns the remaining bytes.
func DecodeBinary(data []byte) (Context, []byte, error) {
	var c Context
	if err := c.decodeBinary(data, time.Now()); err != nil {
		return Context{}, nil, err
	}
	return c, data[WireSize:], nil
}

type wireContext struct {
	Deadline     *int64        `json:"deadline,omitempty"` // nanoseconds remaining
	TraceContext trace.Context `json:"trace_context"`
	CallType     CallType      `json:"call_type"`
}

// MarshalJSON encodes the deadline as nanoseconds remaining.
func (c Context) MarshalJSON() ([]byte, error) {
	d := int64(EncodeDeadline(c.Deadline, time.Now()))
	return json.Marshal(wireContext{
		Deadline:     &d,
		TraceContext: c.Trace,
		CallType:     c.CallType,
	})
}

// UnmarshalJSON decodes the relative deadline against the local clock. A
// missing deadline gets the DefaultTimeout window.
func (c *Context) UnmarshalJSON(data []byte) error {
	var w wireContext
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	now := time.Now()
	d := DefaultTimeout
	if w.Deadline != nil {
		d = time.Duration(*w.Deadline)
	}
	c.Deadline = DecodeDeadline(d, now)
	c.Trace = w.TraceContext
	c.CallType = w.CallType
	return nil
}
