// Package trace provides the minimal trace identity carried by every call:
// a 128-bit trace id shared by all calls of one logical operation, a 64-bit
// span id unique per call, and a sampling decision.
//
// Exporting spans is not done here. The identity converts to and from an
// OpenTelemetry SpanContext so that an exporter configured by the host
// process sees calls made through lrcall as part of the same trace.
package trace

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"

	uuid "github.com/satori/go.uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TraceID identifies a chain of related calls.
type TraceID [16]byte

// SpanID identifies a single call inside a trace.
type SpanID [8]byte

// SamplingDecision tells downstream services whether to record the trace.
type SamplingDecision uint8

const (
	Unsampled SamplingDecision = 0
	Sampled   SamplingDecision = 1
)

// Context is the trace identity of one call.
type Context struct {
	TraceID          TraceID          `json:"trace_id"`
	SpanID           SpanID           `json:"span_id"`
	SamplingDecision SamplingDecision `json:"sampling_decision"`
}

// New starts a new trace with a fresh trace id and root span id.
// The sampling decision defaults to Unsampled.
func New() Context {
	return Context{
		TraceID: NewTraceID(),
		SpanID:  NewSpanID(),
	}
}

// NewChild returns the identity of a call made on behalf of c: same trace id
// and sampling decision, fresh span id.
func (c Context) NewChild() Context {
	child := c
	for {
		child.SpanID = NewSpanID()
		if child.SpanID != c.SpanID {
			return child
		}
	}
}

// IsSampled reports whether the trace should be recorded.
func (c Context) IsSampled() bool {
	return c.SamplingDecision == Sampled
}

// IsValid reports whether both ids are non-zero.
func (c Context) IsValid() bool {
	return !c.TraceID.IsZero() && !c.SpanID.IsZero()
}

func (c Context) String() string {
	return fmt.Sprintf("%s/%s/%d", c.TraceID, c.SpanID, c.SamplingDecision)
}

// SpanContext converts c into a remote OpenTelemetry span context.
func (c Context) SpanContext() oteltrace.SpanContext {
	var flags oteltrace.TraceFlags
	if c.IsSampled() {
		flags = oteltrace.FlagsSampled
	}
	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    oteltrace.TraceID(c.TraceID),
		SpanID:     oteltrace.SpanID(c.SpanID),
		TraceFlags: flags,
		Remote:     true,
	})
}

// FromSpanContext converts an OpenTelemetry span context. ok is false when
// sc is not valid.
func FromSpanContext(sc oteltrace.SpanContext) (c Context, ok bool) {
	if !sc.IsValid() {
		return Context{}, false
	}
	c = Context{
		TraceID: TraceID(sc.TraceID()),
		SpanID:  SpanID(sc.SpanID()),
	}
	if sc.IsSampled() {
		c.SamplingDecision = Sampled
	}
	return c, true
}

// NewTraceID returns a random, non-zero trace id.
func NewTraceID() TraceID {
	return TraceID(uuid.NewV4())
}

// NewSpanID returns a random, non-zero span id.
func NewSpanID() SpanID {
	var id SpanID
	for id.IsZero() {
		binary.BigEndian.PutUint64(id[:], rand.Uint64())
	}
	return id
}

func (t TraceID) IsZero() bool { return t == TraceID{} }

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

func (t TraceID) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TraceID) UnmarshalText(text []byte) error {
	return decodeHex(t[:], text)
}

func (s SpanID) IsZero() bool { return s == SpanID{} }

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

func (s SpanID) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SpanID) UnmarshalText(text []byte) error {
	return decodeHex(s[:], text)
}

func decodeHex(dst, text []byte) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return fmt.Errorf("trace: want %d hex characters, got %d", hex.EncodedLen(len(dst)), len(text))
	}
	_, err := hex.Decode(dst, text)
	return err
}
