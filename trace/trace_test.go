package trace

import (
	"encoding/json"
	"testing"
)

func TestNewChildInheritsTrace(t *testing.T) {
	parent := New()
	parent.SamplingDecision = Sampled

	child := parent.NewChild()
	if child.TraceID != parent.TraceID {
		t.Fatalf("trace id changed: %s -> %s", parent.TraceID, child.TraceID)
	}
	if child.SamplingDecision != parent.SamplingDecision {
		t.Fatalf("sampling changed: %d -> %d", parent.SamplingDecision, child.SamplingDecision)
	}
	if child.SpanID == parent.SpanID {
		t.Fatal("expect fresh span id for child")
	}
}

func TestNewIsValid(t *testing.T) {
	seen := map[TraceID]bool{}
	for i := 0; i < 100; i++ {
		c := New()
		if !c.IsValid() {
			t.Fatalf("invalid context %v", c)
		}
		if seen[c.TraceID] {
			t.Fatalf("duplicate trace id %s", c.TraceID)
		}
		seen[c.TraceID] = true
	}
}

func TestSpanContextConversion(t *testing.T) {
	c := New()
	c.SamplingDecision = Sampled

	sc := c.SpanContext()
	if !sc.IsRemote() || !sc.IsSampled() {
		t.Fatalf("expect remote sampled span context, got %+v", sc)
	}

	back, ok := FromSpanContext(sc)
	if !ok {
		t.Fatal("expect valid span context")
	}
	if back != c {
		t.Fatalf("got %v, want %v", back, c)
	}

	if _, ok := FromSpanContext(Context{}.SpanContext()); ok {
		t.Fatal("expect zero context to be rejected")
	}
}

func TestJSONHex(t *testing.T) {
	c := New()
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Context
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded != c {
		t.Fatalf("got %v, want %v", decoded, c)
	}

	var id TraceID
	if err := id.UnmarshalText([]byte("abc")); err == nil {
		t.Fatal("expect error for short hex")
	}
}
