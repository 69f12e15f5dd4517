package callctx

import "time"

// EncodeDeadline converts an absolute deadline into the time remaining as
// measured by the sender's clock at now. A deadline in the past encodes as
// zero.
//
// Only the relative duration crosses the wire, so the two machines never
// need synchronized clocks; network and processing latency is the only thing
// that erodes the effective deadline.
func EncodeDeadline(deadline, now time.Time) time.Duration {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// DecodeDeadline converts a received duration back into an absolute deadline
// on the receiver's clock. Zero or negative durations still decode to a valid
// (already expired) deadline; enforcement decides what to do with it.
func DecodeDeadline(d time.Duration, now time.Time) time.Time {
	return now.Add(d)
}
