// Package retry reissues failed calls.
//
// A Retry wraps a client.Stub. After every attempt a predicate sees the
// result and the attempt number and decides whether to try again; the
// request is reissued unchanged, with the same call context, so the total
// time across attempts stays bounded by the original deadline. When the
// predicate declines or the budget is spent the most recent result is
// returned as is. Requests are not deduplicated: only retry operations
// that are idempotent.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/client"
	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/message"
)

// DefaultMaxAttempts is the attempt budget when WithMaxAttempts is not given.
const DefaultMaxAttempts = 3

// ShouldRetry decides, after attempt number attempt (starting at 1) ended
// with resp and err, whether to try again.
type ShouldRetry func(resp []byte, err error, attempt int) bool

// Option configures a Retry.
type Option func(*Retry)

// WithMaxAttempts bounds the number of attempts, first one included.
func WithMaxAttempts(n int) Option {
	return func(r *Retry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff waits baseDelay*2^(n-1) before the n-th retry. The wait never
// extends past the call deadline. Default 0: retry immediately.
func WithBackoff(baseDelay time.Duration) Option {
	return func(r *Retry) { r.baseDelay = baseDelay }
}

// WithLogger sets the logger; the default is logging.L().
func WithLogger(l *zap.Logger) Option {
	return func(r *Retry) { r.log = l }
}

// Retry is a client.Stub that retries calls on the stub it wraps.
type Retry struct {
	stub        client.Stub
	shouldRetry ShouldRetry
	maxAttempts int
	baseDelay   time.Duration
	log         *zap.Logger
}

var _ client.Stub = (*Retry)(nil)

// New wraps stub. A nil shouldRetry retries on every error.
func New(stub client.Stub, shouldRetry ShouldRetry, opts ...Option) *Retry {
	if shouldRetry == nil {
		shouldRetry = OnError(nil)
	}
	r := &Retry{
		stub:        stub,
		shouldRetry: shouldRetry,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.Or(r.log)
	return r
}

func (r *Retry) Call(ctx context.Context, cc callctx.Context, method string, payload []byte) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		resp, err := r.stub.Call(ctx, cc, method, payload)
		if !r.shouldRetry(resp, err, attempt) || attempt >= r.maxAttempts {
			return resp, err
		}

		r.log.Warn("retrying call",
			zap.Stringer("trace_id", cc.TraceID()),
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !r.wait(ctx, cc, attempt) {
			return resp, err
		}
	}
}

// wait sleeps the backoff before the next attempt. It reports false when
// the deadline or ctx ends first.
func (r *Retry) wait(ctx context.Context, cc callctx.Context, attempt int) bool {
	if ctx.Err() != nil || cc.Expired(time.Now()) {
		return false
	}
	if r.baseDelay <= 0 {
		return true
	}

	delay := r.baseDelay * time.Duration(1<<(attempt-1))
	if remaining := cc.Remaining(time.Now()); delay >= remaining {
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// OnError retries failed attempts whose error satisfies pred. A nil pred
// matches every error.
func OnError(pred func(error) bool) ShouldRetry {
	return func(_ []byte, err error, _ int) bool {
		return err != nil && (pred == nil || pred(err))
	}
}

// OnCodes retries attempts that failed with a server error carrying one of
// the given codes, and attempts that failed before reaching the server.
func OnCodes(cs ...codes.Code) ShouldRetry {
	return OnError(func(err error) bool {
		var se *message.ServerError
		if !errors.As(err, &se) {
			return !errors.Is(err, client.ErrDeadlineExceeded) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}
		for _, c := range cs {
			if se.Code == c {
				return true
			}
		}
		return false
	})
}
