package middleware

import (
	"context"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/message"
)

// RateLimit returns a hook admitting r requests per second with bursts of
// up to burst, on a token bucket. Requests over the limit fail with
// codes.ResourceExhausted.
func RateLimit(r float64, burst int) Hook {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(_ context.Context, req *message.Request) error {
		if !limiter.Allow() {
			return message.Errorf(codes.ResourceExhausted, "%s: rate limit exceeded", req.Method)
		}
		return nil
	}
}
