package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/message"
)

// Logging logs every request with its trace id, duration and outcome.
// Failed requests are logged at Warn, the rest at Debug. A nil logger
// means logging.L().
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			log := logging.Or(logger)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if cc, ok := callctx.FromContext(ctx); ok {
				fields = append(fields, zap.Stringer("trace_id", cc.TraceID()))
			}
			if resp.Error != nil {
				fields = append(fields, zap.Stringer("code", resp.Error.Code), zap.String("detail", resp.Error.Detail))
				log.Warn("request failed", fields...)
			} else {
				log.Debug("request served", fields...)
			}
			return resp
		}
	}
}
