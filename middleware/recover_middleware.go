package middleware

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/internal/logging"
	"github.com/andeya/lrcall/message"
)

// Recover turns a panicking handler into a codes.Internal response.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logging.Or(logger).Error("handler panicked",
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					resp = message.ErrorResponse(req.ID, message.Errorf(codes.Internal, "%s: panic: %v", req.Method, r))
				}
			}()
			return next(ctx, req)
		}
	}
}
