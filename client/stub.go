// Package client issues calls over a Channel.
//
// A Stub is anything that can perform one call: a multiplexing Channel
// connected to a server, or a decorator such as retry.Retry or
// loadbalance.RoundRobin wrapping other stubs. The call context is passed
// explicitly on every call; callers usually derive it with
// callctx.Current so trace identity and deadline follow the call chain.
package client

import (
	"context"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/codec"
)

// Stub performs a single call of method with an already serialized
// argument and returns the serialized result. Failures returned by the
// server arrive as *message.ServerError.
type Stub interface {
	Call(ctx context.Context, cc callctx.Context, method string, payload []byte) ([]byte, error)
}

// StubFunc adapts a function to the Stub interface.
type StubFunc func(ctx context.Context, cc callctx.Context, method string, payload []byte) ([]byte, error)

func (f StubFunc) Call(ctx context.Context, cc callctx.Context, method string, payload []byte) ([]byte, error) {
	return f(ctx, cc, method, payload)
}

// Invoke is the typed form of Stub.Call: req is encoded with cdc and the
// result decoded into a new Resp.
func Invoke[Req, Resp any](ctx context.Context, stub Stub, cc callctx.Context, method string, cdc codec.Codec, req Req) (Resp, error) {
	var zero Resp
	payload, err := cdc.Encode(req)
	if err != nil {
		return zero, err
	}
	out, err := stub.Call(ctx, cc, method, payload)
	if err != nil {
		return zero, err
	}
	return codec.Unmarshal[Resp](cdc, out)
}
