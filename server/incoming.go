package server

import (
	"context"
	"sync"

	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/message"
)

// Incoming is a source of server-side channels, typically a listener.
// Accept blocks until the next channel is available or ctx is done.
type Incoming interface {
	Accept(ctx context.Context) (channel.Channel[*message.Request, *message.Response], error)
}

// IncomingFunc adapts a function to Incoming.
type IncomingFunc func(ctx context.Context) (channel.Channel[*message.Request, *message.Response], error)

func (f IncomingFunc) Accept(ctx context.Context) (channel.Channel[*message.Request, *message.Response], error) {
	return f(ctx)
}

// Channels returns an Incoming that yields chs in order and then blocks
// until ctx is done.
func Channels(chs ...channel.Channel[*message.Request, *message.Response]) Incoming {
	var mu sync.Mutex
	return IncomingFunc(func(ctx context.Context) (channel.Channel[*message.Request, *message.Response], error) {
		mu.Lock()
		if len(chs) > 0 {
			ch := chs[0]
			chs = chs[1:]
			mu.Unlock()
			return ch, nil
		}
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	})
}
