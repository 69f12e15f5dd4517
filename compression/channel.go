package compression

import (
	"context"

	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
)

// Option configures Wrap.
type Option func(*options)

type options struct {
	algorithm Algorithm
	minSize   int
}

// WithAlgorithm selects the algorithm for outgoing messages. Default Deflate.
func WithAlgorithm(alg Algorithm) Option {
	return func(o *options) { o.algorithm = alg }
}

// WithMinSize sends messages whose serialized form is shorter than n bytes
// uncompressed. The default 0 compresses every message.
func WithMinSize(n int) Option {
	return func(o *options) { o.minSize = n }
}

type compressed[In, Out any] struct {
	inner channel.Channel[Message[In], Message[Out]]
	codec codec.Codec
	opts  options
}

// Wrap returns a channel of plain messages layered over inner. Outgoing
// messages are serialized with cdc and compressed; incoming messages are
// decompressed. Errors from inner pass through unchanged and decompression
// errors surface as ErrInvalidData.
func Wrap[In, Out any](inner channel.Channel[Message[In], Message[Out]], cdc codec.Codec, opts ...Option) channel.Channel[In, Out] {
	o := options{algorithm: Deflate}
	for _, opt := range opts {
		opt(&o)
	}
	return &compressed[In, Out]{inner: inner, codec: cdc, opts: o}
}

func (c *compressed[In, Out]) Recv(ctx context.Context) (In, error) {
	m, err := c.inner.Recv(ctx)
	if err != nil {
		var zero In
		return zero, err
	}
	return Decompress(m, c.codec)
}

func (c *compressed[In, Out]) Send(ctx context.Context, msg Out) error {
	m, err := c.compress(msg)
	if err != nil {
		return err
	}
	return c.inner.Send(ctx, m)
}

func (c *compressed[In, Out]) compress(msg Out) (Message[Out], error) {
	if c.opts.minSize <= 0 {
		return Compress(msg, c.codec, c.opts.algorithm)
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return Message[Out]{}, err
	}
	if len(data) < c.opts.minSize {
		return Plain(msg), nil
	}
	comp, err := Lookup(c.opts.algorithm)
	if err != nil {
		return Message[Out]{}, err
	}
	payload, err := comp.Compress(data)
	if err != nil {
		return Message[Out]{}, err
	}
	return Message[Out]{Kind: Compressed, Algorithm: c.opts.algorithm, Payload: payload}, nil
}

func (c *compressed[In, Out]) Close() error {
	return c.inner.Close()
}
