package channel

import (
	"context"
	"io"
	"sync"
)

// Pipe returns two connected in-memory channel ends. Messages sent on one
// end are received on the other. buffer is the number of messages each
// direction holds before Send blocks.
//
// Pipes are useful for local (in-process) calls and for tests.
func Pipe[A, B any](buffer int) (Channel[A, B], Channel[B, A]) {
	ab := make(chan B, buffer)
	ba := make(chan A, buffer)
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	a := &pipeEnd[A, B]{in: ba, out: ab, done: doneA, peerDone: doneB}
	b := &pipeEnd[B, A]{in: ab, out: ba, done: doneB, peerDone: doneA}
	return a, b
}

type pipeEnd[In, Out any] struct {
	in       <-chan In
	out      chan Out
	done     chan struct{} // closed by this end's Close
	peerDone <-chan struct{}

	mu     sync.RWMutex // senders hold RLock; Close takes Lock before closing out
	closed bool
	once   sync.Once
}

func (p *pipeEnd[In, Out]) Recv(ctx context.Context) (In, error) {
	var zero In
	select {
	case <-p.done:
		return zero, io.EOF
	default:
	}

	select {
	case msg, ok := <-p.in:
		if !ok {
			return zero, io.EOF
		}
		return msg, nil
	case <-p.done:
		return zero, io.EOF
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *pipeEnd[In, Out]) Send(ctx context.Context, msg Out) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-p.peerDone:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends this side. Messages already buffered remain readable by the peer,
// which then sees io.EOF.
func (p *pipeEnd[In, Out]) Close() error {
	p.once.Do(func() {
		close(p.done) // wakes blocked senders
		p.mu.Lock()
		p.closed = true
		close(p.out)
		p.mu.Unlock()
	})
	return nil
}
