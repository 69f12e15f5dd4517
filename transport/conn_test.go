package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andeya/lrcall/callctx"
	"github.com/andeya/lrcall/channel"
	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/message"
)

// connPair returns a client and server Conn joined by a real TCP connection.
func connPair(t *testing.T, cdc codec.Codec, opts ...Option) (*Conn[*message.Response, *message.Request], channel.Channel[*message.Request, *message.Response]) {
	t.Helper()
	ln, err := Listen[*message.Request, *message.Response]("tcp", "127.0.0.1:0", cdc, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan channel.Channel[*message.Request, *message.Response], 1)
	go func() {
		sc, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			close(accepted)
			return
		}
		accepted <- sc
	}()

	cc, err := Dial[*message.Response, *message.Request](ctx, "tcp", ln.Addr().String(), cdc, opts...)
	if err != nil {
		t.Fatal(err)
	}
	sc := <-accepted
	if sc == nil {
		t.FailNow()
	}
	t.Cleanup(func() { cc.Close(); sc.Close() })
	return cc, sc
}

func TestConnRoundTrip(t *testing.T) {
	for _, cdc := range []codec.Codec{codec.JSON, codec.Binary, codec.Gob} {
		t.Run(cdc.Type().String(), func(t *testing.T) {
			ctx := context.Background()
			client, server := connPair(t, cdc)

			req := &message.Request{
				ID:      1,
				Context: callctx.Default(callctx.Remote),
				Method:  "Arith.Add",
				Payload: []byte(`{"A":1,"B":2}`),
			}
			if err := client.Send(ctx, req); err != nil {
				t.Fatal(err)
			}
			got, err := server.Recv(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != 1 || got.Method != "Arith.Add" || got.Context.Trace != req.Context.Trace {
				t.Fatalf("unexpected request %+v", got)
			}

			if err := server.Send(ctx, &message.Response{ID: 1, Payload: []byte("3")}); err != nil {
				t.Fatal(err)
			}
			resp, err := client.Recv(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if resp.ID != 1 || string(resp.Payload) != "3" {
				t.Fatalf("unexpected response %+v", resp)
			}
		})
	}
}

func TestConnConcurrentSenders(t *testing.T) {
	ctx := context.Background()
	client, server := connPair(t, codec.Binary)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			req := &message.Request{ID: id, Context: callctx.Default(callctx.Remote), Method: "Arith.Add"}
			if err := client.Send(ctx, req); err != nil {
				t.Errorf("send %d: %v", id, err)
			}
		}(uint64(i + 1))
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		req, err := server.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if seen[req.ID] {
			t.Fatalf("duplicate request %d", req.ID)
		}
		seen[req.ID] = true
	}
	wg.Wait()
}

func TestConnHeartbeatIsInvisible(t *testing.T) {
	ctx := context.Background()
	client, server := connPair(t, codec.JSON, WithHeartbeat(10*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	if err := client.Send(ctx, &message.Request{ID: 5, Method: "m"}); err != nil {
		t.Fatal(err)
	}
	got, err := server.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 5 {
		t.Fatalf("expect request 5, got %d", got.ID)
	}
}

func TestConnCloseGivesPeerEOF(t *testing.T) {
	ctx := context.Background()
	client, server := connPair(t, codec.JSON)

	if err := client.Send(ctx, &message.Request{ID: 1, Method: "m"}); err != nil {
		t.Fatal(err)
	}
	client.Close()

	if _, err := server.Recv(ctx); err != nil {
		t.Fatalf("expect the flushed request, got %v", err)
	}
	if _, err := server.Recv(ctx); err != io.EOF {
		t.Fatalf("expect io.EOF, got %v", err)
	}
	if err := client.Send(ctx, &message.Request{ID: 2}); !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	if _, err := client.Recv(ctx); err != io.EOF {
		t.Fatalf("expect io.EOF on a closed conn, got %v", err)
	}
}

func TestConnRecvContext(t *testing.T) {
	_, server := connPair(t, codec.JSON)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := server.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestConnCodecMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c := NewConn[*message.Request, *message.Response](nc, codec.JSON)
		_ = c.Send(context.Background(), &message.Response{ID: 1})
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := NewConn[*message.Response, *message.Request](nc, codec.Binary)
	defer c.Close()

	_, err = c.Recv(context.Background())
	var te *channel.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expect TransportError, got %v", err)
	}
}

func TestListenerAcceptContext(t *testing.T) {
	ln, err := Listen[*message.Request, *message.Response]("tcp", "127.0.0.1:0", codec.JSON)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}

	// The listener is still usable afterwards.
	go net.Dial("tcp", ln.Addr().String())
	sc, err := ln.Accept(context.Background())
	if err != nil {
		t.Fatalf("accept after cancelled accept: %v", err)
	}
	sc.Close()
}
