package client

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/bolt-rpc/boltrpc/codec"
	"github.com/bolt-rpc/boltrpc/remoting"
	"github.com/bolt-rpc/boltrpc/server"
)

type addArgs struct{ A, B int }
type addReply struct{ Result int }

type arithProcessor struct{}

func (arithProcessor) Interest() string { return "Arith.Add" }

func (arithProcessor) HandleRequest(ctx context.Context, req *remoting.Request) (any, error) {
	var args addArgs
	if err := codec.MustGet(codec.Type(req.CodecType)).Decode(req.ContentBytes, &args); err != nil {
		return nil, err
	}
	return &addReply{Result: args.A + args.B}, nil
}

func startArithServer(t *testing.T) string {
	t.Helper()
	svr := server.New()
	if err := svr.Register(arithProcessor{}); err != nil {
		t.Fatal(err)
	}
	go svr.Serve("tcp", "127.0.0.1:0")
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	var addr net.Addr
	for i := 0; i < 100; i++ {
		if addr = svr.Addr(); addr != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("server never bound a listener")
	}
	return addr.String()
}

func newStartedClient(t *testing.T) *Client {
	t.Helper()
	c := New()
	if err := c.Startup(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func TestInvokeSyncRoundTrip(t *testing.T) {
	addr := startArithServer(t)
	c := newStartedClient(t)

	var reply addReply
	err := c.InvokeSync(addr, "Arith.Add", &addArgs{A: 1, B: 2}, &reply, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %v", reply.Result)
	}
}

func TestInvokeSyncReusesPooledConnection(t *testing.T) {
	addr := startArithServer(t)
	c := newStartedClient(t)

	for i := 0; i < 20; i++ {
		var reply addReply
		if err := c.InvokeSync(addr, "Arith.Add", &addArgs{A: i, B: i}, &reply, time.Second); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if reply.Result != i*2 {
			t.Fatalf("call %d: expect %d, got %d", i, i*2, reply.Result)
		}
	}
}

func TestInvokeSyncUnknownClassReturnsError(t *testing.T) {
	addr := startArithServer(t)
	c := newStartedClient(t)

	var reply addReply
	err := c.InvokeSync(addr, "NoSuchClass", &addArgs{A: 1, B: 1}, &reply, time.Second)
	if err == nil {
		t.Fatal("expected an error for an unregistered class")
	}
}

func TestOnewayDoesNotWaitForReply(t *testing.T) {
	addr := startArithServer(t)
	c := newStartedClient(t)

	if err := c.Oneway(addr, "Arith.Add", &addArgs{A: 1, B: 1}); err != nil {
		t.Fatal(err)
	}
}

func TestInvokeWithCallbackDeliversResponse(t *testing.T) {
	addr := startArithServer(t)
	c := newStartedClient(t)

	done := make(chan *remoting.Response, 1)
	err := c.InvokeWithCallback(addr, "Arith.Add", &addArgs{A: 4, B: 5}, time.Second,
		func(resp *remoting.Response, err error) {
			if err != nil {
				t.Error(err)
				return
			}
			done <- resp
		})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-done:
		var reply addReply
		if err := codec.MustGet(codec.Type(resp.CodecType)).Decode(resp.ContentBytes, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Result != 9 {
			t.Fatalf("expect 9, got %v", reply.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestInvokeWithFutureWait(t *testing.T) {
	addr := startArithServer(t)
	c := newStartedClient(t)

	fut, err := c.InvokeWithFuture(addr, "Arith.Add", &addArgs{A: 7, B: 8}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := fut.Wait(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var reply addReply
	if err := codec.MustGet(codec.Type(resp.CodecType)).Decode(resp.ContentBytes, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 15 {
		t.Fatalf("expect 15, got %v", reply.Result)
	}
}

func TestStartupTwiceFails(t *testing.T) {
	c := New()
	if err := c.Startup(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	if err := c.Startup(); err == nil {
		t.Fatal("expected error on second Startup")
	}
}

func TestShutdownWithoutStartupFails(t *testing.T) {
	c := New()
	if err := c.Shutdown(); err == nil {
		t.Fatal("expected error shutting down a client that was never started")
	}
}

func TestConcurrentInvokesAgainstOneServer(t *testing.T) {
	addr := startArithServer(t)
	c := newStartedClient(t)

	const n = 25
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			var reply addReply
			err := c.InvokeSync(addr, "Arith.Add", &addArgs{A: i, B: 1}, &reply, time.Second)
			if err == nil && reply.Result != i+1 {
				err = fmt.Errorf("call %d: expect %d, got %d", i, i+1, reply.Result)
			}
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Error(err)
		}
	}
}
