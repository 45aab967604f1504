package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/bolt-rpc/boltrpc/remoting"
	"github.com/bolt-rpc/boltrpc/rpcerr"
)

func echoHandler(delay time.Duration, err error) remoting.ProcessorHandlerFunc {
	return func(ctx context.Context, req *remoting.Request) (any, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err != nil {
			return nil, err
		}
		return "ok", nil
	}
}

func TestLoggingPassesThroughResultAndError(t *testing.T) {
	chain := Logging()(echoHandler(0, nil))
	reply, err := chain(context.Background(), &remoting.Request{ClassName: "X"})
	if err != nil || reply != "ok" {
		t.Fatalf("expected passthrough ok/nil, got %v/%v", reply, err)
	}

	wantErr := rpcerr.New(rpcerr.ServerException, "boom")
	chain = Logging()(echoHandler(0, wantErr))
	_, err = chain(context.Background(), &remoting.Request{ClassName: "X"})
	if err != wantErr {
		t.Fatalf("expected the underlying error to pass through unchanged, got %v", err)
	}
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	chain := RateLimit(1, 1)(echoHandler(0, nil))
	req := &remoting.Request{ClassName: "X"}

	if _, err := chain(context.Background(), req); err != nil {
		t.Fatalf("first call within burst should pass: %v", err)
	}
	_, err := chain(context.Background(), req)
	if rpcerr.StatusOf(err) != rpcerr.ServerThreadpoolBusy {
		t.Fatalf("expected ServerThreadpoolBusy, got %v", err)
	}
}

func TestTimeoutExpiresSlowHandler(t *testing.T) {
	chain := Timeout(10 * time.Millisecond)(echoHandler(50*time.Millisecond, nil))
	_, err := chain(context.Background(), &remoting.Request{ClassName: "X"})
	if rpcerr.StatusOf(err) != rpcerr.Timeout {
		t.Fatalf("expected Timeout status, got %v", err)
	}
}

func TestTimeoutAllowsFastHandler(t *testing.T) {
	chain := Timeout(50 * time.Millisecond)(echoHandler(0, nil))
	reply, err := chain(context.Background(), &remoting.Request{ClassName: "X"})
	if err != nil || reply != "ok" {
		t.Fatalf("expected passthrough ok/nil, got %v/%v", reply, err)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, req *remoting.Request) (any, error) {
		calls++
		if calls < 2 {
			return nil, rpcerr.New(rpcerr.Timeout, "transient")
		}
		return "ok", nil
	}
	chain := Retry(3, time.Millisecond)(h)
	reply, err := chain(context.Background(), &remoting.Request{ClassName: "X"})
	if err != nil || reply != "ok" {
		t.Fatalf("expected eventual success, got %v/%v", reply, err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestRetryGivesUpAfterMaxAndNonRetryableNeverRetries(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, req *remoting.Request) (any, error) {
		calls++
		return nil, rpcerr.New(rpcerr.Timeout, "always fails")
	}
	chain := Retry(2, time.Millisecond)(h)
	_, err := chain(context.Background(), &remoting.Request{ClassName: "X"})
	if rpcerr.StatusOf(err) != rpcerr.Timeout {
		t.Fatalf("expected Timeout status after exhausting retries, got %v", err)
	}
	if calls != 3 { // initial attempt + 2 retries
		t.Fatalf("expected 3 total attempts, got %d", calls)
	}

	calls = 0
	nonRetryable := func(ctx context.Context, req *remoting.Request) (any, error) {
		calls++
		return nil, rpcerr.New(rpcerr.ServerException, "not retryable")
	}
	chain = Retry(3, time.Millisecond)(nonRetryable)
	chain(context.Background(), &remoting.Request{ClassName: "X"})
	if calls != 1 {
		t.Fatalf("expected a non-retryable error to attempt exactly once, got %d", calls)
	}
}

func TestInterceptorChainOnionOrder(t *testing.T) {
	var order []string
	mark := func(name string) remoting.Interceptor {
		return func(next remoting.ProcessorHandlerFunc) remoting.ProcessorHandlerFunc {
			return func(ctx context.Context, req *remoting.Request) (any, error) {
				order = append(order, name+":before")
				reply, err := next(ctx, req)
				order = append(order, name+":after")
				return reply, err
			}
		}
	}

	base := echoHandler(0, nil)
	chained := mark("A")(mark("B")(base))
	if _, err := chained(context.Background(), &remoting.Request{}); err != nil {
		t.Fatal(err)
	}

	want := []string{"A:before", "B:before", "B:after", "A:after"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}
