package reconnect

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/bolt-rpc/boltrpc/remoting"
	"github.com/bolt-rpc/boltrpc/rpcurl"
)

func parseURL(t *testing.T, addr string) *rpcurl.URL {
	t.Helper()
	u, err := rpcurl.Parse(addr)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestTriggerRetriesUntilDialSucceeds(t *testing.T) {
	var attempts atomic.Int32
	var succeeded atomic.Bool

	dial := func(url *rpcurl.URL) (*remoting.Connection, error) {
		n := attempts.Add(1)
		if n < 3 {
			return nil, errTransient
		}
		succeeded.Store(true)
		return nil, nil
	}

	r := New(dial)
	u := parseURL(t, "127.0.0.1:9")
	r.Trigger(u)

	deadline := time.After(5 * time.Second) // three attempts 1s apart take just over 2s
	for !succeeded.Load() {
		select {
		case <-deadline:
			t.Fatalf("reconnector never succeeded after %d attempts", attempts.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if attempts.Load() < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts.Load())
	}
}

func TestTriggerIsNoOpWhileAlreadyRunning(t *testing.T) {
	var starts atomic.Int32
	block := make(chan struct{})

	dial := func(url *rpcurl.URL) (*remoting.Connection, error) {
		starts.Add(1)
		<-block
		return nil, nil
	}

	r := New(dial)
	u := parseURL(t, "127.0.0.1:9")
	r.Trigger(u)
	r.Trigger(u)
	r.Trigger(u)

	time.Sleep(20 * time.Millisecond)
	close(block)
	time.Sleep(20 * time.Millisecond)

	if n := starts.Load(); n != 1 {
		t.Fatalf("expected exactly one in-flight dial loop, got %d", n)
	}
}

func TestDisableStopsRetrying(t *testing.T) {
	var attempts atomic.Int32
	dial := func(url *rpcurl.URL) (*remoting.Connection, error) {
		attempts.Add(1)
		return nil, errTransient
	}

	r := New(dial)
	u := parseURL(t, "127.0.0.1:9")
	r.Trigger(u)
	time.Sleep(20 * time.Millisecond)
	r.Disable(u.UniqueKey())

	seenAfterDisable := attempts.Load()
	time.Sleep(50 * time.Millisecond)
	if attempts.Load() > seenAfterDisable+1 {
		t.Fatalf("expected attempts to stop after Disable, before=%d after=%d", seenAfterDisable, attempts.Load())
	}

	r.Trigger(u)
	time.Sleep(20 * time.Millisecond)
	if attempts.Load() > seenAfterDisable+1 {
		t.Fatalf("expected Trigger to stay a no-op while disabled")
	}
}

type transientError struct{}

func (transientError) Error() string { return "transient dial failure" }

var errTransient = transientError{}
