package remoting

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bolt-rpc/boltrpc/monitor"
	"github.com/bolt-rpc/boltrpc/rpcerr"
)

// InvokeCallback is dispatched on completion by InvokeWithCallback. It runs
// on a goroutine of its own started at completion, never on the I/O
// goroutine; there is no caller-supplied callback executor. A callback set
// after completion runs on the goroutine that calls SetCallback.
type InvokeCallback func(resp *Response, err error)

// InvokeFuture is the completion object for one outstanding request —
// spec §3's InvokeFuture, generalizing the teacher's per-request
// `chan *message.RPCMessage` (BX-D-mini-RPC/transport/client_transport.go)
// into a reusable primitive shared by all four invoke styles named in
// spec §4.8.
//
// A future is completed exactly once, by whichever of {matching response,
// timeout, connection close, caller cancel} gets there first — enforced by
// a compare-and-swap on `completed`, per spec §8 invariant 1 and §9's
// "exactly-once" note.
type InvokeFuture struct {
	id uint32

	completed atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	resp     *Response
	err      error
	callback InvokeCallback

	timer    *time.Timer
	deadline time.Time

	recorder  monitor.Recorder
	startedAt time.Time
}

// newInvokeFuture arms recorder.InvokeStarted() immediately — rec is never
// nil in practice (Connection always fills ConnectionOptions.Recorder with
// monitor.Noop{} by default), but a nil check is kept since this
// constructor is package-private and could gain other call sites.
func newInvokeFuture(id uint32, rec monitor.Recorder) *InvokeFuture {
	if rec == nil {
		rec = monitor.Noop{}
	}
	rec.InvokeStarted()
	return &InvokeFuture{
		id:        id,
		done:      make(chan struct{}),
		recorder:  rec,
		startedAt: time.Now(),
	}
}

// arm schedules the exact per-request timeout named in spec §4.4: "each
// request also has an exact scheduled timeout task armed at send time on
// the I/O scheduler. The per-request timer fires first in normal
// operation." If the timer wins the race against a real response, the
// future is completed with a RemotingException(TIMEOUT).
func (f *InvokeFuture) arm(d time.Duration) {
	f.mu.Lock()
	f.deadline = time.Now().Add(d)
	f.mu.Unlock()
	f.timer = time.AfterFunc(d, func() {
		f.complete(nil, rpcerr.New(rpcerr.Timeout, "invoke future timed out"))
	})
}

// ID returns the requestId this future is keyed by.
func (f *InvokeFuture) ID() uint32 { return f.id }

// complete is the single entry point every completion source funnels
// through. Returns false if the future was already completed — spec §9's
// Open Question, resolved as "ignore silently".
func (f *InvokeFuture) complete(resp *Response, err error) bool {
	if !f.completed.CompareAndSwap(false, true) {
		return false
	}
	if f.timer != nil {
		f.timer.Stop()
	}

	f.mu.Lock()
	f.resp = resp
	f.err = err
	cb := f.callback
	f.mu.Unlock()

	close(f.done)

	f.recorder.InvokeCompleted(completionStatus(resp, err), time.Since(f.startedAt).Seconds())

	if cb != nil {
		go cb(resp, err)
	}
	return true
}

// completionStatus picks the status an InvokeCompleted observation is
// labeled with: the wire status on a real response, or the status carried
// by a local error (timeout, connection closed, ...) when there is none.
func completionStatus(resp *Response, err error) rpcerr.Status {
	if resp != nil {
		return resp.Status
	}
	if err != nil {
		return rpcerr.StatusOf(err)
	}
	return rpcerr.Success
}

// SetCallback arms a callback to run on completion. If the future is
// already completed, the callback runs immediately (on the calling
// goroutine) rather than being lost.
func (f *InvokeFuture) SetCallback(cb InvokeCallback) {
	f.mu.Lock()
	if f.completed.Load() {
		resp, err := f.resp, f.err
		f.mu.Unlock()
		cb(resp, err)
		return
	}
	f.callback = cb
	f.mu.Unlock()
}

// Wait blocks until the future completes or timeout elapses, returning the
// response or a RemotingException. This is the only suspension point named
// in spec §5 besides Startup's bind/connect.
func (f *InvokeFuture) Wait(timeout time.Duration) (*Response, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		resp, err := f.resp, f.err
		f.mu.Unlock()
		return resp, err
	case <-time.After(timeout):
		f.complete(nil, rpcerr.New(rpcerr.Timeout, "invoke future wait timed out"))
		f.mu.Lock()
		resp, err := f.resp, f.err
		f.mu.Unlock()
		return resp, err
	}
}

// Cancel completes the future locally with a TIMEOUT status. There is no
// wire-level cancellation (spec §5) — the in-flight request on the server
// continues running; only the caller stops waiting.
func (f *InvokeFuture) Cancel() bool {
	return f.complete(nil, rpcerr.New(rpcerr.Timeout, "invoke future cancelled"))
}

// invokeTable is the per-Connection pending-request table, spec §4.4's
// invocation registry: add/remove/scan over a concurrent map keyed by
// requestId.
type invokeTable struct {
	pending sync.Map // uint32 -> *InvokeFuture

	mu       sync.Mutex
	unmatched uint64 // counts responses with no matching pending entry (spec §8 invariant 3)
}

func newInvokeTable() *invokeTable {
	return &invokeTable{}
}

// add registers a future. Duplicate ids are a programmer error (spec §4.4):
// in practice unreachable because requestId is a per-connection monotonic
// counter, but we still guard it rather than silently clobber an existing
// pending entry.
func (t *invokeTable) add(f *InvokeFuture) {
	if _, loaded := t.pending.LoadOrStore(f.id, f); loaded {
		panic("remoting: duplicate pending requestId, programmer error")
	}
}

func (t *invokeTable) remove(id uint32) (*InvokeFuture, bool) {
	v, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*InvokeFuture), true
}

// completeResponse routes an arrived response to its pending future.
// Unknown ids are dropped silently with a counter bump — spec §8
// invariant 3: "no crash, no side effect beyond a counter".
func (t *invokeTable) completeResponse(resp *Response) {
	f, ok := t.remove(resp.ID)
	if !ok {
		t.mu.Lock()
		t.unmatched++
		t.mu.Unlock()
		return
	}
	f.complete(resp, resp.Cause)
}

// UnmatchedResponses reports how many responses arrived with no matching
// pending entry, for tests and monitoring.
func (t *invokeTable) UnmatchedResponses() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unmatched
}

// closeAll completes every still-pending future with CONNECTION_CLOSED,
// called when the owning Connection goes inactive (spec §3 Connection
// lifecycle: "drained on close by completing all pendings").
func (t *invokeTable) closeAll(cause error) {
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(*InvokeFuture).complete(nil, rpcerr.Wrap(rpcerr.ConnectionClosed, cause))
		return true
	})
}

// scan is the periodic reaper named in spec §4.4: a safety net for any
// future whose per-request timer somehow never fired (GC stalls, clock
// skew, timer cancellation race). The exact per-request timer armed at
// send time is expected to win in normal operation; scan only catches
// entries still pending well past their own deadline.
func (t *invokeTable) scan(now time.Time) {
	t.pending.Range(func(key, value any) bool {
		f := value.(*InvokeFuture)
		f.mu.Lock()
		deadline := f.deadline
		f.mu.Unlock()
		if !deadline.IsZero() && now.After(deadline) {
			t.pending.Delete(key)
			f.complete(nil, rpcerr.New(rpcerr.Timeout, "invoke future reaped by scan"))
		}
		return true
	})
}

// Len reports the number of still-pending futures.
func (t *invokeTable) Len() int {
	n := 0
	t.pending.Range(func(_, _ any) bool { n++; return true })
	return n
}
