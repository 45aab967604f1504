package remoting

import (
	"context"
	"fmt"
	"sync"
)

// UserProcessor is the synchronous user-level handler surface named in
// spec §6: bound to one or more class names, invoked with the decoded
// request content, returning a reply or an error.
//
// Generalizes the teacher's reflection-based service dispatch
// (BX-D-mini-RPC/server/service.go, server/server.go's businessHandler) —
// which parsed "Service.Method" strings and called through reflect.Value —
// into the class-name-keyed processor registration spec §4.5 and §6
// describe, where className (not a method string) selects the handler and
// deserialization target.
type UserProcessor interface {
	// Interest returns the single class name this processor handles, or ""
	// if it instead implements MultiInterest.
	Interest() string

	// HandleRequest deserializes req.ContentBytes (via the codec named by
	// req's codec byte) into the processor's expected argument type,
	// invokes business logic, and returns a reply object to be serialized
	// back with the same codec. Returning a non-nil error produces a
	// SERVER_EXCEPTION response (spec §7) unless the error carries its own
	// status via rpcerr.RemotingException.
	HandleRequest(ctx context.Context, req *Request) (any, error)
}

// MultiInterestProcessor is implemented by processors bound to more than
// one class name (spec §6's `multiInterest()`).
type MultiInterestProcessor interface {
	UserProcessor
	MultiInterest() []string
}

// ExecutorAware lets a processor declare its own executor (spec §6: "Each
// processor may declare its own executor").
type ExecutorAware interface {
	Executor() Executor
}

// AsyncContext is passed to AsyncUserProcessor.HandleRequestAsync; calling
// SendResponse later (from any goroutine) completes the request. Spec §6:
// "asyncCtx.sendResponse(resp|exception) is invoked later".
type AsyncContext struct {
	conn *Connection
	req  *Request
	once sync.Once
}

// SendResponse serializes reply (or err) into a response frame and writes
// it. Only the first call has effect.
func (a *AsyncContext) SendResponse(reply any, err error) {
	a.once.Do(func() {
		writeProcessorResult(a.conn, a.req, reply, err)
	})
}

// AsyncUserProcessor is the asynchronous user-level handler surface named
// in spec §6: the handler returns immediately and completes the request
// later via AsyncContext.
type AsyncUserProcessor interface {
	Interest() string
	HandleRequestAsync(ctx context.Context, req *Request, asyncCtx *AsyncContext)
}

// ProcessorRegistry is the server-side `userProcessors` map (spec §5):
// concurrent, write on registration, read on dispatch, duplicate class-name
// registration rejected at startup.
type ProcessorRegistry struct {
	mu         sync.RWMutex
	processors map[string]any // UserProcessor or AsyncUserProcessor
	defaultP   any
}

// NewProcessorRegistry creates an empty registry.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{processors: make(map[string]any)}
}

// Register binds a processor to its class name(s). Returns an error if any
// class name is already registered — spec §5: "duplicate class-name
// registration is rejected with a startup error."
func (r *ProcessorRegistry) Register(p any) error {
	names, err := interestsOf(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, exists := r.processors[name]; exists {
			return fmt.Errorf("remoting: duplicate UserProcessor registration for class %q", name)
		}
	}
	for _, name := range names {
		r.processors[name] = p
	}
	return nil
}

// RegisterDefault sets the fallback processor used when no className
// matches (spec §4.5 step 1's "no default exists" branch).
func (r *ProcessorRegistry) RegisterDefault(p any) {
	r.mu.Lock()
	r.defaultP = p
	r.mu.Unlock()
}

func interestsOf(p any) ([]string, error) {
	switch v := p.(type) {
	case MultiInterestProcessor:
		names := v.MultiInterest()
		if len(names) == 0 {
			return nil, fmt.Errorf("remoting: MultiInterestProcessor returned no class names")
		}
		return names, nil
	case UserProcessor:
		if v.Interest() == "" {
			return nil, fmt.Errorf("remoting: UserProcessor.Interest() must not be empty")
		}
		return []string{v.Interest()}, nil
	case AsyncUserProcessor:
		if v.Interest() == "" {
			return nil, fmt.Errorf("remoting: AsyncUserProcessor.Interest() must not be empty")
		}
		return []string{v.Interest()}, nil
	default:
		return nil, fmt.Errorf("remoting: %T does not implement UserProcessor or AsyncUserProcessor", p)
	}
}

// lookup resolves a className to its bound processor, falling back to the
// registry default, per spec §4.5 step 1.
func (r *ProcessorRegistry) lookup(className string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.processors[className]; ok {
		return p, true
	}
	if r.defaultP != nil {
		return r.defaultP, true
	}
	return nil, false
}
