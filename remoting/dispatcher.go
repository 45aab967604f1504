package remoting

import (
	"context"
	"sync"
	"time"

	"github.com/bolt-rpc/boltrpc/codec"
	"github.com/bolt-rpc/boltrpc/protocol"
	"github.com/bolt-rpc/boltrpc/rpcerr"
	"github.com/bolt-rpc/boltrpc/rpclog"
	"go.uber.org/zap"
)

// ProcessorHandlerFunc is the shape every UserProcessor.HandleRequest call
// is funneled through, letting an Interceptor wrap it.
type ProcessorHandlerFunc func(ctx context.Context, req *Request) (any, error)

// Interceptor wraps a ProcessorHandlerFunc, the onion-model chain named in
// interceptor's package doc. Applied only around synchronous
// UserProcessor execution — never the inline heartbeat path (spec §4.5:
// "must not require user-processor dispatch") and never AsyncUserProcessor,
// whose completion happens outside the executor's call stack.
type Interceptor func(next ProcessorHandlerFunc) ProcessorHandlerFunc

// Dispatcher is the server-side inbound pipeline named in spec §4.5:
// decode -> route by className -> select executor -> invoke user processor
// -> send response.
//
// Generalizes the teacher's Server.handleRequest
// (BX-D-mini-RPC/server/server.go), which looked up services by reflection
// on a "Service.Method" string, into className-keyed UserProcessor
// dispatch with a real executor-selection fallback chain instead of a bare
// `go handleRequest(...)`.
type Dispatcher struct {
	registry  *ProcessorRegistry
	executors *ExecutorSelector

	mu    sync.RWMutex
	chain []Interceptor

	log *zap.Logger
}

// NewDispatcher builds a Dispatcher over the given processor registry and
// executor-selection policy.
func NewDispatcher(registry *ProcessorRegistry, executors *ExecutorSelector) *Dispatcher {
	return &Dispatcher{registry: registry, executors: executors, log: rpclog.L()}
}

// Use appends an interceptor to the chain, applied in registration order
// (first registered is outermost), matching the teacher's middleware.Chain
// onion model (BX-D-mini-RPC/middleware/middleware.go).
func (d *Dispatcher) Use(i Interceptor) {
	d.mu.Lock()
	d.chain = append(d.chain, i)
	d.mu.Unlock()
}

func (d *Dispatcher) chainSnapshot() []Interceptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Interceptor(nil), d.chain...)
}

// handle is invoked by Connection.readLoop for every decoded RPC
// request/oneway frame (heartbeats never reach here, per spec §4.5).
func (d *Dispatcher) handle(conn *Connection, frame *protocol.Frame) {
	req := &Request{
		ID:            frame.RequestID,
		Type:          fromProtocolType(frame.Type),
		CodecType:     frame.CodecType,
		TimeoutMillis: frame.Timeout,
		ClassName:     frame.ClassName,
		HeaderBytes:   frame.Header,
		ContentBytes:  frame.Content,
		ArriveTime:    time.Now(),
	}

	proc, ok := d.registry.lookup(req.ClassName)
	if !ok {
		d.respondUnlessOneway(conn, req, &Response{ID: req.ID, Status: rpcerr.NoProcessor})
		return
	}

	executor := d.executors.Select(req.ClassName, proc)
	submitErr := executor.Submit(func() { d.execute(conn, req, proc) })
	if submitErr != nil {
		d.respondUnlessOneway(conn, req, &Response{ID: req.ID, Status: rpcerr.ServerThreadpoolBusy})
	}
}

func (d *Dispatcher) respondUnlessOneway(conn *Connection, req *Request, resp *Response) {
	if req.Type == TypeOneway {
		return
	}
	if err := conn.respond(resp); err != nil {
		d.log.Warn("failed to write response", zap.Error(err))
	}
}

// execute runs on the selected Executor: deserialize happens inside the
// processor (it receives raw ContentBytes plus its codec byte so it can
// decide its own argument type), invoke, serialize, respond. Exceptions
// become responses with the mapped status (spec §7).
func (d *Dispatcher) execute(conn *Connection, req *Request, proc any) {
	defer func() {
		if r := recover(); r != nil {
			d.respondUnlessOneway(conn, req, &Response{
				ID:     req.ID,
				Status: rpcerr.ServerException,
			})
		}
	}()

	switch p := proc.(type) {
	case AsyncUserProcessor:
		p.HandleRequestAsync(context.Background(), req, &AsyncContext{conn: conn, req: req})
		return
	case UserProcessor:
		handler := ProcessorHandlerFunc(p.HandleRequest)
		chain := d.chainSnapshot()
		for i := len(chain) - 1; i >= 0; i-- {
			handler = chain[i](handler)
		}
		reply, err := handler(context.Background(), req)
		if req.Type == TypeOneway {
			if err != nil {
				d.log.Warn("oneway processor returned error", zap.String("class", req.ClassName), zap.Error(err))
			}
			return
		}
		writeProcessorResult(conn, req, reply, err)
	}
}

// writeProcessorResult serializes reply with req's codec and writes a
// response frame, mapping errors to wire statuses per spec §7.
func writeProcessorResult(conn *Connection, req *Request, reply any, procErr error) {
	if procErr != nil {
		status := rpcerr.StatusOf(procErr)
		if status == rpcerr.Unknown {
			status = rpcerr.ServerException
		}
		_ = conn.respond(&Response{ID: req.ID, Status: status, Cause: procErr})
		return
	}

	c, ok := codec.Get(codec.Type(req.CodecType))
	if !ok {
		_ = conn.respond(&Response{ID: req.ID, Status: rpcerr.ServerDeserialException})
		return
	}
	content, err := c.Encode(reply)
	if err != nil {
		_ = conn.respond(&Response{ID: req.ID, Status: rpcerr.ServerSerialException})
		return
	}
	_ = conn.respond(&Response{
		ID:           req.ID,
		Status:       rpcerr.Success,
		CodecType:    req.CodecType,
		ClassName:    req.ClassName,
		ContentBytes: content,
	})
}

func fromProtocolType(t protocol.CommandType) CommandType {
	switch t {
	case protocol.TypeResponse:
		return TypeResponse
	case protocol.TypeOneway:
		return TypeOneway
	default:
		return TypeRequest
	}
}

// ProtocolManager is the process-wide registry spec §9 describes: "a
// static table keyed by protocol code; forbid mutation after first use, or
// guard with a one-shot lock." Consulted when a Connection has no
// dispatcher of its own wired in directly (the common case is still
// explicit wiring via ConnectionOptions.Dispatcher; ProtocolManager exists
// for hosts that multiplex several protocols on one listener).
type ProtocolManager struct {
	mu       sync.Mutex
	handlers map[byte]*Dispatcher
	locked   bool
}

// DefaultProtocolManager is the process-wide instance.
var DefaultProtocolManager = &ProtocolManager{handlers: make(map[byte]*Dispatcher)}

// Register binds a Dispatcher to a protocol code. Returns an error once
// the manager has been locked (spec §9: "forbid mutation after first use").
func (m *ProtocolManager) Register(protocolCode byte, d *Dispatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return rpcerr.New(rpcerr.Error, "protocol manager is locked after first use")
	}
	m.handlers[protocolCode] = d
	return nil
}

// Lock freezes the registry; called automatically on first Get.
func (m *ProtocolManager) Lock() {
	m.mu.Lock()
	m.locked = true
	m.mu.Unlock()
}

// Get resolves the Dispatcher for a protocol code and locks the registry
// against further mutation (first-use guard).
func (m *ProtocolManager) Get(protocolCode byte) (*Dispatcher, bool) {
	m.mu.Lock()
	m.locked = true
	d, ok := m.handlers[protocolCode]
	m.mu.Unlock()
	return d, ok
}
