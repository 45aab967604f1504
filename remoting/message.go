// Package remoting is the hard part: the per-connection I/O pipeline,
// request/response correlation, the server-side dispatch and execution
// model, and the connection manager. client and server are thin facades
// over this package's primitives (spec §4.8's "single underlying
// asynchronous primitive").
package remoting

import (
	"time"

	"github.com/bolt-rpc/boltrpc/rpcerr"
)

// Status re-exports rpcerr.Status so callers rarely need to import rpcerr
// directly for the common case of reading a response's status.
type Status = rpcerr.Status

// CommandType mirrors protocol.CommandType at the API level so callers of
// this package never need to import protocol directly.
type CommandType byte

const (
	TypeResponse CommandType = 0
	TypeRequest  CommandType = 1
	TypeOneway   CommandType = 2
)

// Request is the immutable-once-queued unit sent by a caller: { id, type,
// codec, timeoutMillis, className, headerBytes, contentBytes, arriveTime }.
// It has no command-code field; Connection.Send derives the command code
// (heartbeat for the heartbeat sentinel className, RPC request otherwise).
type Request struct {
	ID            uint32
	Type          CommandType
	CodecType     byte
	TimeoutMillis uint32
	ClassName     string
	HeaderBytes   []byte
	ContentBytes  []byte
	ArriveTime    time.Time
}

// Response is exactly spec §3's Response: { id, status, codec, className,
// contentBytes, cause? }.
type Response struct {
	ID           uint32
	Status       Status
	CodecType    byte
	ClassName    string
	ContentBytes []byte
	Cause        error
}
