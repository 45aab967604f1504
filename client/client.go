// Package client implements the user-facing RPC client: connection
// lifecycle, address resolution, and the four invoke styles named in
// spec §4.8 (oneway, sync, future, callback), all funneled through one
// underlying primitive, remoting.Connection.Send.
//
// Call flow for InvokeSync, the others differ only after step 4:
//
//	InvokeSync(addr, "Arith.Add", args, &reply, timeout)
//	  → resolve(addr)                  → get-or-create a pooled Connection
//	  → codec.Encode(args)             → serialize into ContentBytes
//	  → conn.Send(req, timeout)        → write frame, register InvokeFuture
//	  → future.Wait(timeout)           → block for the matching response
//	  → codec.Decode(resp, &reply)     → done
package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bolt-rpc/boltrpc/codec"
	"github.com/bolt-rpc/boltrpc/monitor"
	"github.com/bolt-rpc/boltrpc/remoting"
	"github.com/bolt-rpc/boltrpc/rpcconfig"
	"github.com/bolt-rpc/boltrpc/rpcerr"
	"github.com/bolt-rpc/boltrpc/rpclog"
	"github.com/bolt-rpc/boltrpc/rpcurl"
	"go.uber.org/zap"
)

// Client is the user-facing facade over remoting.Manager. One Client is
// meant to be shared process-wide: it owns a connection pool per address,
// not one connection per call.
type Client struct {
	mgr          *remoting.Manager
	codecType    codec.Type
	heartbeatCfg remoting.HeartbeatConfig

	started atomic.Bool

	log *zap.Logger
}

// Option configures a Client at construction time.
type Option func(*options)

type options struct {
	connOpts     remoting.ConnectionOptions
	selector     remoting.ConnectionSelectStrategy
	codecType    codec.Type
	heartbeatCfg remoting.HeartbeatConfig
}

// WithCodec selects the default serialization format for outgoing
// requests. Defaults to codec.TypeJSON.
func WithCodec(t codec.Type) Option {
	return func(o *options) { o.codecType = t }
}

// WithSelector overrides the connection-selection strategy used to pick
// among a pool's connections (spec §4.7). Defaults to remoting.RandomSelector.
func WithSelector(s remoting.ConnectionSelectStrategy) Option {
	return func(o *options) { o.selector = s }
}

// WithConnectionOptions overrides the watermark/CRC template applied to
// every dialed connection.
func WithConnectionOptions(connOpts remoting.ConnectionOptions) Option {
	return func(o *options) { o.connOpts = connOpts }
}

// WithHeartbeat overrides the client heartbeat cadence (spec §4.6).
// Defaults to rpcconfig.ClientDefault's values.
func WithHeartbeat(cfg remoting.HeartbeatConfig) Option {
	return func(o *options) { o.heartbeatCfg = cfg }
}

// WithRecorder wires a monitor.Recorder into every connection this client
// dials, reporting invoke and connection lifecycle signals (spec §4.11).
// Defaults to monitor.Noop{}.
func WithRecorder(rec monitor.Recorder) Option {
	return func(o *options) { o.connOpts.Recorder = rec }
}

// New builds a Client. Startup must be called before any invoke.
func New(opts ...Option) *Client {
	cfg := rpcconfig.FromEnv(rpcconfig.ClientDefault())
	o := &options{
		codecType: codec.TypeJSON,
		heartbeatCfg: remoting.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			MaxMiss:  int32(cfg.HeartbeatMaxMiss),
			Timeout:  time.Second,
		},
		connOpts: remoting.ConnectionOptions{
			LowWatermark:  int64(cfg.LowWatermark),
			HighWatermark: int64(cfg.HighWatermark),
			CRCEnabled:    cfg.CRCCheck,
		},
	}
	for _, apply := range opts {
		apply(o)
	}

	c := &Client{
		mgr:          remoting.NewManager(o.connOpts, o.selector),
		codecType:    o.codecType,
		heartbeatCfg: o.heartbeatCfg,
		log:          rpclog.L(),
	}
	return c
}

// Startup starts the connection manager's background scanner. Calling it
// twice returns a LIFECYCLE-equivalent error (rpcerr.Error) rather than
// silently restarting.
func (c *Client) Startup() error {
	if !c.started.CompareAndSwap(false, true) {
		return rpcerr.New(rpcerr.Error, "client already started")
	}
	c.mgr.StartScanner(10*time.Second, 0)
	return nil
}

// Shutdown stops the manager's background scanner. Safe to call once
// after Startup.
func (c *Client) Shutdown() error {
	if !c.started.Load() {
		return rpcerr.New(rpcerr.Error, "client was never started")
	}
	c.mgr.Stop()
	return nil
}

// Address is anything resolve accepts: a "ip:port[?opts]" string, an
// already-parsed *rpcurl.URL, or a caller-held *remoting.Connection used
// directly (bypassing the pool — for tests and for callers that already
// did their own handshake).
type Address = any

func (c *Client) resolve(addr Address) (*remoting.Connection, error) {
	switch v := addr.(type) {
	case *remoting.Connection:
		return v, nil
	case *rpcurl.URL:
		conn, err := c.mgr.GetAndCreateIfAbsent(v)
		if err != nil {
			return nil, err
		}
		c.armHeartbeat(conn)
		return conn, nil
	case string:
		u, err := rpcurl.Parse(v)
		if err != nil {
			return nil, err
		}
		return c.resolve(u)
	default:
		return nil, fmt.Errorf("client: unsupported address type %T", addr)
	}
}

func (c *Client) armHeartbeat(conn *remoting.Connection) {
	// Best-effort: only arm once per connection. Connection has no "already
	// armed" flag of its own, so this relies on callers resolving through
	// the manager (which hands back the same *Connection on repeat calls)
	// rather than re-wrapping a raw net.Conn each time.
	if _, already := conn.GetAttr("client.heartbeat.armed"); already {
		return
	}
	conn.SetAttr("client.heartbeat.armed", true)
	go remoting.ClientHeartbeatLoop(context.Background(), conn, c.heartbeatCfg)
}

func buildRequest(codecType codec.Type, reqType remoting.CommandType, className string, args any) (*remoting.Request, error) {
	var content []byte
	if args != nil {
		enc, err := codec.MustGet(codecType).Encode(args)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodecException, err)
		}
		content = enc
	}
	return &remoting.Request{
		Type:         reqType,
		CodecType:    byte(codecType),
		ClassName:    className,
		ContentBytes: content,
	}, nil
}

// Oneway implements spec §4.8's fire-and-forget style: the frame is
// written but no InvokeFuture is registered, and the call returns as soon
// as the write completes.
func (c *Client) Oneway(addr Address, className string, args any) error {
	conn, err := c.resolve(addr)
	if err != nil {
		return err
	}
	req, err := buildRequest(c.codecType, remoting.TypeOneway, className, args)
	if err != nil {
		return err
	}
	_, err = conn.Send(req, 0)
	return err
}

// InvokeSync sends a request and blocks until the response arrives or
// timeout elapses, decoding the reply into the object reply points to.
func (c *Client) InvokeSync(addr Address, className string, args any, reply any, timeout time.Duration) error {
	fut, err := c.InvokeWithFuture(addr, className, args, timeout)
	if err != nil {
		return err
	}
	resp, err := fut.Wait(timeout)
	if err != nil {
		return err
	}
	return decodeResponse(resp, reply)
}

// InvokeWithFuture sends a request and returns immediately with the
// InvokeFuture the caller can Wait on or attach a callback to later.
func (c *Client) InvokeWithFuture(addr Address, className string, args any, timeout time.Duration) (*remoting.InvokeFuture, error) {
	conn, err := c.resolve(addr)
	if err != nil {
		return nil, err
	}
	req, err := buildRequest(c.codecType, remoting.TypeRequest, className, args)
	if err != nil {
		return nil, err
	}
	return conn.Send(req, timeout)
}

// InvokeWithCallback sends a request and invokes cb asynchronously on
// completion. cb receives the raw *remoting.Response (or the error), not a
// decoded reply — callers that want a concrete type decode
// resp.ContentBytes with the codec named by resp.CodecType themselves.
func (c *Client) InvokeWithCallback(addr Address, className string, args any, timeout time.Duration, cb remoting.InvokeCallback) error {
	conn, err := c.resolve(addr)
	if err != nil {
		return err
	}
	req, err := buildRequest(c.codecType, remoting.TypeRequest, className, args)
	if err != nil {
		return err
	}
	fut, err := conn.Send(req, timeout)
	if err != nil {
		return err
	}
	fut.SetCallback(cb)
	return nil
}

func decodeResponse(resp *remoting.Response, reply any) error {
	if resp.Status != rpcerr.Success {
		return rpcerr.Wrap(resp.Status, resp.Cause)
	}
	if reply == nil || len(resp.ContentBytes) == 0 {
		return nil
	}
	c, ok := codec.Get(codec.Type(resp.CodecType))
	if !ok {
		return rpcerr.New(rpcerr.CodecException, "client: unknown response codec type")
	}
	return c.Decode(resp.ContentBytes, reply)
}
