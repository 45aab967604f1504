package remoting

import (
	"context"
	"time"

	"github.com/bolt-rpc/boltrpc/rpclog"
	"go.uber.org/zap"
)

// HeartbeatConfig controls the idle-detection subsystem named in spec
// §4.6. Client and server behave asymmetrically: a client actively probes
// and counts misses, a server only watches for silence and closes.
type HeartbeatConfig struct {
	Interval time.Duration
	MaxMiss  int32
	Timeout  time.Duration
}

// DefaultClientHeartbeat matches rpcconfig.ClientDefault's heartbeat
// values (15s interval, 3 misses).
func DefaultClientHeartbeat() HeartbeatConfig {
	return HeartbeatConfig{Interval: 15 * time.Second, MaxMiss: 3, Timeout: time.Second}
}

// ClientHeartbeatLoop runs until ctx is cancelled or the connection
// closes. Every Interval it sends a heartbeat probe (spec §4.6: "a request
// frame with cmdCode=HEARTBEAT and no className") and waits up to
// cfg.Timeout for the ack. A response resets heartbeatMissed to zero; a
// timeout or send failure increments it. Once heartbeatMissed reaches
// cfg.MaxMiss the connection is closed.
//
// The probe itself reuses Connection.Send/InvokeFuture exactly like any
// other request (spec §4.6: "heartbeat reuses the same send/future
// machinery"), just with a fixed empty className.
func ClientHeartbeatLoop(ctx context.Context, conn *Connection, cfg HeartbeatConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultClientHeartbeat().Interval
	}
	if cfg.MaxMiss <= 0 {
		cfg.MaxMiss = DefaultClientHeartbeat().MaxMiss
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	log := rpclog.L()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !conn.IsActive() {
				return
			}
			if !conn.heartbeatEnabled() {
				continue
			}
			sendHeartbeatProbe(conn, cfg, log)
		}
	}
}

func sendHeartbeatProbe(conn *Connection, cfg HeartbeatConfig, log *zap.Logger) {
	req := &Request{Type: TypeRequest, ClassName: heartbeatClassName}
	fut, err := conn.Send(req, cfg.Timeout)
	if err != nil {
		recordHeartbeatMiss(conn, cfg, log, err)
		return
	}

	_, waitErr := fut.Wait(cfg.Timeout)
	if waitErr != nil {
		recordHeartbeatMiss(conn, cfg, log, waitErr)
		return
	}
	conn.heartbeatMissed.Store(0)
}

func recordHeartbeatMiss(conn *Connection, cfg HeartbeatConfig, log *zap.Logger, cause error) {
	missed := conn.heartbeatMissed.Add(1)
	conn.recorder.HeartbeatMissed()
	log.Debug("heartbeat missed",
		zap.String("remote", conn.safeRemoteAddr()),
		zap.Int32("missed", missed),
		zap.Int32("max_miss", cfg.MaxMiss),
		zap.Error(cause))
	if missed >= cfg.MaxMiss {
		conn.Close(cause)
	}
}

// ServerIdleTimeout implements the server side of spec §4.6: no active
// probing, just close the connection once lastReadNano has been silent
// longer than timeout. Intended to run on a periodic scanner (the
// Manager's background sweep) rather than its own goroutine per
// connection.
func ServerIdleTimeout(conn *Connection, timeout time.Duration, now time.Time) bool {
	if timeout <= 0 || !conn.IsActive() {
		return false
	}
	last := time.Unix(0, conn.lastReadNano.Load())
	if now.Sub(last) > timeout {
		conn.Close(errDeadlineExceeded)
		return true
	}
	return false
}

var errDeadlineExceeded = &idleTimeoutError{}

type idleTimeoutError struct{}

func (*idleTimeoutError) Error() string { return "remoting: connection idle timeout exceeded" }
