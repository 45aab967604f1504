// Package interceptor provides cross-cutting wrappers around
// remoting.ProcessorHandlerFunc: logging, rate limiting, retry, and timeout.
// Each one is a remoting.Interceptor, composed via Dispatcher.Use in the
// onion model the teacher's middleware package established.
//
// Onion model execution order, unchanged from the teacher:
//
//	dispatcher.Use(A); dispatcher.Use(B); dispatcher.Use(C)
//	  → A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Generalizes the teacher's middleware package
// (BX-D-mini-RPC/middleware/*.go), which wrapped a
// `func(ctx, *message.RPCMessage) *message.RPCMessage` handler over one
// flat service-method namespace, into wrappers over
// remoting.ProcessorHandlerFunc so they apply to any UserProcessor
// regardless of className.
package interceptor

import (
	"context"
	"time"

	"github.com/bolt-rpc/boltrpc/remoting"
	"github.com/bolt-rpc/boltrpc/rpcerr"
	"github.com/bolt-rpc/boltrpc/rpclog"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Logging records the request's class name, elapsed time, and any error,
// matching the teacher's LoggingMiddleware
// (BX-D-mini-RPC/middleware/logging_middleware.go) but through zap
// instead of the standard log package, per this module's ambient stack.
func Logging() remoting.Interceptor {
	log := rpclog.L()
	return func(next remoting.ProcessorHandlerFunc) remoting.ProcessorHandlerFunc {
		return func(ctx context.Context, req *remoting.Request) (any, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("class", req.ClassName),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				log.Warn("processor call failed", append(fields, zap.Error(err))...)
			} else {
				log.Debug("processor call completed", fields...)
			}
			return reply, err
		}
	}
}

// RateLimit rejects requests once the token bucket is empty, matching the
// teacher's RateLimitMiddleware
// (BX-D-mini-RPC/middleware/rate_limit_middleware.go). The limiter is
// built once per interceptor instance (shared across every call through
// the chain), not per-request — a fresh limiter per call would never
// accumulate tokens and would reject everything after the first burst.
func RateLimit(r float64, burst int) remoting.Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next remoting.ProcessorHandlerFunc) remoting.ProcessorHandlerFunc {
		return func(ctx context.Context, req *remoting.Request) (any, error) {
			if !limiter.Allow() {
				return nil, rpcerr.New(rpcerr.ServerThreadpoolBusy, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

// Retry re-invokes a failed processor call up to maxRetries times with
// exponential backoff, matching the teacher's RetryMiddleware
// (BX-D-mini-RPC/middleware/retry_middleware.go). The teacher matched
// retryable errors by substring ("timeout", "connection refused") against
// a flat message.RPCMessage.Error string; here the same judgment is made
// against rpcerr.StatusOf, since every error this module produces already
// carries one of the named statuses instead of free text.
func Retry(maxRetries int, baseDelay time.Duration) remoting.Interceptor {
	log := rpclog.L()
	return func(next remoting.ProcessorHandlerFunc) remoting.ProcessorHandlerFunc {
		return func(ctx context.Context, req *remoting.Request) (any, error) {
			reply, err := next(ctx, req)
			for attempt := 0; err != nil && attempt < maxRetries && retryable(err); attempt++ {
				log.Debug("retrying processor call",
					zap.String("class", req.ClassName),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				time.Sleep(baseDelay * time.Duration(uint(1)<<uint(attempt)))
				reply, err = next(ctx, req)
			}
			return reply, err
		}
	}
}

func retryable(err error) bool {
	switch rpcerr.StatusOf(err) {
	case rpcerr.Timeout, rpcerr.ConnectionClosed:
		return true
	default:
		return false
	}
}

// Timeout bounds how long a processor call may run, matching the
// teacher's TimeOutMiddleware (BX-D-mini-RPC/middleware/timeout_middleware.go).
// As in the teacher's version, the handler goroutine is not cancelled on
// expiry — only the caller stops waiting — since context cancellation is
// cooperative and a UserProcessor is not required to check ctx.Done().
func Timeout(d time.Duration) remoting.Interceptor {
	return func(next remoting.ProcessorHandlerFunc) remoting.ProcessorHandlerFunc {
		return func(ctx context.Context, req *remoting.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				reply any
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, req)
				done <- result{reply, err}
			}()

			select {
			case r := <-done:
				return r.reply, r.err
			case <-ctx.Done():
				return nil, rpcerr.New(rpcerr.Timeout, "processor call timed out")
			}
		}
	}
}
