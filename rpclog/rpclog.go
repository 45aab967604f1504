// Package rpclog provides the process-wide structured logger.
//
// The remoting core never calls the standard log package directly —
// every component takes a *zap.Logger (or uses the package default via L())
// so a host application can redirect, sample, or silence remoting logs the
// same way it configures the rest of its logging.
package rpclog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewProduction()
	if l == nil {
		l = zap.NewNop()
	}
	global.Store(l)
}

// L returns the current process-wide logger. Safe for concurrent use.
func L() *zap.Logger {
	return global.Load()
}

// SetGlobal replaces the process-wide logger. Intended to be called once at
// process startup, before Client/Server Startup().
func SetGlobal(l *zap.Logger) {
	if l == nil {
		return
	}
	global.Store(l)
}

var devOnce sync.Once

// Development swaps in a development logger (console encoder, debug level).
// Convenience for tests and the demo glue.
func Development() *zap.Logger {
	l, _ := zap.NewDevelopment()
	devOnce.Do(func() { SetGlobal(l) })
	return l
}
