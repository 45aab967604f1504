package remoting

import "sync"

// Pool holds every live Connection registered under one alias key (spec
// §4.7: "an address maps to a pool of connections, not a single
// connection"). Add/Remove mutate the slice under the pool's lock; reads
// (Snapshot) return a copy taken under that lock, so a selector never
// observes a slice mutated underneath it.
//
// Generalizes the teacher's transport.ConnPool
// (BX-D-mini-RPC/transport/pool.go), a borrow/return channel-backed pool
// for exclusive-use connections, into an always-available slice: boltrpc
// connections are multiplexed (many concurrent requests per connection),
// so there is nothing to "borrow" — every live Connection in the pool is
// selectable on every call.
type Pool struct {
	mu    sync.RWMutex
	conns []*Connection
	key   string
}

// NewPool creates an empty pool for the given alias key.
func NewPool(key string) *Pool {
	return &Pool{key: key}
}

// Add appends a connection to the pool.
func (p *Pool) Add(conn *Connection) {
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	conn.addPoolKey(p.key)
}

// Remove drops a connection from the pool, if present.
func (p *Pool) Remove(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// Snapshot returns a point-in-time copy of the pool's connections, safe
// for a selector to range over without holding the pool's lock.
func (p *Pool) Snapshot() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, len(p.conns))
	copy(out, p.conns)
	return out
}

// Len reports the current connection count.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Key returns the alias key this pool is registered under.
func (p *Pool) Key() string { return p.key }
