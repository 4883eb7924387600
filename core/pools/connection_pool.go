package pools

import (
	"sync"
	"sync/atomic"
)

// Poolable is implemented by connection objects so the pool can scrub
// them on the way back in. A freshly accepted descriptor must never
// observe residual state from a prior connection.
type Poolable interface {
	Reset()
}

// ConnectionPool recycles connection objects across accepts.
type ConnectionPool struct {
	pool sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
}

// NewConnectionPool creates a connection pool
func NewConnectionPool(newFunc func() any) *ConnectionPool {
	cp := &ConnectionPool{}
	cp.pool.New = newFunc
	return cp
}

// Get retrieves a connection object from the pool
func (cp *ConnectionPool) Get() any {
	cp.gets.Add(1)
	return cp.pool.Get()
}

// Put scrubs and returns a connection object to the pool
func (cp *ConnectionPool) Put(obj any) {
	if poolable, ok := obj.(Poolable); ok {
		poolable.Reset()
	}
	cp.puts.Add(1)
	cp.pool.Put(obj)
}

// Stats returns pool turnover counters
func (cp *ConnectionPool) Stats() (gets, puts uint64) {
	return cp.gets.Load(), cp.puts.Load()
}
