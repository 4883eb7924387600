package pools

import "sync"

// BytePool hands out byte slices from tiered sync.Pools so connection
// read buffers are recycled instead of reallocated per accept.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
}

// Size tiers matched to this server's buffers: small request heads,
// the default connection read buffer, and oversized read buffers.
var defaultSizes = []int{
	1024,
	4096,
	8192,
	32768,
}

// NewBytePool creates a byte pool with the standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of at least the requested size
func (bp *BytePool) Get(size int) []byte {
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			return (*bufPtr)[:size]
		}
	}

	// size too large for any tier, allocate directly
	return make([]byte, size)
}

// Put returns a byte slice to its tier. Slices not minted by the pool
// are left to the garbage collector.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}
