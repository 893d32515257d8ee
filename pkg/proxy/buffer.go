package proxy

import "sync"

// DefaultBufferSize is the size of the buffers used to relay bodies.
const DefaultBufferSize = 32 * 1024

// bufferPool hands out fixed-size relay buffers. Memory per session stays
// at one buffer no matter how large the body is.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (bp *bufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

func (bp *bufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != bp.size {
		return
	}
	bp.pool.Put(b)
}
