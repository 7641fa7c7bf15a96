// Package bufpool recycles frame buffers on the session write path.
package bufpool

import (
	"sync"
)

// Pool hands out buffers of at least a fixed capacity. Requests larger than
// the capacity are allocated directly and never pooled, so one oversized
// frame does not pin memory.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-capacity buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of length n.
func (p *Pool) Get(n int) []byte {
	if n > p.bufSize {
		return make([]byte, n)
	}
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:n]
}

// Put returns buf to the pool. Buffers not sized by this pool are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the pooled capacity.
func (p *Pool) BufSize() int {
	return p.bufSize
}
