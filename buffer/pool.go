package buffer

import "sync"

const (
	DefaultReadSize  = 2048
	DefaultWriteSize = 1024
)

// FixedPool recycles Fixed buffers of a single capacity.
type FixedPool struct {
	pool sync.Pool
	size int
}

func NewFixedPool(size int) *FixedPool {
	return &FixedPool{
		size: size,
	}
}

func (p *FixedPool) Get() *Fixed {
	v := p.pool.Get()
	if v == nil {
		return NewFixed(p.size)
	}
	return v.(*Fixed)
}

// Put resets b and returns it to the pool. Buffers of a different capacity are dropped.
func (p *FixedPool) Put(b *Fixed) {
	if b != nil && b.Cap() == p.size {
		b.Reset()
		p.pool.Put(b)
	}
}

func (p *FixedPool) Size() int {
	return p.size
}
