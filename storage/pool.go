package storage

import "sync"

// maxPooledSize caps the buffers kept for reuse so one large value does not
// pin memory.
const maxPooledSize = 1 << 20

// BytesPool recycles encode buffers between appends. Buffers keep whatever
// capacity they grew to, up to maxPooledSize.
type BytesPool struct {
	pool sync.Pool
}

func NewBytesPool(initialSize int) *BytesPool {
	return &BytesPool{
		pool: sync.Pool{
			New: func() any {
				buf := new([]byte) // Attempt to force allocation on heap.
				*buf = make([]byte, 0, initialSize)
				return buf
			},
		},
	}
}

func (p *BytesPool) GetBytes() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BytesPool) PutBytes(b *[]byte) {
	if cap(*b) > maxPooledSize {
		return
	}

	*b = (*b)[:0]
	p.pool.Put(b)
}
