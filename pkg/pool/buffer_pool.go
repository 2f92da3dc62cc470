package pool

import "sync"

// MAXBUFFERSIZE is the size of buffers handed out by the default pool.
// It matches the read buffer of a single connection.
const MAXBUFFERSIZE = 8192

type BufferPool struct {
	sync.Pool
	size   int
	secure bool // zero buffers before putting them back
}

func NewBufferPool(size int, secure bool) *BufferPool {
	if size <= 0 {
		size = MAXBUFFERSIZE
	}
	newF := func() any {
		return make([]byte, size)
	}
	return &BufferPool{
		Pool: sync.Pool{
			New: newF,
		},
		size:   size,
		secure: secure,
	}
}

// Size is the length of every buffer this pool returns.
func (b *BufferPool) Size() int { return b.size }

func (b *BufferPool) PutBuffer(p []byte) {
	// foreign or resliced buffers would poison the pool
	if cap(p) < b.size {
		return
	}
	p = p[:b.size]
	if b.secure {
		clear(p)
	}
	b.Put(p)
}

func (b *BufferPool) GetBuffer() []byte {
	return b.Get().([]byte)
}

var defaultPool = NewBufferPool(MAXBUFFERSIZE, false)

func GetBuffer() []byte { return defaultPool.GetBuffer() }

func PutBuffer(p []byte) { defaultPool.PutBuffer(p) }
