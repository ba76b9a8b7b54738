package buffer

import (
	"sync"

	"github.com/ncw/directio"
)

const (
	minClassSize = 512
	maxClassSize = 256 * 1024
)

// Pooled is a size-classed buffer provider backed by sync.Pool. Buffers are
// grouped in power-of-two classes between minClassSize and maxClassSize;
// requests beyond the largest class fall back to plain allocation. Classes at
// or above the direct-IO block size hand out block-aligned memory so the same
// buffers stay usable against O_DIRECT file handles.
type Pooled struct {
	classes []sync.Pool
	sizes   []int
}

func NewPooled() *Pooled {
	p := &Pooled{}
	for size := minClassSize; size <= maxClassSize; size *= 2 {
		p.sizes = append(p.sizes, size)
	}
	p.classes = make([]sync.Pool, len(p.sizes))
	for i := range p.classes {
		size := p.sizes[i]
		p.classes[i].New = func() interface{} {
			if size >= directio.BlockSize {
				// Clamp the capacity so Recycle can match the class again.
				return directio.AlignedBlock(size)[:size:size]
			}
			return make([]byte, size)
		}
	}
	return p
}

func (p *Pooled) Poll(minCapacity int) []byte {
	if minCapacity < 0 {
		minCapacity = 0
	}
	if i, ok := p.classFor(minCapacity); ok {
		buf := p.classes[i].Get().([]byte)
		return buf[:cap(buf)]
	}
	return make([]byte, minCapacity)
}

func (p *Pooled) Recycle(buf []byte) {
	if buf == nil {
		return
	}
	// Only buffers whose capacity matches a class exactly go back to the
	// pool, foreign buffers included; anything else is dropped.
	if i, ok := p.classFor(cap(buf)); ok && p.sizes[i] == cap(buf) {
		p.classes[i].Put(buf[:cap(buf)]) //nolint:staticcheck // slices carry their backing array
	}
}

func (p *Pooled) classFor(capacity int) (int, bool) {
	for i, size := range p.sizes {
		if capacity <= size {
			return i, true
		}
	}
	return 0, false
}
