// Package bufferpool hands out scratch buffers for encoding and reading log
// entries. Buffers are bucketed by power-of-two capacity so a 300 byte record
// and a 40 KiB node image do not fight over the same pool.
package bufferpool

import (
	"math/bits"
	"sync"
)

const (
	minShift = 9  // 512 B
	maxShift = 16 // 64 KiB
	numTiers = maxShift - minShift + 1
)

// Pool is a tiered set of sync.Pools.
type Pool struct {
	tiers [numTiers]sync.Pool
}

// New builds an empty pool.
func New() *Pool {
	p := &Pool{}
	for i := range p.tiers {
		size := 1 << (minShift + i)
		p.tiers[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

// tier returns the index of the smallest tier holding size bytes, or -1 when
// size is larger than anything we pool.
func tier(size int) int {
	if size <= 1<<minShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxShift {
		return -1
	}
	return shift - minShift
}

// Get returns a slice of length size. Oversized requests are allocated
// directly and are dropped again by Put.
func (p *Pool) Get(size int) []byte {
	t := tier(size)
	if t < 0 {
		return make([]byte, size)
	}
	bp := p.tiers[t].Get().(*[]byte)
	return (*bp)[:size]
}

// Put recycles buf. Only buffers whose capacity is exactly a tier size are
// kept, everything else goes to the GC.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	if c < 1<<minShift || c > 1<<maxShift || c&(c-1) != 0 {
		return
	}
	buf = buf[:0]
	p.tiers[bits.Len(uint(c))-1-minShift].Put(&buf)
}

var global = New()

// Get takes a buffer from the shared pool.
func Get(size int) []byte { return global.Get(size) }

// Put returns a buffer to the shared pool.
func Put(buf []byte) { global.Put(buf) }
