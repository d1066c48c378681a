package reg

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Mem is a register block backed by memory, e.g. an mmapped BAR or a plain
// slice in tests. Accesses must be naturally aligned.
type Mem []byte

// NewMem returns a zeroed register block of size bytes.
func NewMem(size int) Mem {
	// back with uint64s so the block is 8-byte aligned
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func (m Mem) Read32(off int) uint32 {
	return atomic.LoadUint32(m.word32(off))
}

func (m Mem) Write32(off int, v uint32) {
	atomic.StoreUint32(m.word32(off), v)
}

func (m Mem) Read64(off int) uint64 {
	return atomic.LoadUint64(m.word64(off))
}

func (m Mem) Write64(off int, v uint64) {
	atomic.StoreUint64(m.word64(off), v)
}

func (m Mem) word32(off int) *uint32 {
	if off%4 != 0 || off < 0 || off+4 > len(m) {
		panic(fmt.Sprintf("reg: bad 32-bit access at %#x", off))
	}

	return (*uint32)(unsafe.Pointer(&m[off]))
}

func (m Mem) word64(off int) *uint64 {
	if off%8 != 0 || off < 0 || off+8 > len(m) {
		panic(fmt.Sprintf("reg: bad 64-bit access at %#x", off))
	}

	return (*uint64)(unsafe.Pointer(&m[off]))
}
