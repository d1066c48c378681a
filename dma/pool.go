package dma

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pool is an Allocator over a single anonymous mapping. The device sees the
// mapping at Base, so every allocation is physically contiguous and keeps the
// alignment it was asked for on both sides.
type Pool struct {
	base uint64
	mem  []byte

	mu   sync.Mutex
	free []extent       // sorted by off, never adjacent
	used map[uint64]int // addr:size
}

type extent struct {
	off, len int
}

// NewPool maps size bytes of memory and makes it visible to the device at
// base. Both must be multiples of the host page size.
func NewPool(base uint64, size int) (*Pool, error) {
	pgsz := os.Getpagesize()
	if size <= 0 || size%pgsz != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of the page size (%d)", ErrConfig, size, pgsz)
	}

	if base%uint64(pgsz) != 0 {
		return nil, fmt.Errorf("%w: base %#x is not page aligned", ErrConfig, base)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	p := &Pool{
		base: base,
		mem:  mem,
		free: []extent{{0, size}},
		used: make(map[uint64]int),
	}

	return p, nil
}

// Base returns the device address of the first byte of the pool.
func (p *Pool) Base() uint64 {
	return p.base
}

// Size returns the size of the pool in bytes.
func (p *Pool) Size() int {
	return len(p.mem)
}

// Alloc returns a zeroed buffer of size bytes. Its device address is a
// multiple of align.
func (p *Pool) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: size %d align %d", ErrNoMemory, size, align)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.free {
		addr := alignUp(p.base+uint64(e.off), uint64(align))
		start := int(addr - p.base)
		if start+size > e.off+e.len {
			continue
		}

		var split []extent
		if start > e.off {
			split = append(split, extent{e.off, start - e.off})
		}

		if end := e.off + e.len; start+size < end {
			split = append(split, extent{start + size, end - start - size})
		}

		p.free = append(p.free[:i], append(split, p.free[i+1:]...)...)
		p.used[addr] = size

		b := p.mem[start : start+size : start+size]
		clear(b)

		return &Buffer{Addr: addr, Bytes: b}, nil
	}

	return nil, fmt.Errorf("%w: %d bytes aligned to %d", ErrNoMemory, size, align)
}

// Free returns b to the pool.
func (p *Pool) Free(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	size, ok := p.used[b.Addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrBadFree, b.Addr)
	}

	delete(p.used, b.Addr)

	e := extent{int(b.Addr - p.base), size}
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].off > e.off })
	p.free = append(p.free[:i], append([]extent{e}, p.free[i:]...)...)

	// merge with the following extent, then the preceding one
	if i+1 < len(p.free) && p.free[i].off+p.free[i].len == p.free[i+1].off {
		p.free[i].len += p.free[i+1].len
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}

	if i > 0 && p.free[i-1].off+p.free[i-1].len == p.free[i].off {
		p.free[i-1].len += p.free[i].len
		p.free = append(p.free[:i], p.free[i+1:]...)
	}

	return nil
}

// Resolve returns the device address of s.
func (p *Pool) Resolve(s []byte) (uint64, error) {
	if len(s) == 0 || len(p.mem) == 0 {
		return 0, ErrNotDMA
	}

	var (
		lo  = uintptr(unsafe.Pointer(&p.mem[0]))
		ptr = uintptr(unsafe.Pointer(&s[0]))
	)

	if ptr < lo || ptr+uintptr(len(s)) > lo+uintptr(len(p.mem)) {
		return 0, ErrNotDMA
	}

	return p.base + uint64(ptr-lo), nil
}

// Bytes returns the CPU view of n bytes at device address addr. It is the
// device side of the pool: emulated controllers use it to reach rings and
// data buffers.
func (p *Pool) Bytes(addr uint64, n int) ([]byte, error) {
	if addr < p.base || n < 0 || addr-p.base+uint64(n) > uint64(len(p.mem)) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrNotDMA, addr, n)
	}

	off := int(addr - p.base)
	return p.mem[off : off+n : off+n], nil
}

// InUse returns the number of live allocations.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.used)
}

// Close unmaps the pool. Buffers handed out by the pool must not be used
// after Close.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil
	}

	err := unix.Munmap(p.mem)
	p.mem = nil
	p.free = nil

	return err
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
