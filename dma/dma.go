// Package dma provides the memory services an NVMe driver consumes without
// implementing: device-visible allocation, cache maintenance and IOMMU windows.
package dma

import "errors"

// Buffer is a region of memory the device can address. Bytes is the CPU view
// and Addr is the address the device uses for the first byte.
type Buffer struct {
	Addr  uint64
	Bytes []byte
}

// Allocator hands out device-visible memory. Memory returned by Alloc is
// zeroed and physically contiguous.
type Allocator interface {

	// Alloc returns size bytes aligned to align, which must be a power of two.
	Alloc(size, align int) (*Buffer, error)

	// Free releases a buffer returned by Alloc.
	Free(b *Buffer) error

	// Resolve returns the device address of p, which must lie entirely
	// inside memory handed out by Alloc.
	Resolve(p []byte) (uint64, error)
}

// Cache maintains coherency between the CPU and the device.
type Cache interface {

	// Clean writes back CPU-side changes so the device observes them.
	Clean(addr uint64, size int)

	// Invalidate discards CPU-side copies so the CPU observes device writes.
	Invalidate(addr uint64, size int)
}

// Access describes what a device may do with an IOMMU window.
type Access int

const (
	AccessRead  Access = 1 << 0 // device reads memory
	AccessWrite Access = 1 << 1 // device writes memory

	AccessRW = AccessRead | AccessWrite
)

// IOMMU restricts device access to explicitly opened windows.
type IOMMU interface {

	// Protect opens a window of size bytes mapping ioAddr to physAddr.
	Protect(cookie, ioAddr, physAddr uint64, size int, access Access) error

	// Unprotect closes windows starting at ioAddr and returns the number of
	// bytes unmapped.
	Unprotect(cookie, ioAddr uint64, size int) int
}

var (
	ErrConfig   = errors.New("dma: invalid config")
	ErrNoMemory = errors.New("dma: out of memory")
	ErrNotDMA   = errors.New("dma: memory is not device visible")
	ErrBadFree  = errors.New("dma: free of unallocated buffer")
	ErrRefused  = errors.New("dma: iommu refused window")
)

// Coherent is a Cache for systems where the device snoops CPU caches.
type Coherent struct{}

func (Coherent) Clean(addr uint64, size int)      {}
func (Coherent) Invalidate(addr uint64, size int) {}

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessRW:
		return "rw"
	default:
		return "-"
	}
}
