package dma

import (
	"fmt"
	"sync"
)

// Table is an IOMMU that records its windows in memory. Emulated controllers
// consult it through Allows before touching memory.
type Table struct {

	// Refuse makes Protect fail, e.g. to model an exhausted translation table.
	Refuse bool

	mu  sync.Mutex
	win []window
}

type window struct {
	cookie uint64
	io     uint64
	phys   uint64
	size   int
	access Access
}

func (t *Table) Protect(cookie, ioAddr, physAddr uint64, size int, access Access) error {
	if size <= 0 {
		return fmt.Errorf("%w: size %d", ErrRefused, size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Refuse {
		return fmt.Errorf("%w: %#x+%d", ErrRefused, ioAddr, size)
	}

	t.win = append(t.win, window{
		cookie: cookie,
		io:     ioAddr,
		phys:   physAddr,
		size:   size,
		access: access,
	})

	return nil
}

func (t *Table) Unprotect(cookie, ioAddr uint64, size int) (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.win[:0]
	for _, w := range t.win {
		if w.cookie == cookie && w.io == ioAddr && w.size <= size {
			n += w.size
			continue
		}

		kept = append(kept, w)
	}

	t.win = kept
	return n
}

// Allows reports whether an open window covers size bytes at addr with the
// given access.
func (t *Table) Allows(addr uint64, size int, access Access) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.win {
		if w.access&access == access && addr >= w.io && addr+uint64(size) <= w.io+uint64(w.size) {
			return true
		}
	}

	return false
}

// Len returns the number of open windows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.win)
}
