package dma_test

import (
	"errors"
	"os"
	"testing"

	"github.com/c35s/nvmeboot/dma"
)

const testBase = 0x8000_0000

func newPool(t *testing.T, size int) *dma.Pool {
	t.Helper()

	p, err := dma.NewPool(testBase, size)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Error(err)
		}
	})

	return p
}

func TestNewPoolConfig(t *testing.T) {
	pgsz := os.Getpagesize()

	if _, err := dma.NewPool(testBase, pgsz+1); !errors.Is(err, dma.ErrConfig) {
		t.Errorf("odd size: error isn't ErrConfig: %v", err)
	}

	if _, err := dma.NewPool(testBase+1, pgsz); !errors.Is(err, dma.ErrConfig) {
		t.Errorf("odd base: error isn't ErrConfig: %v", err)
	}
}

func TestPoolAlloc(t *testing.T) {
	pgsz := os.Getpagesize()
	p := newPool(t, 16*pgsz)

	t.Run("alignment", func(t *testing.T) {
		small, err := p.Alloc(24, 8)
		if err != nil {
			t.Fatal(err)
		}

		page, err := p.Alloc(pgsz, pgsz)
		if err != nil {
			t.Fatal(err)
		}

		if page.Addr%uint64(pgsz) != 0 {
			t.Errorf("page addr %#x isn't page aligned", page.Addr)
		}

		if len(page.Bytes) != pgsz {
			t.Errorf("len %d != %d", len(page.Bytes), pgsz)
		}

		for _, b := range []*dma.Buffer{small, page} {
			if err := p.Free(b); err != nil {
				t.Fatal(err)
			}
		}

		if p.InUse() != 0 {
			t.Errorf("%d buffers in use", p.InUse())
		}
	})

	t.Run("zeroed", func(t *testing.T) {
		b, err := p.Alloc(64, 64)
		if err != nil {
			t.Fatal(err)
		}

		for i := range b.Bytes {
			b.Bytes[i] = 0xff
		}

		if err := p.Free(b); err != nil {
			t.Fatal(err)
		}

		b, err = p.Alloc(64, 64)
		if err != nil {
			t.Fatal(err)
		}

		defer p.Free(b)

		for i, v := range b.Bytes {
			if v != 0 {
				t.Fatalf("byte %d is %#x", i, v)
			}
		}
	})

	t.Run("exhaustion and coalescing", func(t *testing.T) {
		var bufs []*dma.Buffer
		for {
			b, err := p.Alloc(pgsz, pgsz)
			if errors.Is(err, dma.ErrNoMemory) {
				break
			}

			if err != nil {
				t.Fatal(err)
			}

			bufs = append(bufs, b)
		}

		if len(bufs) != 16 {
			t.Errorf("allocated %d pages != 16", len(bufs))
		}

		// free in an order that exercises both merge directions
		for i := 0; i < len(bufs); i += 2 {
			if err := p.Free(bufs[i]); err != nil {
				t.Fatal(err)
			}
		}

		for i := 1; i < len(bufs); i += 2 {
			if err := p.Free(bufs[i]); err != nil {
				t.Fatal(err)
			}
		}

		whole, err := p.Alloc(16*pgsz, pgsz)
		if err != nil {
			t.Fatalf("pool didn't coalesce: %v", err)
		}

		if err := p.Free(whole); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("bad free", func(t *testing.T) {
		if err := p.Free(&dma.Buffer{Addr: testBase + 8}); !errors.Is(err, dma.ErrBadFree) {
			t.Errorf("error isn't ErrBadFree: %v", err)
		}
	})

	t.Run("bad args", func(t *testing.T) {
		if _, err := p.Alloc(0, 8); !errors.Is(err, dma.ErrNoMemory) {
			t.Errorf("zero size: error isn't ErrNoMemory: %v", err)
		}

		if _, err := p.Alloc(8, 3); !errors.Is(err, dma.ErrNoMemory) {
			t.Errorf("odd align: error isn't ErrNoMemory: %v", err)
		}
	})
}

func TestPoolResolve(t *testing.T) {
	p := newPool(t, os.Getpagesize())

	b, err := p.Alloc(256, 16)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := p.Resolve(b.Bytes[100:])
	if err != nil {
		t.Fatal(err)
	}

	if addr != b.Addr+100 {
		t.Errorf("addr %#x != %#x", addr, b.Addr+100)
	}

	if _, err := p.Resolve(make([]byte, 16)); !errors.Is(err, dma.ErrNotDMA) {
		t.Errorf("heap slice: error isn't ErrNotDMA: %v", err)
	}

	view, err := p.Bytes(b.Addr+4, 4)
	if err != nil {
		t.Fatal(err)
	}

	view[0] = 0x5a
	if b.Bytes[4] != 0x5a {
		t.Error("Bytes doesn't alias the buffer")
	}

	if _, err := p.Bytes(testBase-1, 1); !errors.Is(err, dma.ErrNotDMA) {
		t.Errorf("below base: error isn't ErrNotDMA: %v", err)
	}

	if _, err := p.Bytes(testBase, p.Size()+1); !errors.Is(err, dma.ErrNotDMA) {
		t.Errorf("past end: error isn't ErrNotDMA: %v", err)
	}
}

func TestTable(t *testing.T) {
	var tbl dma.Table

	if err := tbl.Protect(1, 0x1000, 0x1000, 0x2000, dma.AccessRead); err != nil {
		t.Fatal(err)
	}

	if !tbl.Allows(0x1800, 0x800, dma.AccessRead) {
		t.Error("read inside the window is refused")
	}

	if tbl.Allows(0x1800, 0x800, dma.AccessWrite) {
		t.Error("write to a read-only window is allowed")
	}

	if tbl.Allows(0x2800, 0x1000, dma.AccessRead) {
		t.Error("read past the window is allowed")
	}

	if n := tbl.Unprotect(2, 0x1000, 0x2000); n != 0 {
		t.Errorf("other cookie unmapped %d bytes", n)
	}

	if n := tbl.Unprotect(1, 0x1000, 0x2000); n != 0x2000 {
		t.Errorf("unmapped %#x bytes != 0x2000", n)
	}

	if tbl.Len() != 0 {
		t.Errorf("%d windows left", tbl.Len())
	}

	tbl.Refuse = true
	if err := tbl.Protect(1, 0x1000, 0x1000, 0x1000, dma.AccessRW); !errors.Is(err, dma.ErrRefused) {
		t.Errorf("error isn't ErrRefused: %v", err)
	}
}
