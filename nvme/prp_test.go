package nvme

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/c35s/nvmeboot/dma"
	"github.com/google/go-cmp/cmp"
)

const listAddr = 0x7000_0000

func testList(pageSize, maxEntries int) *prpList {
	return &prpList{
		buf:        &dma.Buffer{Addr: listAddr, Bytes: make([]byte, pageSize)},
		maxEntries: maxEntries,
		maxSize:    maxEntries * pageSize,
		pageSize:   pageSize,
	}
}

type span struct {
	addr uint64
	len  int
}

// walkPRP returns the memory described by a PRP pair the way a controller
// reads it.
func walkPRP(t *testing.T, ps int, prp1, prp2 uint64, length int, list *prpList) []span {
	t.Helper()

	first := min(length, ps-int(prp1%uint64(ps)))
	spans := []span{{prp1, first}}
	rem := length - first

	switch {
	case rem == 0:
		if prp2 != 0 {
			t.Errorf("prp2 = %#x for a single page transfer", prp2)
		}

	case rem <= ps:
		spans = append(spans, span{prp2, rem})

	default:
		if prp2 != list.buf.Addr {
			t.Fatalf("prp2 = %#x, want the list at %#x", prp2, list.buf.Addr)
		}

		for i := 0; rem > 0; i++ {
			n := min(rem, ps)
			spans = append(spans, span{binary.LittleEndian.Uint64(list.buf.Bytes[i*8:]), n})
			rem -= n
		}
	}

	for i, s := range spans[1:] {
		if s.addr%uint64(ps) != 0 {
			t.Errorf("entry %d addr %#x isn't page aligned", i+1, s.addr)
		}
	}

	return spans
}

func TestBuildPRP(t *testing.T) {
	const ps = 4096

	cases := []struct {
		name   string
		addr   uint64
		length int
		prp2   uint64
		list   []uint64
	}{
		{"one page", 0x1000_0000, 4096, 0, nil},
		{"inside a page", 0x1000_0200, 512, 0, nil},
		{"two pages aligned", 0x1000_0000, 8192, 0x1000_1000, nil},
		{"two pages offset", 0x1000_0800, 4096, 0x1000_1000, nil},
		{"offset with list", 0x1000_0800, 9000, listAddr, []uint64{0x1000_1000, 0x1000_2000}},
		{"three pages", 0x1000_0000, 12288, listAddr, []uint64{0x1000_1000, 0x1000_2000}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			list := testList(ps, ps/8)

			prp1, prp2, err := buildPRP(ps, c.addr, c.length, list, dma.Coherent{})
			if err != nil {
				t.Fatal(err)
			}

			if prp1 != c.addr || prp2 != c.prp2 {
				t.Errorf("prp1 %#x prp2 %#x, want %#x %#x", prp1, prp2, c.addr, c.prp2)
			}

			var entries []uint64
			for i := 0; i < len(c.list); i++ {
				entries = append(entries, binary.LittleEndian.Uint64(list.buf.Bytes[i*8:]))
			}

			if diff := cmp.Diff(c.list, entries); diff != "" {
				t.Errorf("list (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildPRPErrors(t *testing.T) {
	const ps = 4096

	t.Run("empty", func(t *testing.T) {
		if _, _, err := buildPRP(ps, 0x1000, 0, testList(ps, 4), dma.Coherent{}); !errors.Is(err, ErrInvalid) {
			t.Errorf("error isn't ErrInvalid: %v", err)
		}
	})

	t.Run("capacity", func(t *testing.T) {
		list := testList(ps, 2)

		// two list entries after a partial first page fit exactly
		if _, _, err := buildPRP(ps, 0x1000_0800, 2048+2*ps, list, dma.Coherent{}); err != nil {
			t.Fatalf("at capacity: %v", err)
		}

		clear(list.buf.Bytes)

		_, _, err := buildPRP(ps, 0x1000_0800, 2048+2*ps+1, list, dma.Coherent{})
		if !errors.Is(err, ErrTooLarge) {
			t.Fatalf("error isn't ErrTooLarge: %v", err)
		}

		for i, b := range list.buf.Bytes {
			if b != 0 {
				t.Fatalf("list byte %d was written", i)
			}
		}
	})

	t.Run("no list", func(t *testing.T) {
		if _, _, err := buildPRP(ps, 0x1000_0000, 3*ps, nil, dma.Coherent{}); !errors.Is(err, ErrTooLarge) {
			t.Errorf("error isn't ErrTooLarge: %v", err)
		}
	})
}

// Whatever the alignment and length, the PRP pair describes exactly the
// buffer, in order, with no gaps.
func TestBuildPRPCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, ps := range []int{4096, 16384} {
		list := testList(ps, min(64, ps/8))

		for i := 0; i < 2000; i++ {
			var (
				addr   = 0x2000_0000 + uint64(rng.Intn(4*ps))&^3
				length = 1 + rng.Intn(list.maxSize)
			)

			prp1, prp2, err := buildPRP(ps, addr, length, list, dma.Coherent{})
			if err != nil {
				t.Fatalf("%d bytes at %#x: %v", length, addr, err)
			}

			next, total := addr, 0
			for _, s := range walkPRP(t, ps, prp1, prp2, length, list) {
				if s.addr != next {
					t.Fatalf("%d bytes at %#x: span at %#x, want %#x", length, addr, s.addr, next)
				}

				next += uint64(s.len)
				total += s.len
			}

			if total != length {
				t.Fatalf("%d bytes at %#x: described %d bytes", length, addr, total)
			}
		}
	}
}

func TestPRPListSize(t *testing.T) {
	c := newBareController(t)

	cases := []struct {
		maxTransfer int
		entries     int
		size        int
	}{
		{1 << 20, 256, 1 << 20},
		{4 << 20, 512, 2 << 20},
		{16384, 4, 16384},
		{2048, 0, 2048},
	}

	for _, tc := range cases {
		l, err := c.newPRPList(tc.maxTransfer)
		if err != nil {
			t.Fatal(err)
		}

		if l.maxEntries != tc.entries || l.maxSize != tc.size {
			t.Errorf("max transfer %d: %d entries, %d bytes; want %d, %d",
				tc.maxTransfer, l.maxEntries, l.maxSize, tc.entries, tc.size)
		}

		if err := c.freePRPList(l); err != nil {
			t.Error(err)
		}
	}
}

// newBareController returns a controller with just enough set up to manage
// memory.
func newBareController(t *testing.T) *Controller {
	t.Helper()

	pool, err := dma.NewPool(testBase, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { pool.Close() })

	return &Controller{
		alloc:    pool,
		cache:    dma.Coherent{},
		log:      discard,
		pageSize: 4096,
	}
}
