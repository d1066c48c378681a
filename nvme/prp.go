package nvme

import (
	"encoding/binary"
	"fmt"

	"github.com/c35s/nvmeboot/dma"
)

// prpList is a single page of PRP entries. maxSize is the largest transfer
// that can be described with it, whatever the alignment of the buffer.
type prpList struct {
	buf        *dma.Buffer
	maxEntries int
	maxSize    int
	pageSize   int
	protected  bool
}

// newPRPList sizes and allocates a PRP list for transfers of at most
// maxTransfer bytes.
func (c *Controller) newPRPList(maxTransfer int) (*prpList, error) {
	ps := c.pageSize
	l := &prpList{
		maxEntries: min(maxTransfer/ps, ps/8),
		pageSize:   ps,
	}

	l.maxSize = l.maxEntries * ps
	if l.maxEntries == 0 {
		l.maxSize = maxTransfer
	}

	buf, err := c.alloc.Alloc(ps, ps)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	l.buf = buf
	l.protected = c.protectBuffer(buf.Addr, ps, dma.AccessRead)

	return l, nil
}

func (c *Controller) freePRPList(l *prpList) error {
	if l.protected {
		c.iommu.Unprotect(c.cfg.IOMMUCookie, l.buf.Addr, len(l.buf.Bytes))
	}

	return c.alloc.Free(l.buf)
}

// buildPRP describes length bytes at addr with a PRP pair. When the transfer
// spans more than two pages the pages after the first are written to list
// and prp2 points at it. Nothing is written to list on error.
func buildPRP(pageSize int, addr uint64, length int, list *prpList, cache dma.Cache) (prp1, prp2 uint64, err error) {
	if length <= 0 {
		return 0, 0, fmt.Errorf("%w: transfer length %d", ErrInvalid, length)
	}

	var (
		ps    = uint64(pageSize)
		first = ps - addr%ps
		rem   = int64(length) - int64(first)
	)

	switch {
	case rem <= 0:
		return addr, 0, nil

	case rem <= int64(ps):
		return addr, addr + first, nil
	}

	n := int((rem + int64(ps) - 1) / int64(ps))
	if list == nil || n > list.maxEntries {
		var have int
		if list != nil {
			have = list.maxEntries
		}

		return 0, 0, fmt.Errorf("%w: %d bytes at %#x need %d PRP entries, list holds %d",
			ErrTooLarge, length, addr, n, have)
	}

	next := addr + first
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(list.buf.Bytes[i*8:], next)
		next += ps
	}

	cache.Clean(list.buf.Addr, n*8)
	return addr, list.buf.Addr, nil
}
