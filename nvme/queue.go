package nvme

import (
	"errors"
	"fmt"

	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/proto"
	"github.com/c35s/nvmeboot/reg"
)

// ring is one submission or completion ring. Head and tail are slot
// indices in [0, size).
type ring struct {
	buf       *dma.Buffer
	head      int
	tail      int
	size      int
	phase     bool // completion rings only
	doorbell  int
	protected bool
}

// queuePair is a submission ring and the completion ring it posts to.
// Pair 0 is the admin pair.
type queuePair struct {
	id    uint16
	sq    ring
	cq    ring
	state cmdState
}

// cmdState tracks the single command a pair may have outstanding.
type cmdState int

const (
	cmdIdle cmdState = iota
	cmdSubmitted
	cmdCompleted
	cmdTimedOut
	cmdFailed
)

func (s cmdState) String() string {
	switch s {
	case cmdIdle:
		return "idle"
	case cmdSubmitted:
		return "submitted"
	case cmdCompleted:
		return "completed"
	case cmdTimedOut:
		return "timed out"
	case cmdFailed:
		return "failed"
	default:
		return fmt.Sprintf("cmdState(%d)", int(s))
	}
}

// constructPair allocates both rings of pair id with size slots each.
// Nothing is left allocated or protected if it fails.
func (c *Controller) constructPair(size, align int, id uint16) (*queuePair, error) {
	qp := &queuePair{id: id}
	dstrd := c.cap.DSTRD()

	if err := c.allocRing(&qp.sq, size, proto.SQESize, align, dma.AccessRead); err != nil {
		return nil, fmt.Errorf("qid %d: submission ring: %w", id, err)
	}

	if err := c.allocRing(&qp.cq, size, proto.CQESize, align, dma.AccessWrite); err != nil {
		c.releaseRing(&qp.sq)
		return nil, fmt.Errorf("qid %d: completion ring: %w", id, err)
	}

	qp.sq.doorbell = reg.SQTailDoorbell(id, dstrd)
	qp.cq.doorbell = reg.CQHeadDoorbell(id, dstrd)
	qp.cq.phase = true

	c.log.Debug("constructed queue pair", "qid", id, "size", size,
		"sq", fmt.Sprintf("%#x", qp.sq.buf.Addr),
		"cq", fmt.Sprintf("%#x", qp.cq.buf.Addr))

	return qp, nil
}

// destroyPair releases both rings. Destroying a destroyed pair is a no-op.
func (c *Controller) destroyPair(qp *queuePair) error {
	if qp == nil {
		return nil
	}

	return errors.Join(
		c.releaseRing(&qp.sq),
		c.releaseRing(&qp.cq))
}

func (c *Controller) allocRing(r *ring, slots, entrySize, align int, access dma.Access) error {
	buf, err := c.alloc.Alloc(alignUp(slots*entrySize, align), align)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	*r = ring{
		buf:       buf,
		size:      slots,
		protected: c.protectBuffer(buf.Addr, len(buf.Bytes), access),
	}

	c.cache.Clean(buf.Addr, len(buf.Bytes))
	return nil
}

func (c *Controller) releaseRing(r *ring) error {
	if r.buf == nil {
		return nil
	}

	if r.protected {
		c.iommu.Unprotect(c.cfg.IOMMUCookie, r.buf.Addr, len(r.buf.Bytes))
	}

	err := c.alloc.Free(r.buf)
	r.buf = nil
	r.protected = false

	return err
}

// protectBuffer opens an IOMMU window over a buffer. Failures are logged and
// the buffer is used unprotected.
func (c *Controller) protectBuffer(addr uint64, size int, access dma.Access) bool {
	if c.iommu == nil {
		return false
	}

	if err := c.iommu.Protect(c.cfg.IOMMUCookie, addr, addr, size, access); err != nil {
		c.log.Warn("iommu protection failed, proceeding unprotected",
			"addr", fmt.Sprintf("%#x", addr), "size", size, "access", access, "err", err)

		return false
	}

	return true
}

// protect is protectBuffer for callers that want a matching release.
func (c *Controller) protect(addr uint64, size int, access dma.Access) (release func()) {
	if !c.protectBuffer(addr, size, access) {
		return func() {}
	}

	return func() {
		c.iommu.Unprotect(c.cfg.IOMMUCookie, addr, size)
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
