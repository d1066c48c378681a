package nvme

import (
	"errors"
	"fmt"
	"time"

	"github.com/c35s/nvmeboot/proto"
)

// cidSentinel is never issued as a command id.
const cidSentinel = 0xffff

// nextCID returns the next command id.
func (c *Controller) nextCID() uint16 {
	cid := c.cid
	if c.cid++; c.cid == cidSentinel {
		c.cid = 0
	}

	return cid
}

// nextSlot returns the zeroed entry at the submission tail.
func (c *Controller) nextSlot(qp *queuePair) *proto.SubmissionEntry {
	off := qp.sq.tail * proto.SQESize
	b := qp.sq.buf.Bytes[off : off+proto.SQESize]
	clear(b)

	return proto.SubmissionAt(b)
}

// submit hands the entry at the tail to the device.
func (c *Controller) submit(qp *queuePair) {
	slot := qp.sq.tail
	qp.sq.tail = (qp.sq.tail + 1) % qp.sq.size

	c.cache.Clean(qp.sq.buf.Addr+uint64(slot*proto.SQESize), proto.SQESize)
	c.regs.Write32(qp.sq.doorbell, uint32(qp.sq.tail))
	qp.state = cmdSubmitted

	c.log.Debug("rang sq doorbell", "qid", qp.id, "tail", qp.sq.tail)
}

// waitAndReap polls the entry at the completion head until the device posts
// cid there. The head is not advanced. A failure status is returned as a
// *StatusError along with the entry.
func (c *Controller) waitAndReap(qp *queuePair, cid uint16, timeout time.Duration) (proto.CompletionEntry, error) {
	var (
		off    = qp.cq.head * proto.CQESize
		addr   = qp.cq.buf.Addr + uint64(off)
		p      = proto.CompletionAt(qp.cq.buf.Bytes[off:])
		e      proto.CompletionEntry
		warned bool
	)

	err := PollUntil(c.clock, timeout, func() (bool, error) {
		c.cache.Invalidate(addr, proto.CQESize)
		e = proto.LoadCompletion(p)

		if e.Phase() != qp.cq.phase {
			return false, nil
		}

		if e.CID != cid {
			if !warned {
				c.log.Warn("completion for unexpected command", "qid", qp.id, "cid", e.CID, "want", cid)
				warned = true
			}

			return false, nil
		}

		return true, nil
	})

	if err != nil {
		qp.state = cmdTimedOut
		return e, fmt.Errorf("%w: qid %d cid %d after %v", err, qp.id, cid, timeout)
	}

	if s := e.Status(); !s.OK() {
		qp.state = cmdFailed
		return e, &StatusError{Status: s}
	}

	qp.state = cmdCompleted
	return e, nil
}

// advanceHead releases the entry at the completion head back to the device.
func (c *Controller) advanceHead(qp *queuePair) {
	if qp.cq.head++; qp.cq.head == qp.cq.size {
		qp.cq.head = 0
		qp.cq.phase = !qp.cq.phase
	}

	c.regs.Write32(qp.cq.doorbell, uint32(qp.cq.head))
	qp.state = cmdIdle
}

// exec runs one command to completion on qp.
func (c *Controller) exec(qp *queuePair, op string, fill func(e *proto.SubmissionEntry)) (proto.CompletionEntry, error) {
	if qp.state == cmdTimedOut {
		return proto.CompletionEntry{}, fmt.Errorf("%w: %s: qid %d has a command outstanding", ErrTimeout, op, qp.id)
	}

	cid := c.nextCID()
	sqe := c.nextSlot(qp)
	fill(sqe)
	sqe.CID = cid
	c.submit(qp)

	e, err := c.waitAndReap(qp, cid, c.cfg.CommandTimeout)

	var se *StatusError
	switch {
	case errors.As(err, &se):
		se.Op = op
		c.advanceHead(qp)
		c.log.Debug("command failed", "qid", qp.id, "cid", cid, "op", op, "status", se.Status)
		return e, se

	case err != nil:
		return e, fmt.Errorf("%s: %w", op, err)
	}

	c.advanceHead(qp)
	return e, nil
}
