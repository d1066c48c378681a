package nvme

import (
	"fmt"

	"github.com/c35s/nvmeboot/proto"
)

// identify reads an identify page into the scratch buffer.
func (c *Controller) identify(cns uint8, nsid uint32) ([]byte, error) {
	_, err := c.exec(c.admin, "identify", func(e *proto.SubmissionEntry) {
		e.Opcode = proto.AdminIdentify
		e.NSID = nsid
		e.PRP1 = c.scratch.Addr
		e.CDW10 = uint32(cns)
	})

	if err != nil {
		return nil, err
	}

	c.cache.Invalidate(c.scratch.Addr, proto.IdentifySize)
	return c.scratch.Bytes[:proto.IdentifySize], nil
}

func (c *Controller) identifyController() error {
	b, err := c.identify(proto.CNSController, 0)
	if err != nil {
		return err
	}

	if err := c.idCtrl.UnmarshalBinary(b); err != nil {
		return err
	}

	if c.nsid > c.idCtrl.NN {
		return fmt.Errorf("%w: namespace %d, controller has %d", ErrInvalid, c.nsid, c.idCtrl.NN)
	}

	c.log.Debug("identified controller",
		"model", c.idCtrl.Model(),
		"serial", c.idCtrl.Serial(),
		"firmware", c.idCtrl.Firmware(),
		"mdts", c.idCtrl.MDTS,
		"nn", c.idCtrl.NN)

	return nil
}

func (c *Controller) identifyNamespace() error {
	b, err := c.identify(proto.CNSNamespace, c.nsid)
	if err != nil {
		return err
	}

	if err := c.idNS.UnmarshalBinary(b); err != nil {
		return err
	}

	if c.idNS.NSZE == 0 {
		return fmt.Errorf("%w: namespace %d is inactive", ErrInvalid, c.nsid)
	}

	if shift := c.idNS.BlockShift(); shift < BlockShiftMin {
		return fmt.Errorf("%w: block size 1<<%d", ErrNotSupported, shift)
	}

	return nil
}

// requestQueues asks for n I/O submission and completion queues.
func (c *Controller) requestQueues(n int) error {
	e, err := c.exec(c.admin, "set features", func(e *proto.SubmissionEntry) {
		e.Opcode = proto.AdminSetFeatures
		e.CDW10 = proto.FeatNumQueues
		e.CDW11 = uint32(n-1)<<16 | uint32(n-1)
	})

	if err != nil {
		return err
	}

	nsq := int(e.Result&0xffff) + 1
	ncq := int(e.Result>>16) + 1

	if nsq < n || ncq < n {
		return fmt.Errorf("%w: asked for %d, got %d submission and %d completion queues", ErrNoResource, n, nsq, ncq)
	}

	return nil
}

func (c *Controller) createIOCQ(qp *queuePair) error {
	_, err := c.exec(c.admin, "create io cq", func(e *proto.SubmissionEntry) {
		e.Opcode = proto.AdminCreateIOCQ
		e.PRP1 = qp.cq.buf.Addr
		e.CDW10 = uint32(qp.cq.size-1)<<16 | uint32(qp.id)
		e.CDW11 = proto.QueuePhysContig
	})

	return err
}

func (c *Controller) createIOSQ(qp *queuePair) error {
	_, err := c.exec(c.admin, "create io sq", func(e *proto.SubmissionEntry) {
		e.Opcode = proto.AdminCreateIOSQ
		e.PRP1 = qp.sq.buf.Addr
		e.CDW10 = uint32(qp.sq.size-1)<<16 | uint32(qp.id)
		e.CDW11 = uint32(qp.id)<<16 | proto.QueuePhysContig
	})

	return err
}

func (c *Controller) deleteIOSQ(id uint16) error {
	_, err := c.exec(c.admin, "delete io sq", func(e *proto.SubmissionEntry) {
		e.Opcode = proto.AdminDeleteIOSQ
		e.CDW10 = uint32(id)
	})

	return err
}

func (c *Controller) deleteIOCQ(id uint16) error {
	_, err := c.exec(c.admin, "delete io cq", func(e *proto.SubmissionEntry) {
		e.Opcode = proto.AdminDeleteIOCQ
		e.CDW10 = uint32(id)
	})

	return err
}
