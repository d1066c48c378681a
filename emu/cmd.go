package emu

import (
	"encoding/binary"
	"errors"

	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/proto"
)

const vendorID = 0x1b36

func generic(sc uint8) proto.Status {
	return proto.MakeStatus(proto.SCTGeneric, sc)
}

func specific(sc uint8) proto.Status {
	return proto.MakeStatus(proto.SCTCommandSpecific, sc)
}

// admin executes an admin command.
func (c *Controller) admin(e *proto.SubmissionEntry) (result uint32, status proto.Status) {
	switch e.Opcode {
	case proto.AdminIdentify:
		return 0, c.identify(e)

	case proto.AdminSetFeatures:
		return c.setFeatures(e)

	case proto.AdminCreateIOCQ:
		return 0, c.createCQ(e)

	case proto.AdminCreateIOSQ:
		return 0, c.createSQ(e)

	case proto.AdminDeleteIOSQ:
		return 0, c.deleteSQ(e)

	case proto.AdminDeleteIOCQ:
		return 0, c.deleteCQ(e)

	default:
		c.log.Warn("unsupported admin command", "op", e.Opcode)
		return 0, generic(proto.SCInvalidOpcode)
	}
}

func (c *Controller) identify(e *proto.SubmissionEntry) proto.Status {
	var (
		page []byte
		err  error
	)

	switch uint8(e.CDW10) {
	case proto.CNSController:
		var id proto.IdentifyController
		id.VID = vendorID
		id.SSVID = vendorID
		id.SetStrings(c.cfg.Serial, c.cfg.Model, c.cfg.Firmware)
		id.MDTS = c.cfg.MDTS
		id.CNTLID = 1
		id.VER = version
		id.SQES = proto.SQESLog2<<4 | proto.SQESLog2
		id.CQES = proto.CQESLog2<<4 | proto.CQESLog2
		id.MAXCMD = c.cap.MQES() + 1
		id.NN = 1
		id.VWC = 1
		page, err = id.MarshalBinary()

	case proto.CNSNamespace:
		if e.NSID != 1 {
			return generic(proto.SCInvalidNamespace)
		}

		blocks := c.Blocks()
		ns := proto.IdentifyNamespace{
			NSZE: blocks,
			NCAP: blocks,
			NUSE: blocks,
		}

		ns.LBAF[0] = uint32(proto.MakeLBAFormat(uint8(c.shift), 0))
		page, err = ns.MarshalBinary()

	default:
		return generic(proto.SCInvalidField)
	}

	if err != nil {
		c.log.Error("encode identify data", "err", err)
		return generic(proto.SCInternalError)
	}

	segs, status := c.segments(e.PRP1, e.PRP2, len(page), dma.AccessWrite)
	if status != 0 {
		return status
	}

	for _, s := range segs {
		page = page[copy(s, page):]
	}

	return 0
}

func (c *Controller) setFeatures(e *proto.SubmissionEntry) (uint32, proto.Status) {
	if uint8(e.CDW10) != proto.FeatNumQueues {
		return 0, generic(proto.SCInvalidField)
	}

	var (
		nsq = int(e.CDW11&0xffff) + 1
		ncq = int(e.CDW11>>16) + 1
	)

	if nsq > 0xffff || ncq > 0xffff {
		return 0, generic(proto.SCInvalidField)
	}

	nsq = min(nsq, c.cfg.MaxQueues)
	ncq = min(ncq, c.cfg.MaxQueues)

	return uint32(ncq-1)<<16 | uint32(nsq-1), 0
}

func (c *Controller) createCQ(e *proto.SubmissionEntry) proto.Status {
	var (
		id   = uint16(e.CDW10)
		size = int(e.CDW10>>16) + 1
	)

	if id == 0 || int(id) > c.cfg.MaxQueues || c.cqs[id] != nil {
		return specific(proto.SCInvalidQueueID)
	}

	if size < 2 || size > int(c.cap.MQES())+1 {
		return specific(proto.SCInvalidQueueSize)
	}

	if e.CDW11&proto.QueuePhysContig == 0 || e.PRP1%(1<<c.cc.MPS()) != 0 {
		return generic(proto.SCInvalidField)
	}

	c.cqs[id] = &compQueue{id: id, addr: e.PRP1, size: size, phase: true}
	return 0
}

func (c *Controller) createSQ(e *proto.SubmissionEntry) proto.Status {
	var (
		id   = uint16(e.CDW10)
		size = int(e.CDW10>>16) + 1
		cqid = uint16(e.CDW11 >> 16)
	)

	if id == 0 || int(id) > c.cfg.MaxQueues || c.sqs[id] != nil {
		return specific(proto.SCInvalidQueueID)
	}

	if size < 2 || size > int(c.cap.MQES())+1 {
		return specific(proto.SCInvalidQueueSize)
	}

	if cqid == 0 || c.cqs[cqid] == nil {
		return specific(proto.SCCompletionQueueInvalid)
	}

	if e.CDW11&proto.QueuePhysContig == 0 || e.PRP1%(1<<c.cc.MPS()) != 0 {
		return generic(proto.SCInvalidField)
	}

	c.sqs[id] = &subQueue{id: id, cqid: cqid, addr: e.PRP1, size: size}
	return 0
}

func (c *Controller) deleteSQ(e *proto.SubmissionEntry) proto.Status {
	id := uint16(e.CDW10)
	if id == 0 || c.sqs[id] == nil {
		return specific(proto.SCInvalidQueueID)
	}

	delete(c.sqs, id)
	return 0
}

func (c *Controller) deleteCQ(e *proto.SubmissionEntry) proto.Status {
	id := uint16(e.CDW10)
	if id == 0 || c.cqs[id] == nil {
		return specific(proto.SCInvalidQueueID)
	}

	for _, sq := range c.sqs {
		if sq.cqid == id {
			return specific(proto.SCInvalidQueueDeletion)
		}
	}

	delete(c.cqs, id)
	return 0
}

// nvm executes an NVM command set command and records it.
func (c *Controller) nvm(qid uint16, e *proto.SubmissionEntry) (status proto.Status) {
	cmd := Command{
		QID:    qid,
		Opcode: e.Opcode,
		NSID:   e.NSID,
	}

	defer func() {
		cmd.Status = status
		c.cmds = append(c.cmds, cmd)
	}()

	if e.NSID != 1 {
		return generic(proto.SCInvalidNamespace)
	}

	switch e.Opcode {
	case proto.CmdFlush:
		return 0

	case proto.CmdRead, proto.CmdWrite:
		cmd.SLBA = uint64(e.CDW11)<<32 | uint64(e.CDW10)
		cmd.NLB = int(e.CDW12&0xffff) + 1
		return c.rw(e, cmd.SLBA, cmd.NLB)

	default:
		return generic(proto.SCInvalidOpcode)
	}
}

func (c *Controller) rw(e *proto.SubmissionEntry, slba uint64, nlb int) proto.Status {
	if slba >= c.Blocks() || uint64(nlb) > c.Blocks()-slba {
		return generic(proto.SCLBAOutOfRange)
	}

	size := nlb << c.shift
	if mdts := c.cfg.MDTS; mdts != 0 && size > 1<<(uint(mdts)+c.cap.MPSMIN()) {
		return generic(proto.SCInvalidField)
	}

	write := e.Opcode == proto.CmdWrite
	if write && c.writer == nil {
		return generic(proto.SCNamespaceWriteProtect)
	}

	access := dma.AccessWrite
	if write {
		access = dma.AccessRead
	}

	segs, status := c.segments(e.PRP1, e.PRP2, size, access)
	if status != 0 {
		return status
	}

	off := int64(slba) << c.shift
	for _, s := range segs {
		var err error
		if write {
			_, err = c.writer.WriteAt(s, off)
		} else {
			_, err = c.cfg.Storage.ReadAt(s, off)
		}

		if err != nil {
			c.log.Error("block io error", "lba", slba, "blocks", nlb, "write", write, "err", err)
			if write {
				return proto.MakeStatus(proto.SCTMediaError, proto.SCWriteFault)
			}

			return proto.MakeStatus(proto.SCTMediaError, proto.SCUnrecoveredReadError)
		}

		off += int64(len(s))
	}

	return 0
}

var errPRPOffset = errors.New("emu: prp entry has an offset")

// segments walks a PRP pair and returns the n bytes of memory it describes.
// PRP lists may chain through their last entry.
func (c *Controller) segments(prp1, prp2 uint64, n int, access dma.Access) ([][]byte, proto.Status) {
	var (
		ps   = uint64(1) << c.cc.MPS()
		segs [][]byte
	)

	fail := func(err error) ([][]byte, proto.Status) {
		c.log.Error("prp walk failed", "prp1", prp1, "prp2", prp2, "len", n, "err", err)
		if errors.Is(err, errPRPOffset) {
			return nil, generic(proto.SCPRPOffsetInvalid)
		}

		return nil, generic(proto.SCDataTransferError)
	}

	first := int(min(uint64(n), ps-prp1%ps))
	b, err := c.mem(prp1, first, access)
	if err != nil {
		return fail(err)
	}

	segs = append(segs, b)
	rem := n - first

	if rem == 0 {
		return segs, 0
	}

	if rem <= int(ps) {
		if prp2%ps != 0 {
			return fail(errPRPOffset)
		}

		b, err := c.mem(prp2, rem, access)
		if err != nil {
			return fail(err)
		}

		return append(segs, b), 0
	}

	if prp2%8 != 0 {
		return fail(errPRPOffset)
	}

	entry := prp2
	for rem > 0 {
		if entry%ps == ps-8 && rem > int(ps) {
			next, err := c.readPRP(entry)
			if err != nil {
				return fail(err)
			}

			entry = next
		}

		addr, err := c.readPRP(entry)
		if err != nil {
			return fail(err)
		}

		if addr%ps != 0 {
			return fail(errPRPOffset)
		}

		size := min(rem, int(ps))
		b, err := c.mem(addr, size, access)
		if err != nil {
			return fail(err)
		}

		segs = append(segs, b)
		rem -= size
		entry += 8
	}

	return segs, 0
}

func (c *Controller) readPRP(addr uint64) (uint64, error) {
	raw, err := c.mem(addr, 8, dma.AccessRead)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(raw), nil
}
