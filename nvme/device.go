package nvme

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/pci"
	"github.com/c35s/nvmeboot/proto"
)

// maxNLB is the most blocks one read or write can move (16-bit NLB field).
const maxNLB = 1 << 16

// Device is an attached controller's namespace viewed as an array of blocks.
// It is not safe for concurrent use.
type Device struct {
	bus   pci.Bus
	index int
	pci   *pci.Device
	ctrl  *Controller
	log   *slog.Logger

	iommu      bool
	blockShift uint
	blockCount uint64
	maxBlocks  int

	bounce *dma.Buffer
	stats  Stats
	closed bool
}

// Stats counts completed block I/O.
type Stats struct {
	Reads        uint64
	Writes       uint64
	Flushes      uint64
	BytesRead    uint64
	BytesWritten uint64
}

// Attach brings up the NVMe controller on link index of bus. The link is
// reset if attaching fails.
func Attach(bus pci.Bus, index int, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	cfg.Logger = cfg.Logger.With("ctrl", index)

	pdev, regs, err := pci.Open(bus, index)
	if err != nil {
		return nil, fmt.Errorf("nvme: attach %d: %w", index, err)
	}

	ctrl, err := New(regs, cfg)
	if err != nil {
		bus.Reset(index)
		return nil, fmt.Errorf("nvme: attach %d: %w", index, err)
	}

	d := &Device{
		bus:        bus,
		index:      index,
		pci:        pdev,
		ctrl:       ctrl,
		log:        cfg.Logger,
		iommu:      cfg.IOMMU != nil,
		blockShift: ctrl.idNS.BlockShift(),
		blockCount: ctrl.idNS.NSZE,
	}

	d.maxBlocks = min(ctrl.MaxTransferSize()>>d.blockShift, maxNLB)
	if d.maxBlocks == 0 {
		d.detach()
		return nil, fmt.Errorf("nvme: attach %d: %w: %d byte blocks exceed the %d byte transfer limit",
			index, ErrNotSupported, d.BlockSize(), ctrl.MaxTransferSize())
	}

	d.log.Info("attached nvme controller",
		"model", ctrl.idCtrl.Model(),
		"serial", ctrl.idCtrl.Serial(),
		"nsid", ctrl.nsid,
		"block_size", d.BlockSize(),
		"blocks", d.blockCount,
		"max_transfer_blocks", d.maxBlocks)

	return d, nil
}

// BlockSize returns the size of a block in bytes.
func (d *Device) BlockSize() int {
	return 1 << d.blockShift
}

// BlockCount returns the number of blocks in the namespace.
func (d *Device) BlockCount() uint64 {
	return d.blockCount
}

// Size returns the size of the namespace in bytes.
func (d *Device) Size() int64 {
	return int64(d.blockCount) << d.blockShift
}

// MaxTransferBlocks returns the most blocks moved by a single command.
func (d *Device) MaxTransferBlocks() int {
	return d.maxBlocks
}

// Controller returns the attached controller.
func (d *Device) Controller() *Controller {
	return d.ctrl
}

// PCI returns the controller's PCI function.
func (d *Device) PCI() *pci.Device {
	return d.pci
}

// Protected reports whether an IOMMU was configured for the controller's buffers.
func (d *Device) Protected() bool {
	return d.iommu
}

// Stats returns the I/O counters.
func (d *Device) Stats() Stats {
	return d.stats
}

// ReadBlocks reads count blocks starting at block start into p. P must lie in
// memory handed out by the controller's allocator.
func (d *Device) ReadBlocks(p []byte, start uint64, count int) error {
	return d.rwBlocks(p, start, count, false)
}

// WriteBlocks writes count blocks from p starting at block start. P must lie
// in memory handed out by the controller's allocator.
func (d *Device) WriteBlocks(p []byte, start uint64, count int) error {
	return d.rwBlocks(p, start, count, true)
}

// rwBlocks moves count blocks in chunks of at most maxBlocks. The first
// failing chunk stops the transfer; earlier chunks are not undone.
func (d *Device) rwBlocks(p []byte, start uint64, count int, write bool) error {
	if d.closed {
		return ErrClosed
	}

	if count <= 0 || start >= d.blockCount || uint64(count) > d.blockCount-start {
		return fmt.Errorf("%w: blocks %d+%d of %d", ErrInvalid, start, count, d.blockCount)
	}

	if count > math.MaxInt>>d.blockShift {
		return fmt.Errorf("%w: %d blocks is too large a transfer", ErrInvalid, count)
	}

	size := count << d.blockShift
	if len(p) < size {
		return fmt.Errorf("%w: %d byte buffer for %d blocks", ErrInvalid, len(p), count)
	}

	p = p[:size]

	c := d.ctrl
	addr, err := c.alloc.Resolve(p)
	if err != nil {
		return fmt.Errorf("%w: buffer: %w", ErrInvalid, err)
	}

	opcode, op, access := uint8(proto.CmdRead), "read", dma.AccessWrite
	if write {
		opcode, op, access = proto.CmdWrite, "write", dma.AccessRead
	}

	release := c.protect(addr, size, access)
	defer release()

	if write {
		c.cache.Clean(addr, size)
	}

	for done := 0; done < count; {
		n := min(count-done, d.maxBlocks)
		off := done << d.blockShift

		err := c.transfer(opcode, op, start+uint64(done), n, addr+uint64(off), n<<d.blockShift)
		if err != nil {
			return fmt.Errorf("nvme: %s blocks %d+%d: %w", op, start+uint64(done), n, err)
		}

		done += n
	}

	if write {
		d.stats.Writes++
		d.stats.BytesWritten += uint64(size)
	} else {
		c.cache.Invalidate(addr, size)
		d.stats.Reads++
		d.stats.BytesRead += uint64(size)
	}

	return nil
}

// Flush commits volatile write cache contents to media.
func (d *Device) Flush() error {
	if d.closed {
		return ErrClosed
	}

	if err := d.ctrl.flush(); err != nil {
		return fmt.Errorf("nvme: %w", err)
	}

	d.stats.Flushes++
	return nil
}

// ReadAt implements io.ReaderAt over the namespace through a bounce buffer,
// so p may be any memory and off needn't be block aligned.
func (d *Device) ReadAt(p []byte, off int64) (n int, err error) {
	if d.closed {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalid, off)
	}

	var (
		bs   = int64(d.BlockSize())
		size = int64(d.blockCount) << d.blockShift
	)

	if d.bounce == nil {
		c := d.ctrl
		d.bounce, err = c.alloc.Alloc(d.maxBlocks<<d.blockShift, c.pageSize)
		if err != nil {
			return 0, fmt.Errorf("%w: bounce buffer: %w", ErrNoMemory, err)
		}
	}

	for n < len(p) && off < size {
		var (
			lba    = uint64(off / bs)
			skip   = off % bs
			want   = (skip + int64(len(p)-n) + bs - 1) / bs
			blocks = int(min(want, int64(d.maxBlocks), int64(d.blockCount-lba)))
			buf    = d.bounce.Bytes[:blocks<<d.blockShift]
		)

		if err := d.ReadBlocks(buf, lba, blocks); err != nil {
			return n, err
		}

		m := copy(p[n:], buf[skip:])
		n += m
		off += int64(m)
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Close shuts the controller down and resets its link.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}

	return d.detach()
}

func (d *Device) detach() error {
	d.closed = true

	if d.bounce != nil {
		if err := d.ctrl.alloc.Free(d.bounce); err != nil {
			d.log.Warn("free bounce buffer", "err", err)
		}

		d.bounce = nil
	}

	err := d.ctrl.Close()
	if rerr := d.bus.Reset(d.index); rerr != nil {
		d.log.Warn("reset link", "err", rerr)
		if err == nil {
			err = fmt.Errorf("nvme: reset link %d: %w", d.index, rerr)
		}
	}

	return err
}

// transfer issues one read or write of nlb blocks at slba.
func (c *Controller) transfer(opcode uint8, op string, slba uint64, nlb int, addr uint64, size int) error {
	prp1, prp2, err := buildPRP(c.pageSize, addr, size, c.prp, c.cache)
	if err != nil {
		return err
	}

	c.log.Debug("transfer", "op", op, "lba", slba, "blocks", nlb,
		"prp1", fmt.Sprintf("%#x", prp1), "prp2", fmt.Sprintf("%#x", prp2))

	_, err = c.exec(c.io, op, func(e *proto.SubmissionEntry) {
		e.Opcode = opcode
		e.NSID = c.nsid
		e.PRP1 = prp1
		e.PRP2 = prp2
		e.CDW10 = uint32(slba)
		e.CDW11 = uint32(slba >> 32)
		e.CDW12 = uint32(nlb-1) & 0xffff
	})

	return err
}

func (c *Controller) flush() error {
	_, err := c.exec(c.io, "flush", func(e *proto.SubmissionEntry) {
		e.Opcode = proto.CmdFlush
		e.NSID = c.nsid
	})

	return err
}
