// Package emu implements an NVMe controller in memory. It exposes its
// register block through reg.Registers and executes commands synchronously
// when a doorbell is written, reading rings and data from a Memory.
package emu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/proto"
	"github.com/c35s/nvmeboot/reg"
)

// Memory is the device side of DMA-able memory. *dma.Pool implements it.
type Memory interface {
	Bytes(addr uint64, n int) ([]byte, error)
}

// Config describes an emulated controller.
type Config struct {

	// Storage backs namespace 1. It is required.
	Storage Storage

	// ReadOnly makes namespace 1 write protected even if Storage
	// implements io.WriterAt.
	ReadOnly bool

	// Memory is where rings, PRP lists and data buffers live. It is required.
	Memory Memory

	// IOMMU, if set, is consulted before every memory access. Accesses
	// outside an open window fail.
	IOMMU *dma.Table

	// BlockSize is the namespace's block size. If BlockSize is 0, it is 512.
	BlockSize int

	// MQES is the zero-based maximum queue size. If MQES is 0, it is 1023.
	MQES uint16

	// DSTRD is the doorbell stride exponent.
	DSTRD uint8

	// TO is the ready timeout in 500ms units. If TO is 0, it is 20.
	TO uint8

	// MPSMIN and MPSMAX are log2 of the supported page sizes.
	// They default to 12 and 16.
	MPSMIN uint
	MPSMAX uint

	// MDTS is log2 of the maximum transfer in MPSMIN pages, 0 for no limit.
	MDTS uint8

	// CSS is the CAP.CSS field. If CSS is 0, the NVM command set is supported.
	CSS uint8

	// Serial, Model and Firmware are reported by identify controller.
	Serial   string
	Model    string
	Firmware string

	// MaxQueues is the number of I/O queue pairs the controller grants.
	// If MaxQueues is 0, it is 64.
	MaxQueues int

	// Faults injects failures.
	Faults Faults

	// Logger receives the controller's logs. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

// Faults make a controller misbehave.
type Faults struct {

	// NeverReady leaves CSTS.RDY clear after CC.EN is set.
	NeverReady bool

	// Drop, if it returns true, discards a command without posting a completion.
	Drop func(qid uint16, opcode uint8) bool

	// Fail, if it returns a non-zero status, completes a command with that
	// status without executing it.
	Fail func(qid uint16, opcode uint8) proto.Status

	// WrongCID posts every completion with a command id one greater than
	// the submitted one.
	WrongCID bool
}

// Command records an executed NVM command.
type Command struct {
	QID    uint16
	Opcode uint8
	NSID   uint32
	SLBA   uint64
	NLB    int
	Status proto.Status
}

// Controller is an emulated NVMe controller. It implements reg.Registers.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	size   int64
	shift  uint
	writer io.WriterAt

	mu    sync.Mutex
	cap   reg.Cap
	cc    reg.CC
	csts  reg.CSTS
	aqa   uint32
	asq   uint64
	acq   uint64
	intms uint32
	sqs   map[uint16]*subQueue
	cqs   map[uint16]*compQueue
	cmds  []Command
}

type subQueue struct {
	id   uint16
	cqid uint16
	addr uint64
	size int
	head int
	tail int
}

type compQueue struct {
	id    uint16
	addr  uint64
	size  int
	head  int
	tail  int
	phase bool
}

var (
	ErrConfig   = errors.New("emu: invalid config")
	ErrNoDevice = errors.New("emu: no such device")
)

// version 1.4.0
const version = 0x00010400

// New creates a disabled controller.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	size, err := cfg.Storage.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: storage size: %w", ErrConfig, err)
	}

	if size == 0 || size%int64(cfg.BlockSize) != 0 {
		return nil, fmt.Errorf("%w: storage size %d is not a positive multiple of the block size (%d)",
			ErrConfig, size, cfg.BlockSize)
	}

	c := &Controller{
		cfg:  cfg,
		log:  cfg.Logger,
		size: size,
		cap:  reg.MakeCap(cfg.MQES, cfg.TO, cfg.DSTRD, cfg.CSS, cfg.MPSMIN, cfg.MPSMAX),
		sqs:  make(map[uint16]*subQueue),
		cqs:  make(map[uint16]*compQueue),
	}

	c.shift = uint(bits.TrailingZeros(uint(cfg.BlockSize)))

	if !cfg.ReadOnly {
		c.writer, _ = cfg.Storage.(io.WriterAt)
	}

	return c, nil
}

// Blocks returns the number of blocks in namespace 1.
func (c *Controller) Blocks() uint64 {
	return uint64(c.size >> c.shift)
}

// Commands returns the NVM commands executed so far.
func (c *Controller) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Command(nil), c.cmds...)
}

// Queues returns the number of existing submission and completion queues,
// admin queues included.
func (c *Controller) Queues() (sq, cq int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sqs), len(c.cqs)
}

func (c *Controller) Read32(off int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case reg.OffCAP:
		return uint32(c.cap)

	case reg.OffCAP + 4:
		return uint32(c.cap >> 32)

	case reg.OffVS:
		return version

	case reg.OffINTMS, reg.OffINTMC:
		return c.intms

	case reg.OffCC:
		return uint32(c.cc)

	case reg.OffCSTS:
		return uint32(c.csts)

	case reg.OffNSSR:
		return 0

	case reg.OffAQA:
		return c.aqa

	case reg.OffASQ:
		return uint32(c.asq)

	case reg.OffASQ + 4:
		return uint32(c.asq >> 32)

	case reg.OffACQ:
		return uint32(c.acq)

	case reg.OffACQ + 4:
		return uint32(c.acq >> 32)
	}

	if _, _, ok := reg.ParseDoorbell(off, c.cfg.DSTRD); ok {
		return 0
	}

	panic(fmt.Sprintf("emu: read32 of unknown register %#x", off))
}

func (c *Controller) Read64(off int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case reg.OffCAP:
		return uint64(c.cap)

	case reg.OffASQ:
		return c.asq

	case reg.OffACQ:
		return c.acq
	}

	panic(fmt.Sprintf("emu: read64 of unknown register %#x", off))
}

func (c *Controller) Write32(off int, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case reg.OffCAP, reg.OffCAP + 4, reg.OffVS, reg.OffCSTS:
		c.log.Warn("write to read-only register ignored", "off", fmt.Sprintf("%#x", off))

	case reg.OffINTMS:
		c.intms |= v

	case reg.OffINTMC:
		c.intms &^= v

	case reg.OffCC:
		c.writeCC(reg.CC(v))

	case reg.OffNSSR:
		if v == 0x4e564d65 { // "NVMe"
			c.reset()
		}

	case reg.OffAQA:
		c.aqa = v

	case reg.OffASQ:
		c.asq = c.asq&^0xffffffff | uint64(v)

	case reg.OffASQ + 4:
		c.asq = c.asq&0xffffffff | uint64(v)<<32

	case reg.OffACQ:
		c.acq = c.acq&^0xffffffff | uint64(v)

	case reg.OffACQ + 4:
		c.acq = c.acq&0xffffffff | uint64(v)<<32

	default:
		id, isCQ, ok := reg.ParseDoorbell(off, c.cfg.DSTRD)
		if !ok {
			panic(fmt.Sprintf("emu: write32 of unknown register %#x", off))
		}

		if isCQ {
			c.writeCQHead(id, int(v))
		} else {
			c.writeSQTail(id, int(v))
		}
	}
}

func (c *Controller) Write64(off int, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case reg.OffASQ:
		c.asq = v

	case reg.OffACQ:
		c.acq = v

	default:
		panic(fmt.Sprintf("emu: write64 of unknown register %#x", off))
	}
}

func (c *Controller) writeCC(cc reg.CC) {
	old := c.cc
	c.cc = cc

	switch {
	case !old.EN() && cc.EN():
		c.enable()

	case old.EN() && !cc.EN():
		c.reset()
		c.cc = cc
	}

	if cc.SHN() != reg.ShnNone && old.SHN() == reg.ShnNone && c.csts.RDY() {
		c.shutdown()
	}
}

func (c *Controller) enable() {
	if c.cfg.Faults.NeverReady {
		return
	}

	if mps := c.cc.MPS(); mps < c.cap.MPSMIN() || mps > c.cap.MPSMAX() {
		c.log.Error("enable with unsupported page size", "mps", mps)
		c.csts = reg.MakeCSTS(false, true, reg.ShstNormal)
		return
	}

	sqs, cqs := reg.SplitAQA(c.aqa)
	if sqs < 2 || cqs < 2 {
		c.log.Error("enable with bad admin queue sizes", "sq", sqs, "cq", cqs)
		c.csts = reg.MakeCSTS(false, true, reg.ShstNormal)
		return
	}

	c.cqs[0] = &compQueue{id: 0, addr: c.acq, size: cqs, phase: true}
	c.sqs[0] = &subQueue{id: 0, cqid: 0, addr: c.asq, size: sqs}
	c.csts = reg.MakeCSTS(true, false, reg.ShstNormal)

	c.log.Debug("controller enabled", "asq", fmt.Sprintf("%#x", c.asq), "acq", fmt.Sprintf("%#x", c.acq))
}

// reset deletes every queue and clears CC and CSTS.
func (c *Controller) reset() {
	clear(c.sqs)
	clear(c.cqs)
	c.cc = 0
	c.csts = 0
}

func (c *Controller) shutdown() {
	for id := range c.sqs {
		if id != 0 {
			delete(c.sqs, id)
		}
	}

	for id := range c.cqs {
		if id != 0 {
			delete(c.cqs, id)
		}
	}

	c.csts = reg.MakeCSTS(c.csts.RDY(), c.csts.CFS(), reg.ShstComplete)
	c.log.Debug("controller shut down")
}

func (c *Controller) writeCQHead(id uint16, head int) {
	cq, ok := c.cqs[id]
	if !ok || head >= cq.size {
		c.log.Warn("bad completion queue doorbell write", "qid", id, "head", head)
		return
	}

	cq.head = head
}

// writeSQTail executes every entry between the queue's head and the new tail.
func (c *Controller) writeSQTail(id uint16, tail int) {
	sq, ok := c.sqs[id]
	if !ok || tail >= sq.size || !c.csts.RDY() {
		c.log.Warn("bad submission queue doorbell write", "qid", id, "tail", tail)
		return
	}

	sq.tail = tail
	for sq.head != sq.tail {
		raw, err := c.mem(sq.addr+uint64(sq.head*proto.SQESize), proto.SQESize, dma.AccessRead)
		if err != nil {
			c.log.Error("fetch submission entry", "qid", id, "slot", sq.head, "err", err)
			c.csts = reg.MakeCSTS(c.csts.RDY(), true, c.csts.SHST())
			return
		}

		e := *proto.SubmissionAt(raw)
		sq.head = (sq.head + 1) % sq.size

		c.process(sq, &e)
	}
}

func (c *Controller) process(sq *subQueue, e *proto.SubmissionEntry) {
	f := c.cfg.Faults
	if f.Drop != nil && f.Drop(sq.id, e.Opcode) {
		c.log.Debug("dropped command", "qid", sq.id, "cid", e.CID, "op", e.Opcode)
		return
	}

	var (
		result uint32
		status proto.Status
	)

	if f.Fail != nil {
		status = f.Fail(sq.id, e.Opcode)
	}

	if status == 0 {
		if sq.id == 0 {
			result, status = c.admin(e)
		} else {
			status = c.nvm(sq.id, e)
		}
	}

	cid := e.CID
	if f.WrongCID {
		cid++
	}

	c.complete(sq, cid, result, status)
}

func (c *Controller) complete(sq *subQueue, cid uint16, result uint32, status proto.Status) {
	cq, ok := c.cqs[sq.cqid]
	if !ok {
		c.log.Error("completion queue is gone", "qid", sq.id, "cqid", sq.cqid)
		return
	}

	if (cq.tail+1)%cq.size == cq.head {
		c.log.Error("completion queue is full", "cqid", cq.id)
		return
	}

	raw, err := c.mem(cq.addr+uint64(cq.tail*proto.CQESize), proto.CQESize, dma.AccessWrite)
	if err != nil {
		c.log.Error("post completion", "cqid", cq.id, "slot", cq.tail, "err", err)
		c.csts = reg.MakeCSTS(c.csts.RDY(), true, c.csts.SHST())
		return
	}

	tag := uint16(status) << 1
	if cq.phase {
		tag |= 1
	}

	proto.StoreCompletion(proto.CompletionAt(raw), proto.CompletionEntry{
		Result: result,
		SQHead: uint16(sq.head),
		SQID:   sq.id,
		CID:    cid,
		Tag:    tag,
	})

	if cq.tail++; cq.tail == cq.size {
		cq.tail = 0
		cq.phase = !cq.phase
	}
}

// mem returns n bytes of memory at addr if the IOMMU allows access.
func (c *Controller) mem(addr uint64, n int, access dma.Access) ([]byte, error) {
	if t := c.cfg.IOMMU; t != nil && !t.Allows(addr, n, access) {
		return nil, fmt.Errorf("emu: iommu blocks %s access to %#x+%d", access, addr, n)
	}

	return c.cfg.Memory.Bytes(addr, n)
}

func (cfg Config) validate() error {
	if cfg.Storage == nil {
		return errors.New("storage is not set")
	}

	if cfg.Memory == nil {
		return errors.New("memory is not set")
	}

	if bs := cfg.BlockSize; bs < 512 || bs&(bs-1) != 0 {
		return fmt.Errorf("block size %d is not a power of two >= 512", bs)
	}

	if cfg.MQES < 1 {
		return fmt.Errorf("mqes %d < 1", cfg.MQES)
	}

	if cfg.DSTRD > 0xf {
		return fmt.Errorf("dstrd %d > 15", cfg.DSTRD)
	}

	if cfg.MPSMIN < 12 || cfg.MPSMAX > 27 || cfg.MPSMIN > cfg.MPSMAX {
		return fmt.Errorf("page sizes 1<<%d..1<<%d out of range", cfg.MPSMIN, cfg.MPSMAX)
	}

	if cfg.MaxQueues < 1 || cfg.MaxQueues > 0xfffe {
		return fmt.Errorf("max queues %d out of range", cfg.MaxQueues)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 512
	}

	if cfg.MQES == 0 {
		cfg.MQES = 1023
	}

	if cfg.TO == 0 {
		cfg.TO = 20
	}

	if cfg.MPSMIN == 0 {
		cfg.MPSMIN = 12
	}

	if cfg.MPSMAX == 0 {
		cfg.MPSMAX = 16
	}

	if cfg.CSS == 0 {
		cfg.CSS = reg.CSSNVM
	}

	if cfg.Serial == "" {
		cfg.Serial = "EMU0001"
	}

	if cfg.Model == "" {
		cfg.Model = "nvmeboot emulated controller"
	}

	if cfg.Firmware == "" {
		cfg.Firmware = "1.0"
	}

	if cfg.MaxQueues == 0 {
		cfg.MaxQueues = 64
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
