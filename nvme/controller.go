// Package nvme drives an NVM Express controller from a single thread without
// interrupts: queue pairs, polled command completion, PRP construction,
// controller bring-up and a block read/write interface on top of it.
package nvme

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/proto"
	"github.com/c35s/nvmeboot/reg"
)

// Config configures a controller.
type Config struct {

	// AdminQueueSize is the number of slots in each admin ring.
	// If AdminQueueSize is 0, the admin rings have 32 slots.
	AdminQueueSize int

	// IOQueueSize is the number of slots in each I/O ring.
	// If IOQueueSize is 0, the I/O rings have 64 slots.
	IOQueueSize int

	// IOQueues is the number of I/O queue pairs requested from the
	// controller. One pair is created. If IOQueues is 0, one is requested.
	IOQueues int

	// PageSize is the memory page size programmed into CC.MPS. It must be a
	// power of two the controller supports. If PageSize is 0, it is 4K.
	PageSize int

	// MaxTransferSize caps the size of a single command's data transfer.
	// It is further limited by the controller's MDTS and by one page of PRP
	// entries. If MaxTransferSize is 0, the cap is 1M.
	MaxTransferSize int

	// NamespaceID is the namespace used for I/O.
	// If NamespaceID is 0, namespace 1 is used.
	NamespaceID uint32

	// CommandTimeout bounds the wait for each command's completion.
	// If CommandTimeout is 0, it is 5s.
	CommandTimeout time.Duration

	// Clock is used for every timeout. If Clock is nil, the wall clock is used.
	Clock Clock

	// Alloc provides rings, the PRP list and scratch buffers. It is required.
	Alloc dma.Allocator

	// Cache is used to hand memory to and from the controller.
	// If Cache is nil, memory is assumed to be coherent.
	Cache dma.Cache

	// IOMMU, if set, is asked to open a window for every buffer the
	// controller touches. Refused windows are logged and ignored.
	IOMMU dma.IOMMU

	// IOMMUCookie identifies the controller to the IOMMU.
	IOMMUCookie uint64

	// Logger receives the driver's logs. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

const (
	QueueSizeMin  = 2
	AdminSizeMax  = 4096
	IOSizeMax     = 65536
	PageSizeMin   = 1 << 12
	BlockShiftMin = 9
)

// State is a controller's position in its lifecycle.
type State int

const (
	StateDisabled State = iota
	StateEnabling
	StateAdminQueueReady
	StateIdentified
	StateIOQueueReady
	StateActive
	StateFailedInit
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateAdminQueueReady:
		return "admin queue ready"
	case StateIdentified:
		return "identified"
	case StateIOQueueReady:
		return "io queue ready"
	case StateActive:
		return "active"
	case StateFailedInit:
		return "failed init"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller owns an enabled controller's queue pairs and PRP resources.
// It is not safe for concurrent use.
type Controller struct {
	regs  reg.Registers
	cap   reg.Cap
	cfg   Config
	alloc dma.Allocator
	cache dma.Cache
	iommu dma.IOMMU
	clock Clock
	log   *slog.Logger

	state     State
	admin     *queuePair
	io        *queuePair
	cid       uint16
	nsid      uint32
	pageSize  int
	pageShift uint

	idCtrl  proto.IdentifyController
	idNS    proto.IdentifyNamespace
	scratch *dma.Buffer
	prp     *prpList

	teardown []step
}

// step undoes one part of bring-up.
type step struct {
	name string
	undo func() error
}

// New brings up the controller behind regs. If any step fails, everything
// done so far is undone in reverse order and the first error is returned.
func New(regs reg.Registers, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	c := &Controller{
		regs:      regs,
		cap:       reg.Cap(regs.Read64(reg.OffCAP)),
		cfg:       cfg,
		alloc:     cfg.Alloc,
		cache:     cfg.Cache,
		iommu:     cfg.IOMMU,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		nsid:      cfg.NamespaceID,
		pageSize:  cfg.PageSize,
		pageShift: uint(bits.TrailingZeros(uint(cfg.PageSize))),
	}

	if err := c.bringUp(); err != nil {
		failed := c.state
		c.setState(StateFailedInit)
		c.log.Error("controller bring-up failed", "state", failed, "err", err)
		c.unwind()

		return nil, err
	}

	return c, nil
}

func (c *Controller) bringUp() error {
	if !c.cap.NVM() {
		return fmt.Errorf("%w: NVM command set (CAP.CSS %#x)", ErrNotSupported, c.cap.CSS())
	}

	if c.pageShift < c.cap.MPSMIN() || c.pageShift > c.cap.MPSMAX() {
		return fmt.Errorf("%w: page size %d outside %d..%d", ErrNotSupported,
			c.pageSize, 1<<c.cap.MPSMIN(), 1<<c.cap.MPSMAX())
	}

	if mqes := int(c.cap.MQES()) + 1; c.cfg.AdminQueueSize > mqes || c.cfg.IOQueueSize > mqes {
		return fmt.Errorf("%w: queue size exceeds CAP.MQES (%d entries)", ErrNotSupported, mqes)
	}

	if err := c.setEnable(false); err != nil {
		return fmt.Errorf("nvme: disable: %w", err)
	}

	admin, err := c.constructPair(c.cfg.AdminQueueSize, c.pageSize, 0)
	if err != nil {
		return fmt.Errorf("nvme: admin queue: %w", err)
	}

	c.admin = admin
	c.push("admin queue", func() error { return c.destroyPair(admin) })

	c.regs.Write32(reg.OffAQA, reg.MakeAQA(c.cfg.AdminQueueSize, c.cfg.AdminQueueSize))
	c.regs.Write64(reg.OffASQ, admin.sq.buf.Addr)
	c.regs.Write64(reg.OffACQ, admin.cq.buf.Addr)
	c.regs.Write32(reg.OffCC, uint32(reg.MakeCC(c.pageShift, proto.SQESLog2, proto.CQESLog2)))

	c.setState(StateEnabling)
	c.push("disable", c.shutdown)
	if err := c.setEnable(true); err != nil {
		return fmt.Errorf("nvme: enable: %w", err)
	}

	c.setState(StateAdminQueueReady)

	if err := c.allocScratch(); err != nil {
		return fmt.Errorf("nvme: identify buffer: %w", err)
	}

	if err := c.identifyController(); err != nil {
		return fmt.Errorf("nvme: identify controller: %w", err)
	}

	prp, err := c.newPRPList(c.maxTransfer())
	if err != nil {
		return fmt.Errorf("nvme: prp list: %w", err)
	}

	c.prp = prp
	c.push("prp list", func() error { return c.freePRPList(prp) })

	if err := c.identifyNamespace(); err != nil {
		return fmt.Errorf("nvme: identify namespace %d: %w", c.nsid, err)
	}

	c.setState(StateIdentified)

	if err := c.requestQueues(c.cfg.IOQueues); err != nil {
		return fmt.Errorf("nvme: set number of queues: %w", err)
	}

	io, err := c.constructPair(c.cfg.IOQueueSize, c.pageSize, 1)
	if err != nil {
		return fmt.Errorf("nvme: io queue: %w", err)
	}

	c.push("io queue", func() error { return c.destroyPair(io) })

	if err := c.createIOCQ(io); err != nil {
		return fmt.Errorf("nvme: create io completion queue: %w", err)
	}

	c.push("delete io completion queue", func() error { return c.deleteIOCQ(io.id) })

	if err := c.createIOSQ(io); err != nil {
		return fmt.Errorf("nvme: create io submission queue: %w", err)
	}

	c.push("delete io submission queue", func() error { return c.deleteIOSQ(io.id) })

	c.io = io
	c.setState(StateIOQueueReady)
	c.setState(StateActive)

	return nil
}

// Close deletes the I/O queues, shuts the controller down and frees its
// memory. Failures along the way are logged and returned together; the
// remaining steps still run.
func (c *Controller) Close() error {
	if c.state == StateClosed {
		return nil
	}

	err := c.unwind()
	c.io = nil
	c.admin = nil
	c.setState(StateClosed)

	return err
}

// State returns the controller's lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// Identify returns the identify controller data.
func (c *Controller) Identify() *proto.IdentifyController {
	return &c.idCtrl
}

// Namespace returns the identify namespace data of the namespace used for I/O.
func (c *Controller) Namespace() *proto.IdentifyNamespace {
	return &c.idNS
}

// NamespaceID returns the namespace used for I/O.
func (c *Controller) NamespaceID() uint32 {
	return c.nsid
}

// PageSize returns the memory page size.
func (c *Controller) PageSize() int {
	return c.pageSize
}

// MaxTransferSize returns the largest single transfer in bytes.
func (c *Controller) MaxTransferSize() int {
	return c.prp.maxSize
}

func (c *Controller) push(name string, undo func() error) {
	c.teardown = append(c.teardown, step{name, undo})
}

func (c *Controller) unwind() error {
	var errs []error
	for i := len(c.teardown) - 1; i >= 0; i-- {
		s := c.teardown[i]
		if err := s.undo(); err != nil {
			c.log.Warn("teardown step failed", "step", s.name, "err", err)
			errs = append(errs, fmt.Errorf("nvme: %s: %w", s.name, err))
		}
	}

	c.teardown = nil
	return errors.Join(errs...)
}

func (c *Controller) setState(s State) {
	if c.state != s {
		c.log.Debug("controller state", "from", c.state, "to", s)
		c.state = s
	}
}

// setEnable sets CC.EN and waits for CSTS.RDY to follow.
func (c *Controller) setEnable(en bool) error {
	if c.ready() == en {
		return nil
	}

	cc := reg.CC(c.regs.Read32(reg.OffCC)).WithEN(en)
	c.regs.Write32(reg.OffCC, uint32(cc))

	timeout := c.readyTimeout()
	err := PollUntil(c.clock, timeout, func() (bool, error) {
		return c.ready() == en, nil
	})

	if err != nil {
		return fmt.Errorf("%w: CSTS.RDY != %v after %v", err, en, timeout)
	}

	return nil
}

// shutdown notifies a ready controller of a normal shutdown and disables
// it. A controller that never became ready just has EN cleared.
func (c *Controller) shutdown() error {
	cc := reg.CC(c.regs.Read32(reg.OffCC))
	if !c.ready() {
		c.regs.Write32(reg.OffCC, uint32(cc.WithEN(false)))
		return nil
	}

	c.regs.Write32(reg.OffCC, uint32(cc.WithSHN(reg.ShnNormal)))

	err := PollUntil(c.clock, c.readyTimeout(), func() (bool, error) {
		return reg.CSTS(c.regs.Read32(reg.OffCSTS)).SHST() == reg.ShstComplete, nil
	})

	if err != nil {
		c.log.Warn("shutdown not acknowledged", "err", err)
	}

	cc = reg.CC(c.regs.Read32(reg.OffCC)).WithSHN(reg.ShnNone)
	c.regs.Write32(reg.OffCC, uint32(cc))

	return c.setEnable(false)
}

func (c *Controller) ready() bool {
	return reg.CSTS(c.regs.Read32(reg.OffCSTS)).RDY()
}

// readyTimeout is CAP.TO in 500ms units, at least one unit.
func (c *Controller) readyTimeout() time.Duration {
	return time.Duration(max(c.cap.TO(), 1)) * 500 * time.Millisecond
}

// maxTransfer returns the configured transfer cap limited by MDTS.
func (c *Controller) maxTransfer() int {
	n := c.cfg.MaxTransferSize
	if mdts := c.idCtrl.MDTS; mdts != 0 {
		n = min(n, int(1)<<(uint(mdts)+c.cap.MPSMIN()))
	}

	return n
}

func (c *Controller) allocScratch() error {
	buf, err := c.alloc.Alloc(c.pageSize, c.pageSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	c.scratch = buf
	release := c.protect(buf.Addr, len(buf.Bytes), dma.AccessWrite)

	c.push("identify buffer", func() error {
		release()
		return c.alloc.Free(buf)
	})

	return nil
}

func (cfg Config) validate() error {
	if cfg.Alloc == nil {
		return errors.New("allocator is not set")
	}

	if cfg.AdminQueueSize < QueueSizeMin || cfg.AdminQueueSize > AdminSizeMax {
		return fmt.Errorf("admin queue size %d outside %d..%d", cfg.AdminQueueSize, QueueSizeMin, AdminSizeMax)
	}

	if cfg.IOQueueSize < QueueSizeMin || cfg.IOQueueSize > IOSizeMax {
		return fmt.Errorf("io queue size %d outside %d..%d", cfg.IOQueueSize, QueueSizeMin, IOSizeMax)
	}

	if cfg.IOQueues < 1 || cfg.IOQueues > 0xffff {
		return fmt.Errorf("io queue count %d outside 1..65535", cfg.IOQueues)
	}

	if cfg.PageSize < PageSizeMin || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return fmt.Errorf("page size %d is not a power of two >= %d", cfg.PageSize, PageSizeMin)
	}

	if cfg.MaxTransferSize < 1<<BlockShiftMin {
		return fmt.Errorf("max transfer size %d is smaller than a block", cfg.MaxTransferSize)
	}

	if cfg.CommandTimeout < 0 {
		return fmt.Errorf("command timeout %v is negative", cfg.CommandTimeout)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.AdminQueueSize == 0 {
		cfg.AdminQueueSize = 32
	}

	if cfg.IOQueueSize == 0 {
		cfg.IOQueueSize = 64
	}

	if cfg.IOQueues == 0 {
		cfg.IOQueues = 1
	}

	if cfg.PageSize == 0 {
		cfg.PageSize = PageSizeMin
	}

	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = 1 << 20
	}

	if cfg.NamespaceID == 0 {
		cfg.NamespaceID = 1
	}

	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Second
	}

	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}

	if cfg.Cache == nil {
		cfg.Cache = dma.Coherent{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
