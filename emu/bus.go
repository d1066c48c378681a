package emu

import (
	"fmt"
	"sync"

	"github.com/c35s/nvmeboot/pci"
	"github.com/c35s/nvmeboot/reg"
)

// Bus is a PCIe root complex with one emulated controller per link.
// It implements pci.Bus.
type Bus struct {
	links []*link

	mu  sync.Mutex
	cur int // most recently initialized link, -1 if none
}

type link struct {
	ctrl *Controller
	cfg  *configSpace
	bar  pci.BAR
	up   bool
}

// configSpace is a type 0 configuration header. Only the command register
// is writable.
type configSpace struct {
	mu   sync.Mutex
	regs [16]uint32
}

// BARs are assigned 16K apart starting here.
const (
	barBase = 0xfe00_0000
	barSize = 0x4000
)

// NewBus returns a bus with ctrls on links 0, 1, and so on. A nil controller
// leaves its link empty.
func NewBus(ctrls ...*Controller) *Bus {
	b := &Bus{cur: -1}
	for i, c := range ctrls {
		l := &link{
			ctrl: c,
			bar:  pci.BAR{Start: barBase + uint64(i)*barSize, Size: barSize},
			cfg:  new(configSpace),
		}

		l.cfg.regs[pci.RegVendorID/4] = 0x0001<<16 | vendorID
		l.cfg.regs[pci.RegClass/4] = pci.ClassNVMe<<8 | 0x02
		l.cfg.regs[pci.RegBAR0/4] = uint32(l.bar.Start) | 0x4 // 64-bit memory
		l.cfg.regs[pci.RegBAR0/4+1] = uint32(l.bar.Start >> 32)

		b.links = append(b.links, l)
	}

	return b
}

func (b *Bus) Init(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index < 0 || index >= len(b.links) {
		return fmt.Errorf("%w: link %d", ErrNoDevice, index)
	}

	b.links[index].up = true
	b.cur = index

	return nil
}

func (b *Bus) Device(class uint32) (*pci.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cur < 0 {
		return nil, fmt.Errorf("%w: no link is up", ErrNoDevice)
	}

	l := b.links[b.cur]
	if l.ctrl == nil || class != pci.ClassNVMe {
		return nil, fmt.Errorf("%w: class %#06x on link %d", ErrNoDevice, class, b.cur)
	}

	dev := &pci.Device{
		Index:  b.cur,
		Class:  pci.ClassNVMe,
		Config: l.cfg,
	}

	dev.BAR[0] = l.bar
	return dev, nil
}

func (b *Bus) Map(bar pci.BAR) (reg.Registers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.links {
		if l.bar != bar || l.ctrl == nil {
			continue
		}

		if !l.up {
			return nil, fmt.Errorf("%w: link of BAR %#x is down", ErrNoDevice, bar.Start)
		}

		if l.cfg.Read(pci.RegCommand)&pci.CommandMemorySpace == 0 {
			return nil, fmt.Errorf("emu: BAR %#x: memory space decoding is disabled", bar.Start)
		}

		return l.ctrl, nil
	}

	return nil, fmt.Errorf("%w: BAR %#x", ErrNoDevice, bar.Start)
}

// Reset takes the link down, which resets the controller and clears its
// command register.
func (b *Bus) Reset(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index < 0 || index >= len(b.links) {
		return fmt.Errorf("%w: link %d", ErrNoDevice, index)
	}

	l := b.links[index]
	l.up = false
	l.cfg.Write(pci.RegCommand, 0)

	if l.ctrl != nil {
		l.ctrl.mu.Lock()
		l.ctrl.reset()
		l.ctrl.mu.Unlock()
	}

	if b.cur == index {
		b.cur = -1
	}

	return nil
}

// Command returns the PCI command register of link index.
func (b *Bus) Command(index int) uint32 {
	return b.links[index].cfg.Read(pci.RegCommand) & 0xffff
}

func (cs *configSpace) Read(off int) uint32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if off < 0 || off/4 >= len(cs.regs) {
		return 0xffffffff
	}

	return cs.regs[off/4]
}

func (cs *configSpace) Write(off int, v uint32) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if off == pci.RegCommand {
		cs.regs[off/4] = cs.regs[off/4]&0xffff0000 | v&0xffff
	}
}
