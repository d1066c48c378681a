// Package pci describes the small part of a PCIe bus an NVMe driver needs:
// finding the controller, turning on bus mastering and mapping BAR0.
package pci

import (
	"errors"
	"fmt"

	"github.com/c35s/nvmeboot/reg"
)

// ClassNVMe is the class code of an NVM Express controller
// (mass storage, non-volatile memory, NVMe programming interface).
const ClassNVMe = 0x010802

// config space offsets

const (
	RegVendorID = 0x00 // vendor id (low) and device id (high) (R)
	RegCommand  = 0x04 // command (low) and status (high) (RW)
	RegClass    = 0x08 // revision (low byte) and class code (R)
	RegBAR0     = 0x10 // base address register 0 (RW)
)

// command register bits

const (
	CommandIOSpace     = 1 << 0
	CommandMemorySpace = 1 << 1
	CommandBusMaster   = 1 << 2
	CommandIntxDisable = 1 << 10
)

var ErrNoDevice = errors.New("pci: no such device")

// BAR is a memory base address range.
type BAR struct {
	Start uint64
	Size  uint64
}

// Config is a device's configuration space.
type Config interface {
	Read(off int) uint32
	Write(off int, v uint32)
}

// Device is a function found on the bus.
type Device struct {
	Index  int
	Class  uint32
	BAR    [6]BAR
	Config Config
}

// Bus is a PCIe root complex.
type Bus interface {

	// Init brings up the link of controller index.
	Init(index int) error

	// Device returns the first device of the given class on the initialized link.
	Device(class uint32) (*Device, error)

	// Map returns the register block behind bar.
	Map(bar BAR) (reg.Registers, error)

	// Reset takes down the link of controller index.
	Reset(index int) error
}

// Enable turns on memory space decoding and bus mastering for dev, and
// masks legacy interrupts.
func Enable(dev *Device) {
	v := dev.Config.Read(RegCommand)
	dev.Config.Write(RegCommand, v|CommandMemorySpace|CommandBusMaster|CommandIntxDisable)
}

// Open initializes the link of controller index, finds its NVMe function,
// enables it and maps its registers.
func Open(bus Bus, index int) (*Device, reg.Registers, error) {
	if err := bus.Init(index); err != nil {
		return nil, nil, fmt.Errorf("pci: init link %d: %w", index, err)
	}

	dev, err := bus.Device(ClassNVMe)
	if err != nil {
		bus.Reset(index)
		return nil, nil, fmt.Errorf("pci: link %d: %w", index, err)
	}

	Enable(dev)

	regs, err := bus.Map(dev.BAR[0])
	if err != nil {
		bus.Reset(index)
		return nil, nil, fmt.Errorf("pci: link %d: map BAR0 %#x: %w", index, dev.BAR[0].Start, err)
	}

	return dev, regs, nil
}
