// Package reg describes the memory-mapped register block of an NVMe controller
// as defined by the NVM Express Base Specification, Revision 2.0.
package reg

// Registers is a controller's register block. Offsets are in bytes from the
// start of BAR0. Every call is a single access of the stated width; nothing is
// cached between calls.
type Registers interface {
	Read32(off int) uint32
	Write32(off int, v uint32)
	Read64(off int) uint64
	Write64(off int, v uint64)
}

// register offsets

const (
	OffCAP      = 0x00   // controller capabilities (R, 64)
	OffVS       = 0x08   // version (R)
	OffINTMS    = 0x0c   // interrupt mask set (RW)
	OffINTMC    = 0x10   // interrupt mask clear (RW)
	OffCC       = 0x14   // controller configuration (RW)
	OffCSTS     = 0x1c   // controller status (R)
	OffNSSR     = 0x20   // NVM subsystem reset (RW)
	OffAQA      = 0x24   // admin queue attributes (RW)
	OffASQ      = 0x28   // admin submission queue base address (RW, 64)
	OffACQ      = 0x30   // admin completion queue base address (RW, 64)
	OffDoorbell = 0x1000 // first doorbell; stride is 4 << CAP.DSTRD
)

// Cap is the value of the CAP register.
type Cap uint64

// MQES returns the zero-based maximum individual queue size.
func (c Cap) MQES() uint16 { return uint16(c) }

// CQR reports whether queues must be physically contiguous.
func (c Cap) CQR() bool { return c>>16&1 != 0 }

// TO returns the worst-case ready timeout in 500ms units.
func (c Cap) TO() uint8 { return uint8(c >> 24) }

// DSTRD returns the doorbell stride exponent.
func (c Cap) DSTRD() uint8 { return uint8(c>>32) & 0xf }

// CSS returns the command sets supported bit field.
func (c Cap) CSS() uint8 { return uint8(c >> 37) }

// NVM reports whether the NVM command set is supported.
func (c Cap) NVM() bool { return c.CSS()&CSSNVM != 0 }

// MPSMIN returns log2 of the minimum memory page size.
func (c Cap) MPSMIN() uint { return 12 + uint(c>>48&0xf) }

// MPSMAX returns log2 of the maximum memory page size.
func (c Cap) MPSMAX() uint { return 12 + uint(c>>52&0xf) }

// command sets

const (
	CSSNVM   = 1 << 0 // NVM command set
	CSSNoIO  = 1 << 7 // admin only
	ccCSSNVM = 0
)

// MakeCap assembles a CAP value. It is the inverse of the Cap accessors and is
// used by emulated controllers.
func MakeCap(mqes uint16, to uint8, dstrd uint8, css uint8, mpsmin, mpsmax uint) Cap {
	return Cap(uint64(mqes) |
		1<<16 | // CQR
		uint64(to)<<24 |
		uint64(dstrd&0xf)<<32 |
		uint64(css)<<37 |
		uint64((mpsmin-12)&0xf)<<48 |
		uint64((mpsmax-12)&0xf)<<52)
}

// CC is the value of the CC register.
type CC uint32

const (
	ccEN     = 1 << 0
	ccShnMsk = 3 << 14
)

// shutdown notification values

const (
	ShnNone   = 0
	ShnNormal = 1
	ShnAbrupt = 2
)

// EN reports whether the enable bit is set.
func (c CC) EN() bool { return c&ccEN != 0 }

// WithEN returns c with the enable bit set to en.
func (c CC) WithEN(en bool) CC {
	if en {
		return c | ccEN
	}

	return c &^ ccEN
}

// MPS returns log2 of the configured memory page size.
func (c CC) MPS() uint { return 12 + uint(c>>7&0xf) }

// SHN returns the shutdown notification field.
func (c CC) SHN() uint8 { return uint8(c>>14) & 3 }

// WithSHN returns c with the shutdown notification field set to v.
func (c CC) WithSHN(v uint8) CC { return c&^ccShnMsk | CC(v&3)<<14 }

// IOSQES returns log2 of the I/O submission queue entry size.
func (c CC) IOSQES() uint { return uint(c >> 16 & 0xf) }

// IOCQES returns log2 of the I/O completion queue entry size.
func (c CC) IOCQES() uint { return uint(c >> 20 & 0xf) }

// MakeCC assembles a CC value with the NVM command set, round robin
// arbitration and the given page size and entry sizes. EN is left clear.
func MakeCC(pageShift, sqes, cqes uint) CC {
	return CC(ccCSSNVM<<4 |
		uint32((pageShift-12)&0xf)<<7 |
		0<<11 | // AMS round robin
		uint32(sqes&0xf)<<16 |
		uint32(cqes&0xf)<<20)
}

// CSTS is the value of the CSTS register.
type CSTS uint32

// shutdown status values

const (
	ShstNormal   = 0
	ShstOccuring = 1
	ShstComplete = 2
)

const (
	cstsRDY = 1 << 0
	cstsCFS = 1 << 1
)

// RDY reports whether the controller is ready.
func (s CSTS) RDY() bool { return s&cstsRDY != 0 }

// CFS reports controller fatal status.
func (s CSTS) CFS() bool { return s&cstsCFS != 0 }

// SHST returns the shutdown status field.
func (s CSTS) SHST() uint8 { return uint8(s>>2) & 3 }

// MakeCSTS assembles a CSTS value.
func MakeCSTS(rdy, cfs bool, shst uint8) CSTS {
	var s CSTS
	if rdy {
		s |= cstsRDY
	}

	if cfs {
		s |= cstsCFS
	}

	return s | CSTS(shst&3)<<2
}

// MakeAQA assembles an AQA value from one-based admin queue sizes.
func MakeAQA(sqSize, cqSize int) uint32 {
	return uint32(cqSize-1)&0xfff<<16 | uint32(sqSize-1)&0xfff
}

// SplitAQA returns the one-based admin queue sizes held in an AQA value.
func SplitAQA(v uint32) (sqSize, cqSize int) {
	return int(v&0xfff) + 1, int(v>>16&0xfff) + 1
}

// DoorbellStride returns the distance in bytes between two doorbells.
func DoorbellStride(dstrd uint8) int {
	return 4 << dstrd
}

// SQTailDoorbell returns the offset of the tail doorbell of submission queue id.
func SQTailDoorbell(id uint16, dstrd uint8) int {
	return OffDoorbell + (2*int(id))*DoorbellStride(dstrd)
}

// CQHeadDoorbell returns the offset of the head doorbell of completion queue id.
func CQHeadDoorbell(id uint16, dstrd uint8) int {
	return OffDoorbell + (2*int(id)+1)*DoorbellStride(dstrd)
}

// ParseDoorbell is the inverse of SQTailDoorbell and CQHeadDoorbell.
// It returns ok=false if off isn't a doorbell.
func ParseDoorbell(off int, dstrd uint8) (id uint16, isCQ bool, ok bool) {
	stride := DoorbellStride(dstrd)
	if off < OffDoorbell || (off-OffDoorbell)%stride != 0 {
		return 0, false, false
	}

	n := (off - OffDoorbell) / stride
	if n/2 > 0xffff {
		return 0, false, false
	}

	return uint16(n / 2), n%2 == 1, true
}
