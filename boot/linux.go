package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNotBzImage = errors.New("boot: not a bzImage")
	ErrNo64Bit    = errors.New("boot: kernel has no 64-bit entry point")
	ErrProtocol   = errors.New("boot: boot protocol too old")
	ErrNoRoom     = errors.New("boot: memory is too small")
	ErrCmdline    = errors.New("boot: command line too long")
)

// Physical layout of a staged kernel.
const (
	ZeropageAddr = 0x0001_0000
	CmdlineAddr  = 0x0002_0000
	KernelAddr   = 0x0010_0000

	// 32-bit PCI hole. RAM above it is remapped past 4G.
	holeAddr      = 0xc000_0000
	afterHoleAddr = 0x1_0000_0000
)

// SetupHeaderMagic is the value of SetupHeader.Header in a bzImage ("HdrS").
const SetupHeaderMagic = 0x53726448

// ZeropageSize is the size of struct boot_params.
const ZeropageSize = 0x1000

// Setup header bits.
const (
	loadedHigh  = 1 << 0 // loadflags: protected-mode code is at 0x100000
	xlfKernel64 = 1 << 0 // xloadflags: 64-bit entry point at +0x200

	minProtocol = 0x0206
	e820RAM     = 1
)

var le = binary.LittleEndian

// BootParams is the zeropage handed to a Linux kernel. Fields the loader
// never touches are blank. The encoding/binary layout matches the packed C
// struct byte for byte.
type BootParams struct {
	_           [0x1e8]byte
	E820Entries uint8 // 0x1e8
	_           [8]byte
	Hdr         SetupHeader // 0x1f1
	_           [100]byte
	E820Table   [128]E820Entry // 0x2d0
	_           [0x330]byte
}

// E820Entry is one region of the firmware memory map.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// SetupHeader describes how to boot a kernel. A loader copies it out of the
// image, fills in its own fields and places it in a clean zeropage.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	Syssize             uint32 // protected-mode code size in 16-byte units
	RamSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	RealmodeSwtch       uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	Loadflags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdLinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	Xloadflags          uint16
	CmdlineSize         uint32 // max length, excluding the NUL
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// MarshalBinary encodes the params as struct boot_params.
func (bp *BootParams) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	b.Grow(ZeropageSize)

	if err := binary.Write(&b, le, bp); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// UnmarshalBinary decodes a struct boot_params. It returns
// io.ErrUnexpectedEOF if data is shorter than a zeropage.
func (bp *BootParams) UnmarshalBinary(data []byte) error {
	if len(data) < ZeropageSize {
		return io.ErrUnexpectedEOF
	}

	return binary.Read(bytes.NewReader(data[:ZeropageSize]), le, bp)
}

// Linux is a bzImage stored at Offset in Kernel, with an optional initrd.
type Linux struct {
	Kernel io.ReaderAt
	Offset int64

	Initrd  *Initrd
	Cmdline string
}

// Staged is a kernel laid out in memory and ready to enter.
type Staged struct {
	Params BootParams

	// Entry is the 64-bit entry point. The zeropage address goes in RSI.
	Entry    uint64
	Zeropage uint64

	KernelSize int
	InitrdAddr uint64
	InitrdSize int
}

// Header reads and checks the image's setup header.
func (l *Linux) Header() (*SetupHeader, error) {
	zpg := make([]byte, ZeropageSize)
	if _, err := l.Kernel.ReadAt(zpg, l.Offset); err != nil {
		return nil, fmt.Errorf("boot: read bzImage: %w", err)
	}

	var bp BootParams
	if err := bp.UnmarshalBinary(zpg); err != nil {
		return nil, fmt.Errorf("boot: read bzImage: %w", err)
	}

	hdr := &bp.Hdr
	switch {
	case hdr.Header != SetupHeaderMagic:
		return nil, fmt.Errorf("%w: magic %#x", ErrNotBzImage, hdr.Header)

	case hdr.Version < minProtocol:
		return nil, fmt.Errorf("%w: %d.%02d", ErrProtocol, hdr.Version>>8, hdr.Version&0xff)

	case hdr.Xloadflags&xlfKernel64 == 0:
		return nil, ErrNo64Bit
	}

	return hdr, nil
}

// Stage copies the kernel, its command line and the initrd into mem, which is
// physical memory starting at address 0, and builds the zeropage.
func (l *Linux) Stage(mem []byte) (*Staged, error) {
	hdr, err := l.Header()
	if err != nil {
		return nil, err
	}

	st := &Staged{
		Params:   BootParams{Hdr: *hdr},
		Entry:    KernelAddr + 0x200,
		Zeropage: ZeropageAddr,
	}

	p := &st.Params.Hdr
	p.VidMode = 0xffff
	p.TypeOfLoader = 0xff
	p.Loadflags = loadedHigh

	cmdline := strings.Join(strings.Fields(l.Cmdline), " ")
	if uint32(len(cmdline)) > hdr.CmdlineSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrCmdline, len(cmdline), hdr.CmdlineSize)
	}

	if len(mem) < KernelAddr {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoRoom, len(mem))
	}

	copy(mem[CmdlineAddr:], append([]byte(cmdline), 0))
	p.CmdLinePtr = CmdlineAddr

	sects := int64(hdr.SetupSects)
	if sects == 0 {
		sects = 4
	}

	koff := l.Offset + (1+sects)*512
	st.KernelSize = int(hdr.Syssize) * 16

	kend := KernelAddr + st.KernelSize
	if len(mem) < kend {
		return nil, fmt.Errorf("%w: kernel needs %d bytes", ErrNoRoom, kend)
	}

	if _, err := l.Kernel.ReadAt(mem[KernelAddr:kend], koff); err != nil {
		return nil, fmt.Errorf("boot: load kernel: %w", err)
	}

	if l.Initrd != nil {
		if err := l.stageInitrd(st, mem, kend); err != nil {
			return nil, err
		}
	}

	st.Params.E820Entries = uint8(memoryMap(st.Params.E820Table[:0], uint64(len(mem))))

	zpg, err := st.Params.MarshalBinary()
	if err != nil {
		return nil, err
	}

	copy(mem[ZeropageAddr:], zpg)
	return st, nil
}

// stageInitrd places the archive as high as the kernel allows, page aligned.
func (l *Linux) stageInitrd(st *Staged, mem []byte, floor int) error {
	size := l.Initrd.size()
	if size == unbounded {
		return errors.New("boot: stage initrd: size unknown")
	}

	top := min(uint64(st.Params.Hdr.InitrdAddrMax)+1, uint64(len(mem)))
	if uint64(size) > top || (top-uint64(size))&^0xfff < uint64(floor) {
		return fmt.Errorf("%w: initrd needs %d bytes above %#x", ErrNoRoom, size, floor)
	}

	addr := (top - uint64(size)) &^ 0xfff
	if _, err := l.Initrd.R.ReadAt(mem[addr:addr+uint64(size)], l.Initrd.Offset); err != nil {
		return fmt.Errorf("boot: stage initrd: %w", err)
	}

	st.InitrdAddr = addr
	st.InitrdSize = int(size)

	st.Params.Hdr.RamdiskImage = uint32(addr)
	st.Params.Hdr.RamdiskSize = uint32(size)

	return nil
}

// memoryMap fills t with the RAM regions of a machine with memsz bytes and
// returns the number of entries.
func memoryMap(t []E820Entry, memsz uint64) int {
	t = append(t, E820Entry{0, 0x9fc00, e820RAM}) // below 640K

	if memsz <= holeAddr {
		t = append(t, E820Entry{KernelAddr, memsz - KernelAddr, e820RAM})
		return len(t)
	}

	t = append(t,
		E820Entry{KernelAddr, holeAddr - KernelAddr, e820RAM},
		E820Entry{afterHoleAddr, memsz - holeAddr, e820RAM})

	return len(t)
}
