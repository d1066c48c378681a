package proto

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/lunixbochs/struc"
)

// IdentifySize is the size of every identify data structure.
const IdentifySize = 4096

// IdentifyController is the identify controller data structure (CNS 01h).
// Only the fields a boot driver looks at are broken out.
type IdentifyController struct {
	VID     uint16     `struc:"uint16,little"`
	SSVID   uint16     `struc:"uint16,little"`
	SN      [20]byte   `struc:"[20]byte"`
	MN      [40]byte   `struc:"[40]byte"`
	FR      [8]byte    `struc:"[8]byte"`
	RAB     uint8      `struc:"uint8"`
	IEEE    [3]byte    `struc:"[3]byte"`
	CMIC    uint8      `struc:"uint8"`
	MDTS    uint8      `struc:"uint8"` // max data transfer, log2 of units of CAP.MPSMIN, 0 = no limit
	CNTLID  uint16     `struc:"uint16,little"`
	VER     uint32     `struc:"uint32,little"`
	Rsvd84  [172]byte  `struc:"[172]byte"`
	OACS    uint16     `struc:"uint16,little"`
	Rsvd258 [254]byte  `struc:"[254]byte"`
	SQES    uint8      `struc:"uint8"`
	CQES    uint8      `struc:"uint8"`
	MAXCMD  uint16     `struc:"uint16,little"`
	NN      uint32     `struc:"uint32,little"`
	ONCS    uint16     `struc:"uint16,little"`
	FUSES   uint16     `struc:"uint16,little"`
	FNA     uint8      `struc:"uint8"`
	VWC     uint8      `struc:"uint8"`
	Rsvd526 [3570]byte `struc:"[3570]byte"`
}

// IdentifyNamespace is the identify namespace data structure (CNS 00h).
type IdentifyNamespace struct {
	NSZE    uint64     `struc:"uint64,little"`
	NCAP    uint64     `struc:"uint64,little"`
	NUSE    uint64     `struc:"uint64,little"`
	NSFEAT  uint8      `struc:"uint8"`
	NLBAF   uint8      `struc:"uint8"` // zero based
	FLBAS   uint8      `struc:"uint8"`
	MC      uint8      `struc:"uint8"`
	DPC     uint8      `struc:"uint8"`
	DPS     uint8      `struc:"uint8"`
	NMIC    uint8      `struc:"uint8"`
	RESCAP  uint8      `struc:"uint8"`
	FPI     uint8      `struc:"uint8"`
	DLFEAT  uint8      `struc:"uint8"`
	Rsvd34  [94]byte   `struc:"[94]byte"`
	LBAF    [16]uint32 `struc:"[16]uint32,little"`
	Rsvd192 [3904]byte `struc:"[3904]byte"`
}

// LBAFormat is an LBA format descriptor.
type LBAFormat uint32

func (f LBAFormat) MS() uint16   { return uint16(f) }
func (f LBAFormat) LBADS() uint8 { return uint8(f >> 16) }
func (f LBAFormat) RP() uint8    { return uint8(f>>24) & 3 }

// MakeLBAFormat returns a format with 1<<lbads byte blocks and ms bytes of metadata.
func MakeLBAFormat(lbads uint8, ms uint16) LBAFormat {
	return LBAFormat(uint32(lbads)<<16 | uint32(ms))
}

// Serial returns the serial number without padding.
func (id *IdentifyController) Serial() string {
	return trim(id.SN[:])
}

// Model returns the model number without padding.
func (id *IdentifyController) Model() string {
	return trim(id.MN[:])
}

// Firmware returns the firmware revision without padding.
func (id *IdentifyController) Firmware() string {
	return trim(id.FR[:])
}

// SetStrings fills the serial, model and firmware fields, padding with spaces.
func (id *IdentifyController) SetStrings(serial, model, firmware string) {
	pad(id.SN[:], serial)
	pad(id.MN[:], model)
	pad(id.FR[:], firmware)
}

func (id *IdentifyController) MarshalBinary() ([]byte, error) {
	return pack(id)
}

func (id *IdentifyController) UnmarshalBinary(b []byte) error {
	return unpack(b, id)
}

// Format returns the LBA format the namespace is formatted with.
func (ns *IdentifyNamespace) Format() LBAFormat {
	return LBAFormat(ns.LBAF[ns.FLBAS&0xf])
}

// BlockShift returns log2 of the namespace's block size.
func (ns *IdentifyNamespace) BlockShift() uint {
	return uint(ns.Format().LBADS())
}

func (ns *IdentifyNamespace) MarshalBinary() ([]byte, error) {
	return pack(ns)
}

func (ns *IdentifyNamespace) UnmarshalBinary(b []byte) error {
	return unpack(b, ns)
}

func pack(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(IdentifySize)

	if err := struc.Pack(&buf, v); err != nil {
		return nil, fmt.Errorf("proto: pack %T: %w", v, err)
	}

	return buf.Bytes(), nil
}

func unpack(b []byte, v any) error {
	if len(b) < IdentifySize {
		return fmt.Errorf("proto: unpack %T: short buffer (%d bytes)", v, len(b))
	}

	if err := struc.Unpack(bytes.NewReader(b[:IdentifySize]), v); err != nil {
		return fmt.Errorf("proto: unpack %T: %w", v, err)
	}

	return nil
}

func trim(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
