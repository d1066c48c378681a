// Package proto defines the in-memory formats shared by an NVMe host and
// controller: submission and completion queue entries, status codes and the
// identify data structures.
package proto

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// SubmissionEntry has the same layout as a 64-byte NVMe submission queue entry.
type SubmissionEntry struct {
	Opcode uint8
	Flags  uint8 // FUSE and PSDT
	CID    uint16
	NSID   uint32
	_      [2]uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// CompletionEntry has the same layout as a 16-byte NVMe completion queue entry.
type CompletionEntry struct {
	Result uint32 // DW0, command specific
	_      uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Tag    uint16 // status field, phase tag in bit 0
}

const (
	SQESize  = 64
	CQESize  = 16
	SQESLog2 = 6
	CQESLog2 = 4
)

// admin opcodes

const (
	AdminDeleteIOSQ  = 0x00
	AdminCreateIOSQ  = 0x01
	AdminGetLogPage  = 0x02
	AdminDeleteIOCQ  = 0x04
	AdminCreateIOCQ  = 0x05
	AdminIdentify    = 0x06
	AdminAbort       = 0x08
	AdminSetFeatures = 0x09
	AdminGetFeatures = 0x0a
)

// NVM command set opcodes

const (
	CmdFlush = 0x00
	CmdWrite = 0x01
	CmdRead  = 0x02
)

// identify controller or namespace structure (CNS) values

const (
	CNSNamespace        = 0x00
	CNSController       = 0x01
	CNSActiveNamespaces = 0x02
)

// feature identifiers

const (
	FeatArbitration = 0x01
	FeatNumQueues   = 0x07
)

// create queue flags (CDW11)

const (
	QueuePhysContig = 1 << 0
	QueueIntEnable  = 1 << 1
)

// Status is the status field of a completion without the phase tag.
type Status uint16

// status code types

const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
	SCTMediaError      = 0x2
	SCTPath            = 0x3
	SCTVendor          = 0x7
)

// generic command status codes

const (
	SCSuccess               = 0x00
	SCInvalidOpcode         = 0x01
	SCInvalidField          = 0x02
	SCCommandIDConflict     = 0x03
	SCDataTransferError     = 0x04
	SCInternalError         = 0x06
	SCAbortRequested        = 0x07
	SCInvalidNamespace      = 0x0b
	SCPRPOffsetInvalid      = 0x13
	SCNamespaceWriteProtect = 0x20
	SCLBAOutOfRange         = 0x80
)

// command specific status codes

const (
	SCCompletionQueueInvalid = 0x00
	SCInvalidQueueID         = 0x01
	SCInvalidQueueSize       = 0x02
	SCInvalidQueueDeletion   = 0x0c
)

// media and data integrity errors

const (
	SCWriteFault           = 0x80
	SCUnrecoveredReadError = 0x81
)

const statusDNR = 1 << 14

// MakeStatus returns a status with the given type and code. Failures have the
// do-not-retry bit set.
func MakeStatus(sct, sc uint8) Status {
	s := Status(sct&7)<<8 | Status(sc)
	if s != 0 {
		s |= statusDNR
	}

	return s
}

func (s Status) SC() uint8  { return uint8(s) }
func (s Status) SCT() uint8 { return uint8(s>>8) & 7 }
func (s Status) CRD() uint8 { return uint8(s>>11) & 3 }
func (s Status) More() bool { return s>>13&1 != 0 }
func (s Status) DNR() bool  { return s>>14&1 != 0 }
func (s Status) OK() bool   { return s.SCT() == SCTGeneric && s.SC() == SCSuccess }

func (s Status) String() string {
	if name, ok := statusNames[[2]uint8{s.SCT(), s.SC()}]; ok {
		return name
	}

	return fmt.Sprintf("status(sct=%#x sc=%#x)", s.SCT(), s.SC())
}

var statusNames = map[[2]uint8]string{
	{SCTGeneric, SCSuccess}:                        "success",
	{SCTGeneric, SCInvalidOpcode}:                  "invalid opcode",
	{SCTGeneric, SCInvalidField}:                   "invalid field",
	{SCTGeneric, SCCommandIDConflict}:              "command id conflict",
	{SCTGeneric, SCDataTransferError}:              "data transfer error",
	{SCTGeneric, SCInternalError}:                  "internal error",
	{SCTGeneric, SCAbortRequested}:                 "abort requested",
	{SCTGeneric, SCInvalidNamespace}:               "invalid namespace",
	{SCTGeneric, SCPRPOffsetInvalid}:               "PRP offset invalid",
	{SCTGeneric, SCNamespaceWriteProtect}:          "namespace is write protected",
	{SCTGeneric, SCLBAOutOfRange}:                  "LBA out of range",
	{SCTCommandSpecific, SCCompletionQueueInvalid}: "completion queue invalid",
	{SCTCommandSpecific, SCInvalidQueueID}:         "invalid queue identifier",
	{SCTCommandSpecific, SCInvalidQueueSize}:       "invalid queue size",
	{SCTCommandSpecific, SCInvalidQueueDeletion}:   "invalid queue deletion",
	{SCTMediaError, SCWriteFault}:                  "write fault",
	{SCTMediaError, SCUnrecoveredReadError}:        "unrecovered read error",
}

// Phase returns the phase tag.
func (e CompletionEntry) Phase() bool {
	return e.Tag&1 != 0
}

// Status returns the status field.
func (e CompletionEntry) Status() Status {
	return Status(e.Tag >> 1)
}

// SubmissionAt returns the submission entry at the start of b.
func SubmissionAt(b []byte) *SubmissionEntry {
	if len(b) < SQESize || uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		panic("proto: bad submission entry buffer")
	}

	return (*SubmissionEntry)(unsafe.Pointer(&b[0]))
}

// CompletionAt returns the completion entry at the start of b.
func CompletionAt(b []byte) *CompletionEntry {
	if len(b) < CQESize || uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		panic("proto: bad completion entry buffer")
	}

	return (*CompletionEntry)(unsafe.Pointer(&b[0]))
}

// LoadCompletion copies a completion entry that may be written concurrently
// by a device. The dword holding the phase tag is loaded first, so the rest
// of the copy is at least as new as the tag.
func LoadCompletion(p *CompletionEntry) CompletionEntry {
	dw3 := atomic.LoadUint32((*uint32)(unsafe.Pointer(&p.CID)))
	dw2 := atomic.LoadUint32((*uint32)(unsafe.Pointer(&p.SQHead)))

	e := CompletionEntry{
		Result: atomic.LoadUint32(&p.Result),
		SQHead: uint16(dw2),
		SQID:   uint16(dw2 >> 16),
		CID:    uint16(dw3),
		Tag:    uint16(dw3 >> 16),
	}

	return e
}

// StoreCompletion writes e to p, storing the dword holding the phase tag last.
func StoreCompletion(p *CompletionEntry, e CompletionEntry) {
	atomic.StoreUint32(&p.Result, e.Result)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&p.SQHead)), uint32(e.SQHead)|uint32(e.SQID)<<16)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&p.CID)), uint32(e.CID)|uint32(e.Tag)<<16)
}
