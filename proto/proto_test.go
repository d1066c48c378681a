package proto_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/c35s/nvmeboot/proto"
	"github.com/google/go-cmp/cmp"
)

func TestEntrySizes(t *testing.T) {
	if n := unsafe.Sizeof(proto.SubmissionEntry{}); n != proto.SQESize {
		t.Errorf("submission entry size %d != %d", n, proto.SQESize)
	}

	if n := unsafe.Sizeof(proto.CompletionEntry{}); n != proto.CQESize {
		t.Errorf("completion entry size %d != %d", n, proto.CQESize)
	}

	if 1<<proto.SQESLog2 != proto.SQESize || 1<<proto.CQESLog2 != proto.CQESize {
		t.Error("entry size logs don't match sizes")
	}
}

// aligned returns a zeroed buffer with the alignment of DMA memory.
func aligned(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func TestSubmissionLayout(t *testing.T) {
	b := aligned(proto.SQESize)
	e := proto.SubmissionAt(b)

	e.Opcode = proto.AdminIdentify
	e.CID = 0x1234
	e.NSID = 1
	e.PRP1 = 0x1122334455667788
	e.CDW10 = proto.CNSController
	e.CDW15 = 0xdeadbeef

	le := binary.LittleEndian
	if b[0] != proto.AdminIdentify {
		t.Errorf("opcode byte %#x", b[0])
	}

	if v := le.Uint16(b[2:]); v != 0x1234 {
		t.Errorf("cid %#x != 0x1234", v)
	}

	if v := le.Uint32(b[4:]); v != 1 {
		t.Errorf("nsid %d != 1", v)
	}

	if v := le.Uint64(b[24:]); v != 0x1122334455667788 {
		t.Errorf("prp1 %#x", v)
	}

	if v := le.Uint32(b[40:]); v != proto.CNSController {
		t.Errorf("cdw10 %#x", v)
	}

	if v := le.Uint32(b[60:]); v != 0xdeadbeef {
		t.Errorf("cdw15 %#x", v)
	}
}

func TestCompletion(t *testing.T) {
	b := aligned(proto.CQESize)
	p := proto.CompletionAt(b)

	want := proto.CompletionEntry{
		Result: 7,
		SQHead: 3,
		SQID:   1,
		CID:    42,
		Tag:    uint16(proto.MakeStatus(proto.SCTGeneric, proto.SCLBAOutOfRange))<<1 | 1,
	}

	proto.StoreCompletion(p, want)

	if v := binary.LittleEndian.Uint16(b[12:]); v != 42 {
		t.Errorf("cid %d != 42", v)
	}

	got := proto.LoadCompletion(p)
	if got != want {
		t.Errorf("loaded %+v != stored %+v", got, want)
	}

	if !got.Phase() {
		t.Error("phase isn't set")
	}

	s := got.Status()
	if s.OK() {
		t.Error("failure status is OK")
	}

	if s.SC() != proto.SCLBAOutOfRange || s.SCT() != proto.SCTGeneric || !s.DNR() {
		t.Errorf("bad status fields: %#x", uint16(s))
	}

	if s.String() != "LBA out of range" {
		t.Errorf("status string %q", s.String())
	}

	if !proto.LoadCompletion(p).Phase() || proto.LoadCompletion(p).Status() != s {
		t.Error("loaded entry decodes differently")
	}
}

func TestStatus(t *testing.T) {
	if s := proto.MakeStatus(proto.SCTGeneric, proto.SCSuccess); s != 0 || !s.OK() {
		t.Errorf("success status %#x", uint16(s))
	}

	s := proto.MakeStatus(proto.SCTCommandSpecific, proto.SCInvalidQueueID)
	if s.OK() || s.SCT() != proto.SCTCommandSpecific || s.SC() != proto.SCInvalidQueueID {
		t.Errorf("bad status fields: %#x", uint16(s))
	}

	if s := proto.MakeStatus(proto.SCTVendor, 0x99); s.String() != "status(sct=0x7 sc=0x99)" {
		t.Errorf("unknown status string %q", s.String())
	}
}

func TestIdentifyController(t *testing.T) {
	var id proto.IdentifyController
	id.VID = 0x1b36
	id.MDTS = 5
	id.NN = 1
	id.VWC = 1
	id.SetStrings("SN0001", "nvmeboot emulated controller", "1.0")

	b, err := id.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != proto.IdentifySize {
		t.Fatalf("len %d != %d", len(b), proto.IdentifySize)
	}

	le := binary.LittleEndian
	if le.Uint16(b[0:]) != 0x1b36 || b[77] != 5 || le.Uint32(b[516:]) != 1 || b[525] != 1 {
		t.Error("fields aren't at their identify offsets")
	}

	if string(b[4:10]) != "SN0001" || b[10] != ' ' {
		t.Errorf("serial bytes %q", b[4:24])
	}

	var got proto.IdentifyController
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(id, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if got.Serial() != "SN0001" || got.Model() != "nvmeboot emulated controller" || got.Firmware() != "1.0" {
		t.Errorf("strings %q %q %q", got.Serial(), got.Model(), got.Firmware())
	}

	if err := got.UnmarshalBinary(b[:100]); err == nil {
		t.Error("short buffer didn't fail")
	}
}

func TestIdentifyNamespace(t *testing.T) {
	b := make([]byte, proto.IdentifySize)

	le := binary.LittleEndian
	le.PutUint64(b[0:], 2048)
	le.PutUint64(b[8:], 2048)
	b[25] = 1 // two formats
	b[26] = 1 // formatted with the second
	le.PutUint32(b[128:], uint32(proto.MakeLBAFormat(9, 0)))
	le.PutUint32(b[132:], uint32(proto.MakeLBAFormat(12, 8)))

	var ns proto.IdentifyNamespace
	if err := ns.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}

	if ns.NSZE != 2048 || ns.NCAP != 2048 {
		t.Errorf("size %d capacity %d", ns.NSZE, ns.NCAP)
	}

	if f := ns.Format(); f.LBADS() != 12 || f.MS() != 8 {
		t.Errorf("format lbads %d ms %d", f.LBADS(), f.MS())
	}

	if ns.BlockShift() != 12 {
		t.Errorf("block shift %d != 12", ns.BlockShift())
	}
}
