package boot_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/c35s/nvmeboot/boot"
	"github.com/google/go-cmp/cmp"
)

// setupSects puts the protected-mode kernel right after the zeropage.
const setupSects = 7

// bzImage builds an image whose protected-mode kernel is body.
func bzImage(t *testing.T, body []byte, edit func(h *boot.SetupHeader)) []byte {
	t.Helper()

	bp := boot.BootParams{
		Hdr: boot.SetupHeader{
			SetupSects:    setupSects,
			Syssize:       uint32(len(body) / 16),
			Header:        boot.SetupHeaderMagic,
			Version:       0x020f,
			InitrdAddrMax: 0x7fff_ffff,
			Xloadflags:    1,
			CmdlineSize:   255,
		},
	}

	if edit != nil {
		edit(&bp.Hdr)
	}

	zpg, err := bp.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	return append(zpg, body...)
}

func kernelBody() []byte {
	body := make([]byte, 8192)
	for i := range body {
		body[i] = byte(i*7 + 3)
	}

	return body
}

func TestBootParamsLayout(t *testing.T) {
	bp := boot.BootParams{E820Entries: 2, Hdr: boot.SetupHeader{Header: boot.SetupHeaderMagic}}
	bp.E820Table[1] = boot.E820Entry{Addr: 0x100000, Size: 0x1000, Type: 1}

	data, err := bp.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if len(data) != boot.ZeropageSize {
		t.Fatalf("zeropage is %d bytes", len(data))
	}

	if data[0x1e8] != 2 {
		t.Errorf("e820_entries = %d", data[0x1e8])
	}

	if !bytes.Equal(data[0x202:0x206], []byte("HdrS")) {
		t.Errorf("header = %q", data[0x202:0x206])
	}

	if data[0x2d0+20+2] != 0x10 {
		t.Errorf("e820_table[1].addr = % x", data[0x2d0+20:0x2d0+28])
	}

	var got boot.BootParams
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(bp, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}

	if err := got.UnmarshalBinary(data[:100]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short: error isn't ErrUnexpectedEOF: %v", err)
	}
}

func TestStage(t *testing.T) {
	const off = 512 << 10

	body := kernelBody()
	initrd := archive(t, true)

	disk := make([]byte, 1<<20)
	copy(disk, bzImage(t, body, nil))
	copy(disk[off:], initrd)

	l := &boot.Linux{
		Kernel:  bytes.NewReader(disk),
		Initrd:  &boot.Initrd{R: bytes.NewReader(disk), Offset: off, Size: int64(len(initrd))},
		Cmdline: "  console=ttyS0   rdinit=/init ",
	}

	mem := make([]byte, 8<<20)
	st, err := l.Stage(mem)
	if err != nil {
		t.Fatal(err)
	}

	if st.Entry != boot.KernelAddr+0x200 || st.Zeropage != boot.ZeropageAddr {
		t.Errorf("entry %#x zeropage %#x", st.Entry, st.Zeropage)
	}

	if !bytes.Equal(mem[boot.KernelAddr:boot.KernelAddr+len(body)], body) {
		t.Error("kernel wasn't loaded")
	}

	want := "console=ttyS0 rdinit=/init\x00"
	if got := string(mem[boot.CmdlineAddr : boot.CmdlineAddr+len(want)]); got != want {
		t.Errorf("cmdline = %q", got)
	}

	if st.InitrdAddr%0x1000 != 0 || st.InitrdAddr+uint64(st.InitrdSize) > uint64(len(mem)) {
		t.Errorf("initrd at %#x+%d", st.InitrdAddr, st.InitrdSize)
	}

	if !bytes.Equal(mem[st.InitrdAddr:st.InitrdAddr+uint64(len(initrd))], initrd) {
		t.Error("initrd wasn't loaded")
	}

	var zpg boot.BootParams
	if err := zpg.UnmarshalBinary(mem[boot.ZeropageAddr:]); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(st.Params, zpg); diff != "" {
		t.Errorf("zeropage (-staged +mem):\n%s", diff)
	}

	h := zpg.Hdr
	if h.CmdLinePtr != boot.CmdlineAddr || h.RamdiskImage != uint32(st.InitrdAddr) || h.RamdiskSize != uint32(len(initrd)) {
		t.Errorf("header = %+v", h)
	}

	if h.TypeOfLoader != 0xff || h.VidMode != 0xffff || h.Loadflags&1 == 0 {
		t.Errorf("loader fields = %+v", h)
	}

	wantMap := []boot.E820Entry{
		{Addr: 0, Size: 0x9fc00, Type: 1},
		{Addr: boot.KernelAddr, Size: uint64(len(mem)) - boot.KernelAddr, Type: 1},
	}

	if diff := cmp.Diff(wantMap, zpg.E820Table[:zpg.E820Entries]); diff != "" {
		t.Errorf("memory map (-want +got):\n%s", diff)
	}
}

func TestStageErrors(t *testing.T) {
	body := kernelBody()

	cases := []struct {
		name string
		edit func(h *boot.SetupHeader)
		mem  int
		cmd  string
		want error
	}{
		{"magic", func(h *boot.SetupHeader) { h.Header = 0 }, 4 << 20, "", boot.ErrNotBzImage},
		{"protocol", func(h *boot.SetupHeader) { h.Version = 0x0204 }, 4 << 20, "", boot.ErrProtocol},
		{"32-bit", func(h *boot.SetupHeader) { h.Xloadflags = 0 }, 4 << 20, "", boot.ErrNo64Bit},
		{"cmdline", func(h *boot.SetupHeader) { h.CmdlineSize = 4 }, 4 << 20, "quiet splash", boot.ErrCmdline},
		{"memory", nil, boot.KernelAddr + 4096, "", boot.ErrNoRoom},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := &boot.Linux{
				Kernel:  bytes.NewReader(bzImage(t, body, tc.edit)),
				Cmdline: tc.cmd,
			}

			if _, err := l.Stage(make([]byte, tc.mem)); !errors.Is(err, tc.want) {
				t.Errorf("error isn't %v: %v", tc.want, err)
			}
		})
	}

	t.Run("initrd", func(t *testing.T) {
		img := bzImage(t, body, func(h *boot.SetupHeader) { h.InitrdAddrMax = boot.KernelAddr + 0x4000 - 1 })
		l := &boot.Linux{
			Kernel: bytes.NewReader(img),
			Initrd: &boot.Initrd{R: bytes.NewReader(make([]byte, 0x3000)), Size: 0x3000},
		}

		if _, err := l.Stage(make([]byte, 4<<20)); !errors.Is(err, boot.ErrNoRoom) {
			t.Errorf("error isn't ErrNoRoom: %v", err)
		}
	})
}
