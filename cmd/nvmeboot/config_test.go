package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nvmeboot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
driver:
  io_queue_size: 16
  max_transfer_size: 65536
  command_timeout: 250ms
  iommu: true
images:
  - path: disk.img
    block_size: 4096
    serial: EMU0
  - path: https://example.com/initrd.img
    mdts: 2
`)

	got, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	want := config{
		LogLevel: "debug",
		Driver: driverConfig{
			IOQueueSize:     16,
			MaxTransferSize: 65536,
			CommandTimeout:  250 * time.Millisecond,
			IOMMU:           true,
		},
		Images: []imageConfig{
			{Path: "disk.img", BlockSize: 4096, Serial: "EMU0"},
			{Path: "https://example.com/initrd.img", MDTS: 2},
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	level, err := got.level()
	if err != nil {
		t.Fatal(err)
	}

	if level != slog.LevelDebug {
		t.Errorf("level = %v", level)
	}

	if n := got.Driver.nvme().CommandTimeout; n != 250*time.Millisecond {
		t.Errorf("nvme command timeout = %v", n)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field": "driver:\n  queue_depth: 4\n",
		"bad duration":  "driver:\n  command_timeout: soon\n",
		"not a map":     "- 1\n- 2\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, body)); err == nil {
				t.Error("no error")
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		body := "# " + strings.Repeat("x", maxConfigSize) + "\n"
		if _, err := loadConfig(writeConfig(t, body)); err == nil {
			t.Error("no error")
		}
	})
}

func TestLoadConfigEmpty(t *testing.T) {
	for name, path := range map[string]string{
		"no path":    "",
		"empty file": writeConfig(t, ""),
	} {
		cfg, err := loadConfig(path)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}

		if diff := cmp.Diff(config{}, cfg); diff != "" {
			t.Errorf("%s: config (-want +got):\n%s", name, diff)
		}

		if l, _ := cfg.level(); l != slog.LevelInfo {
			t.Errorf("%s: level = %v", name, l)
		}
	}
}

func TestWithImages(t *testing.T) {
	cfg := config{Images: []imageConfig{{Path: "a.img", ReadOnly: true}}}
	got := cfg.withImages([]string{"b.img", "a.img", "b.img", "c.img"})

	want := []imageConfig{
		{Path: "a.img", ReadOnly: true},
		{Path: "b.img"},
		{Path: "c.img"},
	}

	if diff := cmp.Diff(want, got.Images); diff != "" {
		t.Errorf("images (-want +got):\n%s", diff)
	}

	if len(cfg.Images) != 1 {
		t.Errorf("receiver was modified: %+v", cfg.Images)
	}
}

func TestLevelError(t *testing.T) {
	if _, err := (config{LogLevel: "loud"}).level(); err == nil {
		t.Error("no error")
	}
}

func TestPoolSize(t *testing.T) {
	pgsz := os.Getpagesize()
	for _, mts := range []int{0, 4096, 1 << 17, 1<<17 + 1} {
		n := poolSize(driverConfig{MaxTransferSize: mts})
		if n%pgsz != 0 || n < 2*mts+1<<20 {
			t.Errorf("poolSize(%d) = %d", mts, n)
		}
	}
}
