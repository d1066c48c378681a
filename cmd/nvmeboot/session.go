package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/emu"
	"github.com/c35s/nvmeboot/nvme"
)

// session is an image served by an emulated controller and attached by the
// driver. Each session owns its controller; sessions share nothing.
type session struct {
	image imageConfig
	pool  *dma.Pool
	file  *os.File
	dev   *nvme.Device
}

// Each session's DMA pool sits in its own 4G window of device address space.
const poolStride = 1 << 32

func openSession(cfg config, index int, log *slog.Logger) (_ *session, err error) {
	img := cfg.Images[index]
	log = log.With("image", img.Path)

	s := &session{image: img}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	storage, err := s.openStorage()
	if err != nil {
		return nil, err
	}

	s.pool, err = dma.NewPool(uint64(index+1)*poolStride, poolSize(cfg.Driver))
	if err != nil {
		return nil, fmt.Errorf("nvmeboot: %s: %w", img.Path, err)
	}

	ecfg := img.emu(storage)
	ecfg.Memory = s.pool
	ecfg.Logger = log.With("component", "emu")

	dcfg := cfg.Driver.nvme()
	dcfg.Alloc = s.pool
	dcfg.Logger = log

	if cfg.Driver.IOMMU {
		table := new(dma.Table)
		ecfg.IOMMU = table
		dcfg.IOMMU = table
		dcfg.IOMMUCookie = uint64(index)
	}

	ctrl, err := emu.New(ecfg)
	if err != nil {
		return nil, fmt.Errorf("nvmeboot: %s: %w", img.Path, err)
	}

	s.dev, err = nvme.Attach(emu.NewBus(ctrl), 0, dcfg)
	if err != nil {
		return nil, fmt.Errorf("nvmeboot: %s: %w", img.Path, err)
	}

	return s, nil
}

// openStorage opens the image as a file, or as a read-only HTTP resource if
// its path is an http(s) URL.
func (s *session) openStorage() (emu.Storage, error) {
	path := s.image.Path

	if u, err := url.Parse(path); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		s.image.ReadOnly = true
		return &emu.HTTPStorage{URL: u.String()}, nil
	}

	flag := os.O_RDWR
	if s.image.ReadOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("nvmeboot: %w", err)
	}

	s.file = f
	return &emu.FileStorage{File: f}, nil
}

// buffer allocates a DMA buffer big enough for the largest single transfer.
func (s *session) buffer() (*dma.Buffer, error) {
	d := s.dev
	return s.pool.Alloc(d.MaxTransferBlocks()*d.BlockSize(), d.Controller().PageSize())
}

func (s *session) Close() error {
	var errs []error
	if s.dev != nil {
		errs = append(errs, s.dev.Close())
	}

	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}

	if s.file != nil {
		errs = append(errs, s.file.Close())
	}

	return errors.Join(errs...)
}

// poolSize leaves room for the rings, the PRP list, the driver's bounce
// buffer and one transfer buffer.
func poolSize(dc driverConfig) int {
	mts := dc.MaxTransferSize
	if mts == 0 {
		mts = 1 << 20
	}

	pgsz := os.Getpagesize()
	size := 2*mts + 1<<20

	return (size + pgsz - 1) / pgsz * pgsz
}
