package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/c35s/nvmeboot/emu"
	"github.com/c35s/nvmeboot/nvme"
	"gopkg.in/yaml.v3"
)

// config is the contents of the --config file.
type config struct {
	LogLevel string        `yaml:"log_level"`
	Driver   driverConfig  `yaml:"driver"`
	Images   []imageConfig `yaml:"images"`
}

// driverConfig maps onto nvme.Config.
type driverConfig struct {
	AdminQueueSize  int           `yaml:"admin_queue_size"`
	IOQueueSize     int           `yaml:"io_queue_size"`
	PageSize        int           `yaml:"page_size"`
	MaxTransferSize int           `yaml:"max_transfer_size"`
	Namespace       uint32        `yaml:"namespace"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	IOMMU           bool          `yaml:"iommu"`
}

// imageConfig describes the emulated controller serving one image.
type imageConfig struct {
	Path      string `yaml:"path"`
	BlockSize int    `yaml:"block_size"`
	ReadOnly  bool   `yaml:"read_only"`
	Serial    string `yaml:"serial"`
	MDTS      uint8  `yaml:"mdts"`
	MaxQueues int    `yaml:"max_queues"`
}

// maxConfigSize bounds the config file.
const maxConfigSize = 1 << 20

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("nvmeboot: config: %w", err)
	}

	if info.Size() > maxConfigSize {
		return cfg, fmt.Errorf("nvmeboot: config: %s is larger than %d bytes", path, maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("nvmeboot: config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("nvmeboot: config: %s: %w", path, err)
	}

	return cfg, nil
}

// withImages returns cfg with an image appended for every path not already
// configured.
func (cfg config) withImages(paths []string) config {
	have := make(map[string]bool)
	for _, img := range cfg.Images {
		have[img.Path] = true
	}

	for _, p := range paths {
		if !have[p] {
			cfg.Images = append(cfg.Images, imageConfig{Path: p})
			have[p] = true
		}
	}

	return cfg
}

func (cfg config) level() (slog.Level, error) {
	var l slog.Level
	if cfg.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	if err := l.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return l, fmt.Errorf("nvmeboot: config: log level: %w", err)
	}

	return l, nil
}

func (dc driverConfig) nvme() nvme.Config {
	return nvme.Config{
		AdminQueueSize:  dc.AdminQueueSize,
		IOQueueSize:     dc.IOQueueSize,
		PageSize:        dc.PageSize,
		MaxTransferSize: dc.MaxTransferSize,
		NamespaceID:     dc.Namespace,
		CommandTimeout:  dc.CommandTimeout,
	}
}

func (ic imageConfig) emu(storage emu.Storage) emu.Config {
	return emu.Config{
		Storage:   storage,
		ReadOnly:  ic.ReadOnly,
		BlockSize: ic.BlockSize,
		Serial:    ic.Serial,
		MDTS:      ic.MDTS,
		MaxQueues: ic.MaxQueues,
	}
}
