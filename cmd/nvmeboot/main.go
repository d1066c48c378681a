// nvmeboot attaches the NVMe driver to emulated controllers backed by disk
// images and runs boot-time operations against them.
package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	imagePaths []string
	verbose    bool

	cfg config
)

var rootCmd = &cobra.Command{
	Use:   "nvmeboot",
	Short: "Drive emulated NVMe controllers the way a boot loader does",
	Long: `nvmeboot serves each --image from an emulated NVMe controller and ` +
		`attaches the polled, single-threaded driver to it. Images may be ` +
		`files or http(s) URLs; URLs are read-only.`,

	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "read settings from a YAML file")
	pf.StringSliceVarP(&imagePaths, "image", "i", nil, "serve an image (file or URL); repeatable")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = loadConfig(configPath); err != nil {
		return err
	}

	cfg = cfg.withImages(imagePaths)

	level, err := cfg.level()
	if err != nil {
		return err
	}

	if verbose {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// needImages fails unless at least one image is configured.
func needImages() error {
	if len(cfg.Images) == 0 {
		return errors.New("nvmeboot: no images; use --image or the config file")
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
