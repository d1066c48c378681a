package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/c35s/nvmeboot/boot"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	index int

	lba    uint64
	count  int
	output string
	input  string

	initrdOffset int64
	initrdSize   int64

	kernelOffset int64
	cmdline      string
	memSize      int
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Attach to an image and print its controller and namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			return printIdentify(cmd.OutOrStdout(), s)
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read blocks from an image",
	Long: `Read --count blocks starting at --lba. The data goes to --output, ` +
		`or to stdout, which gets a hex dump if it is a terminal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			return readBlocks(cmd.OutOrStdout(), s)
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a file to an image starting at --lba",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(writeBlocks)
	},
}

var initrdCmd = &cobra.Command{
	Use:   "initrd",
	Short: "Inspect a cpio initrd stored on an image",
}

var initrdListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the files in the initrd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			entries, err := s.initrd().List()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%v\t%d\t%s\n", e.Mode, e.Size, e.Name)
			}

			return tw.Flush()
		})
	},
}

var initrdExtractCmd = &cobra.Command{
	Use:   "extract NAME",
	Short: "Copy a file out of the initrd",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}

				defer f.Close()
				w = f
			}

			n, err := s.initrd().Extract(args[0], w)
			if err != nil {
				return err
			}

			slog.Info("extracted", "name", args[0], "bytes", n)
			return nil
		})
	},
}

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Stage a bzImage and its initrd from an image into memory",
	Long: `Load the bzImage at --offset, and the initrd at --initrd-offset if ` +
		`--initrd-size is set, into --mem MiB of scratch memory and print the ` +
		`resulting boot layout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			return stageKernel(cmd.OutOrStdout(), s)
		})
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Attach to every image at once and summarize them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return probe(cmd.OutOrStdout())
	},
}

func init() {
	for _, c := range []*cobra.Command{identifyCmd, readCmd, writeCmd, initrdCmd, kernelCmd} {
		c.PersistentFlags().IntVarP(&index, "index", "n", 0, "operate on the n-th image")
	}

	readCmd.Flags().Uint64Var(&lba, "lba", 0, "first block")
	readCmd.Flags().IntVar(&count, "count", 1, "number of blocks")
	readCmd.Flags().StringVarP(&output, "output", "o", "", "write data to a file")

	writeCmd.Flags().Uint64Var(&lba, "lba", 0, "first block")
	writeCmd.Flags().StringVar(&input, "from", "", "file to write; the last block is zero padded")
	writeCmd.MarkFlagRequired("from")

	initrdCmd.PersistentFlags().Int64Var(&initrdOffset, "offset", 0, "byte offset of the archive")
	initrdCmd.PersistentFlags().Int64Var(&initrdSize, "size", 0, "archive size in bytes, 0 for the rest of the namespace")
	initrdExtractCmd.Flags().StringVarP(&output, "output", "o", "", "write the file here instead of stdout")

	kf := kernelCmd.Flags()
	kf.Int64Var(&kernelOffset, "offset", 0, "byte offset of the bzImage")
	kf.Int64Var(&initrdOffset, "initrd-offset", 0, "byte offset of the initrd")
	kf.Int64Var(&initrdSize, "initrd-size", 0, "initrd size in bytes; 0 stages no initrd")
	kf.StringVar(&cmdline, "cmdline", "", "kernel command line")
	kf.IntVar(&memSize, "mem", 256, "memory size in MiB")

	initrdCmd.AddCommand(initrdListCmd, initrdExtractCmd)
	rootCmd.AddCommand(identifyCmd, readCmd, writeCmd, initrdCmd, kernelCmd, probeCmd)
}

// withSession attaches to the selected image, runs fn and detaches.
func withSession(fn func(s *session) error) error {
	if err := needImages(); err != nil {
		return err
	}

	if index < 0 || index >= len(cfg.Images) {
		return fmt.Errorf("nvmeboot: image %d of %d", index, len(cfg.Images))
	}

	s, err := openSession(cfg, index, slog.Default())
	if err != nil {
		return err
	}

	return errors.Join(fn(s), s.Close())
}

func (s *session) initrd() *boot.Initrd {
	return &boot.Initrd{R: s.dev, Offset: initrdOffset, Size: initrdSize}
}

func printIdentify(w io.Writer, s *session) error {
	var (
		c  = s.dev.Controller()
		id = c.Identify()
		ns = c.Namespace()
	)

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "image:\t%s\n", s.image.Path)
	fmt.Fprintf(tw, "model:\t%s\n", id.Model())
	fmt.Fprintf(tw, "serial:\t%s\n", id.Serial())
	fmt.Fprintf(tw, "firmware:\t%s\n", id.Firmware())
	fmt.Fprintf(tw, "vendor:\t%#04x\n", id.VID)
	fmt.Fprintf(tw, "version:\t%d.%d.%d\n", id.VER>>16, id.VER>>8&0xff, id.VER&0xff)
	fmt.Fprintf(tw, "namespaces:\t%d\n", id.NN)
	fmt.Fprintf(tw, "namespace:\t%d\n", c.NamespaceID())
	fmt.Fprintf(tw, "blocks:\t%d (%d used)\n", ns.NSZE, ns.NUSE)
	fmt.Fprintf(tw, "block size:\t%d\n", s.dev.BlockSize())
	fmt.Fprintf(tw, "max transfer:\t%d blocks\n", s.dev.MaxTransferBlocks())
	fmt.Fprintf(tw, "page size:\t%d\n", c.PageSize())
	fmt.Fprintf(tw, "iommu:\t%v\n", s.dev.Protected())

	return tw.Flush()
}

func readBlocks(stdout io.Writer, s *session) error {
	if count <= 0 {
		return fmt.Errorf("nvmeboot: read: count %d", count)
	}

	buf, err := s.buffer()
	if err != nil {
		return err
	}

	defer s.pool.Free(buf)

	var (
		d     = s.dev
		bs    = d.BlockSize()
		total = int64(count) * int64(bs)
		w     = stdout
	)

	switch {
	case output != "":
		f, err := os.Create(output)
		if err != nil {
			return err
		}

		defer f.Close()

		bar := progressbar.DefaultBytes(total, "reading")
		defer bar.Close()

		w = io.MultiWriter(f, bar)

	case isTerminal(stdout):
		dump := hex.Dumper(stdout)
		defer dump.Close()

		w = dump
	}

	for done := 0; done < count; {
		n := min(count-done, d.MaxTransferBlocks())
		if err := d.ReadBlocks(buf.Bytes, lba+uint64(done), n); err != nil {
			return err
		}

		if _, err := w.Write(buf.Bytes[:n*bs]); err != nil {
			return err
		}

		done += n
	}

	return nil
}

func writeBlocks(s *session) error {
	f, err := os.Open(input)
	if err != nil {
		return err
	}

	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	buf, err := s.buffer()
	if err != nil {
		return err
	}

	defer s.pool.Free(buf)

	var (
		d   = s.dev
		bs  = d.BlockSize()
		at  = lba
		bar = progressbar.DefaultBytes(info.Size(), "writing")
	)

	defer bar.Close()

	for {
		n, err := io.ReadFull(f, buf.Bytes)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("nvmeboot: read %s: %w", input, err)
		}

		if n == 0 {
			break
		}

		clear(buf.Bytes[n:])

		blocks := (n + bs - 1) / bs
		if err := d.WriteBlocks(buf.Bytes, at, blocks); err != nil {
			return err
		}

		bar.Add(n)
		at += uint64(blocks)

		if err != nil {
			break
		}
	}

	return d.Flush()
}

func stageKernel(w io.Writer, s *session) error {
	l := &boot.Linux{
		Kernel:  s.dev,
		Offset:  kernelOffset,
		Cmdline: cmdline,
	}

	if initrdSize > 0 {
		l.Initrd = &boot.Initrd{R: s.dev, Offset: initrdOffset, Size: initrdSize}
	}

	st, err := l.Stage(make([]byte, memSize<<20))
	if err != nil {
		return err
	}

	h := st.Params.Hdr

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "protocol:\t%d.%02d\n", h.Version>>8, h.Version&0xff)
	fmt.Fprintf(tw, "kernel:\t%#x (%d bytes)\n", boot.KernelAddr, st.KernelSize)
	fmt.Fprintf(tw, "entry:\t%#x\n", st.Entry)
	fmt.Fprintf(tw, "zeropage:\t%#x\n", st.Zeropage)
	fmt.Fprintf(tw, "cmdline:\t%#x\n", h.CmdLinePtr)

	if st.InitrdSize > 0 {
		fmt.Fprintf(tw, "initrd:\t%#x (%d bytes)\n", st.InitrdAddr, st.InitrdSize)
	}

	for _, e := range st.Params.E820Table[:st.Params.E820Entries] {
		fmt.Fprintf(tw, "e820:\t%#x-%#x type %d\n", e.Addr, e.Addr+e.Size, e.Type)
	}

	return tw.Flush()
}

type probeResult struct {
	path   string
	model  string
	blocks uint64
	bs     int
	err    error
}

// probe attaches to every image concurrently. Each goroutine owns its
// session outright.
func probe(w io.Writer) error {
	if err := needImages(); err != nil {
		return err
	}

	var (
		g       errgroup.Group
		results = make([]probeResult, len(cfg.Images))
	)

	for i := range cfg.Images {
		i := i
		g.Go(func() error {
			r := &results[i]
			r.path = cfg.Images[i].Path

			s, err := openSession(cfg, i, slog.Default())
			if err != nil {
				r.err = err
				return nil
			}

			r.model = s.dev.Controller().Identify().Model()
			r.blocks = s.dev.BlockCount()
			r.bs = s.dev.BlockSize()

			return s.Close()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tMODEL\tBLOCKS\tBLOCK SIZE\tSTATUS")

	var failed int
	for _, r := range results {
		status := "ok"
		if r.err != nil {
			status = r.err.Error()
			failed++
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.path, r.model, r.blocks, r.bs, status)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("nvmeboot: %d of %d images failed to attach", failed, len(results))
	}

	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
