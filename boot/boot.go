// Package boot reads boot payloads off a block device. An initrd is a newc
// cpio archive, optionally gzip compressed, stored in a byte range of a
// namespace.
package boot

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/cavaliergopher/cpio"
)

var ErrNotFound = errors.New("boot: no such file")

// errStop ends a walk early.
var errStop = errors.New("boot: stop")

// Entry describes one file of an initrd.
type Entry struct {
	Name string
	Mode cpio.FileMode
	Size int64
}

// Initrd is an archive stored at Offset in R.
type Initrd struct {
	R      io.ReaderAt
	Offset int64

	// Size is the size of the archive in bytes. If Size is 0, the archive
	// extends to the end of R. R's size comes from its Size method if it has
	// one; otherwise the archive is read up to its trailer.
	Size int64
}

var gzipMagic = []byte{0x1f, 0x8b}

// bufSize batches the archive's small header reads into block device reads.
const bufSize = 128 << 10

// Walk calls fn for every entry in the archive in order. R yields the
// entry's contents and is only valid during the call. Walk stops at the first
// error fn returns.
func (rd *Initrd) Walk(fn func(e Entry, r io.Reader) error) error {
	ar, closer, err := rd.open()
	if err != nil {
		return err
	}

	defer closer()

	for {
		hdr, err := ar.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("boot: read initrd: %w", err)
		}

		e := Entry{
			Name: hdr.Name,
			Mode: hdr.Mode,
			Size: hdr.Size,
		}

		if err := fn(e, ar); err != nil {
			return err
		}
	}
}

// List returns the archive's entries.
func (rd *Initrd) List() ([]Entry, error) {
	var entries []Entry
	err := rd.Walk(func(e Entry, _ io.Reader) error {
		entries = append(entries, e)
		return nil
	})

	return entries, err
}

// Extract copies the contents of the regular file name to w and returns the
// number of bytes copied.
func (rd *Initrd) Extract(name string, w io.Writer) (n int64, err error) {
	err = rd.Walk(func(e Entry, r io.Reader) error {
		if e.Name != name || !e.Mode.IsRegular() {
			return nil
		}

		if n, err = io.Copy(w, r); err != nil {
			return fmt.Errorf("boot: extract %s: %w", name, err)
		}

		if n != e.Size {
			return fmt.Errorf("boot: extract %s: %w", name, io.ErrUnexpectedEOF)
		}

		return errStop
	})

	switch {
	case err == errStop:
		return n, nil

	case err != nil:
		return n, err

	default:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
}

// unbounded is the size of an archive whose end is only known from its trailer.
const unbounded = 1<<63 - 1

func (rd *Initrd) size() int64 {
	if rd.Size != 0 {
		return rd.Size
	}

	if s, ok := rd.R.(interface{ Size() int64 }); ok {
		return s.Size() - rd.Offset
	}

	return unbounded
}

func (rd *Initrd) open() (*cpio.Reader, func(), error) {
	size := rd.size()
	if size == unbounded {
		size -= rd.Offset
	}

	br := bufio.NewReaderSize(io.NewSectionReader(rd.R, rd.Offset, size), bufSize)

	magic, err := br.Peek(len(gzipMagic))
	if err != nil {
		return nil, nil, fmt.Errorf("boot: read initrd: %w", err)
	}

	if !bytes.Equal(magic, gzipMagic) {
		return cpio.NewReader(br), func() {}, nil
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("boot: read initrd: %w", err)
	}

	return cpio.NewReader(zr), func() { zr.Close() }, nil
}
