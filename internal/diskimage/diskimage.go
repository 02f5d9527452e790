// Package diskimage creates and formats the backing disk image.
//
// The image is a sparse regular file allocated by an external tool
// (truncate -s by default) and then formatted by the filesystem's own mkfs.
// Its size is fixed at creation: Create refuses to reuse an existing file
// and checks the size again after formatting.
package diskimage

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
)

// Image is a created and formatted disk image.
type Image struct {
	Path string
	Size int64
}

// Provisioner allocates and formats images.
type Provisioner struct {
	run   executor.Runner
	log   *logrus.Entry
	alloc []string // Allocation vector; size and path are appended
	mkfs  string
}

// New creates a Provisioner. alloc receives "<bytes> <path>" as trailing args.
func New(run executor.Runner, log *logrus.Entry, alloc []string, mkfs string) *Provisioner {
	return &Provisioner{run: run, log: log, alloc: slices.Clone(alloc), mkfs: mkfs}
}

// Create allocates a size-byte image at path and formats it.
func (p *Provisioner) Create(ctx context.Context, path string, size int64) (*Image, error) {
	if _, err := os.Lstat(path); err == nil {
		return nil, failure.New(failure.Configuration, "disk image", "%s already exists", path)
	}

	argv := append(slices.Clone(p.alloc), strconv.FormatInt(size, 10), path)
	if _, err := p.run.Run(ctx, executor.Command{Argv: argv}); err != nil {
		return nil, fmt.Errorf("allocate disk image: %w", err)
	}
	if err := checkSize(path, size, "allocated"); err != nil {
		return nil, err
	}
	p.log.Infof("allocated %s disk image %s", humanize.IBytes(uint64(size)), path)

	if _, err := p.run.Run(ctx, executor.Command{Argv: []string{p.mkfs, path}}); err != nil {
		return nil, fmt.Errorf("format disk image: %w", err)
	}
	if err := checkSize(path, size, "formatted"); err != nil {
		return nil, err
	}
	p.log.Infof("formatted disk image with %s", p.mkfs)

	return &Image{Path: path, Size: size}, nil
}

// checkSize asserts the image is a regular file of exactly size bytes.
func checkSize(path string, size int64, stage string) error {
	info, err := os.Stat(path)
	if err != nil {
		return failure.Wrap(failure.Assertion, stage+" disk image", err)
	}
	if !info.Mode().IsRegular() {
		return failure.New(failure.Assertion, stage+" disk image", "%s is not a regular file", path)
	}
	if info.Size() != size {
		return failure.Mismatch(stage+" disk image size", size, info.Size())
	}
	return nil
}
