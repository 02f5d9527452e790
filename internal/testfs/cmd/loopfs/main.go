//go:build linux

// loopfs is a reference FUSE service used to exercise fusestress end to end.
//
// It mirrors a backing directory next to the disk image through go-fuse's
// loopback node, so every operation the phases perform lands on a real
// kernel filesystem:
//
//	loopfs <image> <mountpoint> [-o opt[,opt...]]   serve until unmounted
//	mkfs.loopfs <image>                              format (same binary)
//
// Formatting stamps a header at offset 0 of the image without changing its
// size and creates the backing directory <image>.d. Serving refuses images
// without the header.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
)

// header marks a formatted image.
var header = []byte("LOOPFS01")

var log = logrus.New()

func main() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var err error
	if strings.HasPrefix(filepath.Base(os.Args[0]), "mkfs.") {
		err = format(os.Args[1:])
	} else {
		err = serve(os.Args[1:])
	}
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------
// mkfs
// -----------------------------------------------------------------------------

func format(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mkfs.loopfs <image>")
	}
	image := args[0]

	f, err := os.OpenFile(image, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(header, 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	dir := backingDir(image)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return err
	}
	log.WithField("image", image).Info("formatted")
	return nil
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

func serve(args []string) error {
	image, mountPoint, mountOpts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if err := checkHeader(image); err != nil {
		return err
	}

	root, err := newRoot(backingDir(image))
	if err != nil {
		return err
	}

	var zero time.Duration
	server, err := fs.Mount(mountPoint, root, &fs.Options{
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
		MountOptions:    mountOpts,
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}
	log.WithField("mountpoint", mountPoint).Info("serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			log.WithError(err).Warn("unmount on signal")
		}
	}()

	server.Wait()
	log.Info("unmounted")
	return nil
}

// parseArgs splits <image> <mountpoint> [-o opts]. allow_other maps onto the
// go-fuse flag, everything else is passed to the kernel as is.
func parseArgs(args []string) (image, mountPoint string, opts fuse.MountOptions, err error) {
	if len(args) < 2 {
		return "", "", opts, fmt.Errorf("usage: loopfs <image> <mountpoint> [-o opts]")
	}
	image, mountPoint = args[0], args[1]
	opts.FsName = image
	opts.Name = "loopfs"
	opts.Options = []string{"default_permissions"}

	rest := args[2:]
	for len(rest) > 0 {
		if rest[0] != "-o" || len(rest) < 2 {
			return "", "", opts, fmt.Errorf("unexpected argument %q", rest[0])
		}
		for _, o := range strings.Split(rest[1], ",") {
			switch o {
			case "":
			case "allow_other":
				opts.AllowOther = true
			case "debug":
				opts.Debug = true
			default:
				opts.Options = append(opts.Options, o)
			}
		}
		rest = rest[2:]
	}
	return image, mountPoint, opts, nil
}

func checkHeader(image string) error {
	f, err := os.Open(image)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, len(header))
	if _, err := f.ReadAt(buf, 0); err != nil || !bytes.Equal(buf, header) {
		return fmt.Errorf("%s: not a loopfs image", image)
	}
	return nil
}

func backingDir(image string) string {
	return image + ".d"
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// node is a loopback node that drops O_DIRECT before opening the backing
// file. The kernel still issues uncached I/O for direct opens on the mount.
type node struct {
	fs.LoopbackNode
}

var (
	_ fs.NodeOpener  = (*node)(nil)
	_ fs.NodeCreater = (*node)(nil)
)

func newNode(root *fs.LoopbackRoot, _ *fs.Inode, _ string, _ *syscall.Stat_t) fs.InodeEmbedder {
	return &node{LoopbackNode: fs.LoopbackNode{RootData: root}}
}

func newRoot(dir string) (fs.InodeEmbedder, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(dir, &st); err != nil {
		return nil, fmt.Errorf("backing directory: %w", err)
	}
	data := &fs.LoopbackRoot{
		Path:    dir,
		Dev:     uint64(st.Dev), //nolint:unconvert // platform-dependent type
		NewNode: newNode,
	}
	return newNode(data, nil, "", &st), nil
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return n.LoopbackNode.Open(ctx, flags&^uint32(syscall.O_DIRECT))
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return n.LoopbackNode.Create(ctx, name, flags&^uint32(syscall.O_DIRECT), mode, out)
}
