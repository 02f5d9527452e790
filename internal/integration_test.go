//go:build linux && !e2e

package internal

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/mount"
	"github.com/ivoronin/fusestress/internal/phases"
	"github.com/ivoronin/fusestress/internal/report"
	"github.com/ivoronin/fusestress/internal/scheduler"
	"github.com/ivoronin/fusestress/internal/testfs"
)

func init() {
	color.NoColor = true
}

// mountLoopback serves backing at mnt from this process. Tests skip when
// the host cannot mount FUSE (no /dev/fuse, no fusermount, no privilege).
func mountLoopback(t *testing.T, backing, mnt string) *fuse.Server {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("no /dev/fuse")
	}

	root, err := fs.NewLoopbackRoot(backing)
	require.NoError(t, err)

	var zero time.Duration
	server, err := fs.Mount(mnt, root, &fs.Options{
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
		MountOptions: fuse.MountOptions{
			Name:    "loopfs",
			Options: []string{"default_permissions"},
		},
	})
	if err != nil {
		t.Skipf("cannot mount FUSE here: %v", err)
	}
	t.Cleanup(func() { _ = server.Unmount() })
	return server
}

// TestPhasesOverFUSE runs the unprivileged phases against a real FUSE mount.
func TestPhasesOverFUSE(t *testing.T) {
	dir := t.TempDir()
	backing := filepath.Join(dir, "backing")
	mnt := filepath.Join(dir, "mnt")
	scratch := filepath.Join(dir, "scratch")
	for _, d := range []string{backing, mnt, scratch} {
		require.NoError(t, os.Mkdir(d, 0o755))
	}

	server := mountLoopback(t, backing, mnt)

	mounted, err := mount.IsMounted(mnt)
	require.NoError(t, err)
	require.True(t, mounted)

	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)
	var out bytes.Buffer
	rep := report.New(&out, entry, nil, "integration")
	env := &phases.Env{
		MountPoint: mnt,
		Scratch:    scratch,
		Run:        executor.New(entry, nil, time.Minute),
		Reporter:   rep,
		Log:        entry,
	}

	sched := scheduler.New(env, entry,
		phases.LargeFile{Size: 4<<20 + 17, BlockSize: 1 << 20},
		phases.ManyFiles{Count: 64, Size: 128, Samples: 16, Seed: 7, Dir: "many_files"},
		phases.Links{},
	)

	require.NoError(t, sched.Run(context.Background()), out.String())
	assert.Zero(t, rep.Counts().Failed)
	for _, phase := range []string{"[large]", "[many]", "[links]"} {
		assert.Contains(t, out.String(), phase)
	}

	// Phases leave nothing behind in the mount.
	names, err := testfs.List(mnt)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, server.Unmount())
	mounted, err = mount.IsMounted(mnt)
	require.NoError(t, err)
	assert.False(t, mounted)
}

// TestLinksOverFUSE checks hard link identity as reported through the mount.
func TestLinksOverFUSE(t *testing.T) {
	dir := t.TempDir()
	backing := filepath.Join(dir, "backing")
	mnt := filepath.Join(dir, "mnt")
	require.NoError(t, os.Mkdir(backing, 0o755))
	require.NoError(t, os.Mkdir(mnt, 0o755))
	mountLoopback(t, backing, mnt)

	src := filepath.Join(mnt, "src")
	link := filepath.Join(mnt, "link")
	require.NoError(t, testfs.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, os.Link(src, link))

	a, err := testfs.Inspect(src)
	require.NoError(t, err)
	b, err := testfs.Inspect(link)
	require.NoError(t, err)
	assert.Equal(t, a.Ino, b.Ino)
	assert.Equal(t, uint64(2), b.Nlink)

	require.NoError(t, os.Symlink("src", filepath.Join(mnt, "sym")))
	s, err := testfs.Inspect(filepath.Join(mnt, "sym"))
	require.NoError(t, err)
	assert.True(t, s.IsSymlink())
	assert.True(t, strings.HasSuffix(s.Target, "src"))
}
