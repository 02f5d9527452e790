package phases

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/testfs"
)

// Links checks hard link identity and symbolic link binding.
type Links struct {
	// Replaced in tests; nil uses os.ReadFile and testfs.Inspect.
	readFile func(path string) ([]byte, error)
	inspect  func(path string) (testfs.Entry, error)
}

func (p Links) read(path string) ([]byte, error) {
	if p.readFile != nil {
		return p.readFile(path)
	}
	return os.ReadFile(path)
}

func (p Links) stat(path string) (testfs.Entry, error) {
	if p.inspect != nil {
		return p.inspect(path)
	}
	return testfs.Inspect(path)
}

// Name implements Phase.
func (Links) Name() string { return "links" }

// Run implements Phase.
func (p Links) Run(ctx context.Context, env *Env) error {
	checks := env.Reporter.Phase(p.Name())
	if err := p.hard(env, checks.Pass); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return failure.Wrap(failure.Command, "links", err)
	}
	return p.symbolic(env, checks.Pass)
}

type passFunc func(format string, args ...any)

// hard: one inode, two names, nlink follows the names.
func (p Links) hard(env *Env, pass passFunc) error {
	src := filepath.Join(env.MountPoint, "hardlink_src.txt")
	link := filepath.Join(env.MountPoint, "hardlink_dst.txt")
	defer removeQuietly(env.Log, src, link)

	content := []byte("hard link content\n")
	appended := []byte("appended through source\n")

	if err := testfs.WriteFile(src, content, 0o644); err != nil {
		return fsErr("create "+src, err)
	}
	if err := os.Link(src, link); err != nil {
		return fsErr("link", err)
	}

	a, err := p.stat(src)
	if err != nil {
		return fsErr("lstat "+src, err)
	}
	b, err := p.stat(link)
	if err != nil {
		return fsErr("lstat "+link, err)
	}
	if err := expect("hard link inode", a.Ino, b.Ino); err != nil {
		return err
	}
	pass("hard link shares inode %d", a.Ino)
	if err := expect("nlink of source", uint64(2), a.Nlink); err != nil {
		return err
	}
	if err := expect("nlink of link", uint64(2), b.Nlink); err != nil {
		return err
	}
	pass("nlink is 2 on both names")

	if err := testfs.AppendFile(src, appended); err != nil {
		return fsErr("append "+src, err)
	}
	want := append(append([]byte{}, content...), appended...)
	if err := readExpect(link, want, "read via hard link after append"); err != nil {
		return err
	}
	pass("append via source visible via link")

	if err := removeFile(src); err != nil {
		return err
	}
	b, err = p.stat(link)
	if err != nil {
		return fsErr("lstat "+link, err)
	}
	if err := expect("nlink after removing source", uint64(1), b.Nlink); err != nil {
		return err
	}
	if err := readExpect(link, want, "content via link after removing source"); err != nil {
		return err
	}
	pass("link survives source removal with nlink 1")

	if err := removeExpectGone(link); err != nil {
		return err
	}
	return nil
}

// symbolic: a name bound to a path, not an inode.
func (p Links) symbolic(env *Env, pass passFunc) error {
	const target = "symlink_target.txt"
	src := filepath.Join(env.MountPoint, target)
	link := filepath.Join(env.MountPoint, "symlink.txt")
	defer removeQuietly(env.Log, src, link)

	first := []byte("symlink target content\n")
	second := []byte("recreated target content\n")

	if err := testfs.WriteFile(src, first, 0o644); err != nil {
		return fsErr("create "+src, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fsErr("symlink", err)
	}

	e, err := p.stat(link)
	if err != nil {
		return fsErr("lstat "+link, err)
	}
	if !e.IsSymlink() || e.IsRegular() {
		return failure.New(failure.Assertion, "lstat "+link, "want symlink, got mode %v", e.Mode)
	}
	if err := expect("symlink target", target, e.Target); err != nil {
		return err
	}
	pass("symlink is a link entry, not a regular file")

	if err := readExpect(link, first, "read through symlink"); err != nil {
		return err
	}
	pass("read through symlink returns target content")

	if err := removeFile(src); err != nil {
		return err
	}
	_, err = p.read(link)
	switch {
	case err == nil:
		return failure.New(failure.Assertion, "read dangling symlink", "succeeded after target removal")
	case !errors.Is(err, syscall.ENOENT):
		return failure.New(failure.Assertion, "read dangling symlink", "want ENOENT, got %v", err)
	}
	pass("dangling symlink fails with ENOENT")

	if err := testfs.WriteFile(src, second, 0o644); err != nil {
		return fsErr("recreate "+src, err)
	}
	if err := readExpect(link, second, "read through symlink after target recreated"); err != nil {
		return err
	}
	pass("symlink resolves to recreated target")

	if err := removeFile(link); err != nil {
		return err
	}
	if err := removeFile(src); err != nil {
		return err
	}
	return nil
}
