//go:build unix

package testfs

import (
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Reap Operations - Capture observable state
// -----------------------------------------------------------------------------

// Inspect returns the lstat view of path. Symlinks are not followed.
func Inspect(path string) (Entry, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Entry{}, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}

	e := Entry{
		Path:  path,
		Ino:   st.Ino,
		Nlink: uint64(st.Nlink), //nolint:unconvert // platform-dependent type
		Size:  st.Size,
		Mode:  fileMode(uint32(st.Mode)), //nolint:unconvert // uint16 on darwin
	}

	if e.IsSymlink() {
		target, err := os.Readlink(path)
		if err != nil {
			return e, fmt.Errorf("readlink %s: %w", path, err)
		}
		e.Target = target
	}
	return e, nil
}

// List returns the names in dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// Exists reports whether path resolves (without following a final symlink).
// Errors other than "not found" are returned.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// fileMode converts a raw st_mode into an fs.FileMode.
func fileMode(raw uint32) fs.FileMode {
	mode := fs.FileMode(raw & 0o777)
	switch raw & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	}
	if raw&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if raw&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if raw&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}
