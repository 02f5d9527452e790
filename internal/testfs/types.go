// Package testfs generates test content and inspects what a filesystem
// reports back about it.
//
// It has three parts:
//
//   - Sow: stream generated content to disk (random bulk data, short
//     alphanumeric payloads) without holding it in memory
//   - Reap: capture the observable state of a path (inode, link count,
//     size, type, symlink target) via lstat
//   - E2E (build tag e2e): a Docker container harness that runs the
//     fusestress binary against the loopfs reference service
//
// # Entry Field Sources
//
//	| Field  | Source                 | Used by                    |
//	|--------|------------------------|----------------------------|
//	| Ino    | lstat st_ino           | hard link identity checks  |
//	| Nlink  | lstat st_nlink         | hard link count checks     |
//	| Size   | lstat st_size          | transfer size checks       |
//	| Mode   | lstat st_mode          | symlink vs regular checks  |
//	| Target | readlink (links only)  | symlink binding checks     |
package testfs

import (
	"fmt"
	"io/fs"
	"time"
)

// -----------------------------------------------------------------------------
// Reap Types (state captured from a path)
// -----------------------------------------------------------------------------

// Entry is the lstat view of one path.
type Entry struct {
	Path   string
	Ino    uint64
	Nlink  uint64
	Size   int64
	Mode   fs.FileMode
	Target string // Symlink target, empty for other types
}

// IsSymlink reports whether the entry is a symbolic link.
func (e Entry) IsSymlink() bool { return e.Mode&fs.ModeSymlink != 0 }

// IsRegular reports whether the entry is a regular file.
func (e Entry) IsRegular() bool { return e.Mode.IsRegular() }

// -----------------------------------------------------------------------------
// Execution Result Types
// -----------------------------------------------------------------------------

// RunResult captures one command executed in a container.
type RunResult struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// String formats the result for assertion messages.
func (r RunResult) String() string {
	return fmt.Sprintf("%v exited %d after %s\n--- stdout ---\n%s--- stderr ---\n%s",
		r.Argv, r.ExitCode, r.Duration.Round(time.Millisecond), r.Stdout, r.Stderr)
}
