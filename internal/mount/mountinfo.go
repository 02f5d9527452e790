package mount

import (
	"fmt"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
)

// IsMounted reports whether path is listed as a mount point in the mount
// table of the current namespace. A path that does not exist is not mounted.
func IsMounted(path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(abs))
	if err != nil {
		return false, fmt.Errorf("read mount table: %w", err)
	}
	return len(mounts) > 0, nil
}

// FSType returns the filesystem type of the mount at path, or "" if path is
// not a mount point.
func FSType(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(abs))
	if err != nil {
		return "", fmt.Errorf("read mount table: %w", err)
	}
	if len(mounts) == 0 {
		return "", nil
	}
	// Stacked mounts: the last entry is the visible one.
	return mounts[len(mounts)-1].FSType, nil
}
