// Package workspace prepares and destroys the per-run test environment.
//
// The environment is a directory owned by the harness:
//
//	<root>/             workspace, wiped at Prepare and removed at Destroy
//	<root>/mountpoint   empty mount point
//	<root>/disk.img     backing image (created later by diskimage)
//	<root>/.fusestress  marker written by Prepare
//	<root>.lock         flock held for the duration of the run
//
// Prepare unmounts anything left mounted at the mount point by an earlier
// run before wiping the directory. An existing non-empty root without the
// marker is never wiped.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
)

// Marker is the file Prepare leaves in the workspace root.
const Marker = ".fusestress"

var errStillMounted = errors.New("still mounted")

// Environment is the resolved layout of one run.
type Environment struct {
	Root       string
	MountPoint string
	DiskImage  string
	DiskSize   int64
}

// Scratch returns a directory for local temporaries outside the mount.
func (e *Environment) Scratch() string {
	return filepath.Join(e.Root, "scratch")
}

// Controller creates and destroys an Environment.
type Controller struct {
	env     Environment
	run     executor.Runner
	log     *logrus.Entry
	unmount []string
	mounted func(path string) (bool, error)
	lock    *flock.Flock

	// Stale unmount retry schedule.
	attempts uint
	delay    time.Duration
}

// New creates a Controller. unmount is the unmount vector (mount point appended).
func New(env Environment, run executor.Runner, log *logrus.Entry, unmount []string, mounted func(string) (bool, error)) *Controller {
	return &Controller{
		env:      env,
		run:      run,
		log:      log.WithField("workspace", env.Root),
		unmount:  slices.Clone(unmount),
		mounted:  mounted,
		lock:     flock.New(env.Root + ".lock"),
		attempts: 5,
		delay:    200 * time.Millisecond,
	}
}

// Environment returns the managed layout.
func (c *Controller) Environment() *Environment { return &c.env }

// Prepare takes the workspace lock, clears any stale mount and recreates an
// empty workspace with the mount point and scratch directories.
//
// Errors are ConfigurationError: another run holds the lock, or a stale mount
// could not be removed.
func (c *Controller) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.env.Root), 0o755); err != nil {
		return failure.Wrap(failure.Configuration, "workspace parent", err)
	}
	locked, err := c.lock.TryLock()
	if err != nil {
		return failure.Wrap(failure.Configuration, "workspace lock", err)
	}
	if !locked {
		return failure.New(failure.Configuration, "workspace lock", "%s is held by another run", c.lock.Path())
	}

	if err := c.checkOwned(); err != nil {
		_ = c.lock.Unlock()
		return err
	}
	if err := c.clearStaleMount(ctx); err != nil {
		_ = c.lock.Unlock()
		return err
	}

	if err := os.RemoveAll(c.env.Root); err != nil {
		_ = c.lock.Unlock()
		return failure.Wrap(failure.Configuration, "wipe workspace", err)
	}
	for _, dir := range []string{c.env.MountPoint, c.env.Scratch()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = c.lock.Unlock()
			return failure.Wrap(failure.Configuration, "create workspace", err)
		}
	}
	if err := os.WriteFile(filepath.Join(c.env.Root, Marker), nil, 0o644); err != nil {
		_ = c.lock.Unlock()
		return failure.Wrap(failure.Configuration, "create workspace", err)
	}
	c.log.Info("workspace ready")
	return nil
}

// checkOwned refuses a root that exists, has content and was not created
// by Prepare.
func (c *Controller) checkOwned() error {
	entries, err := os.ReadDir(c.env.Root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return failure.Wrap(failure.Configuration, "workspace", err)
	case len(entries) == 0:
		return nil
	}
	if _, err := os.Stat(filepath.Join(c.env.Root, Marker)); err != nil {
		return failure.New(failure.Configuration, "workspace",
			"refusing to wipe %s: not empty and has no %s marker", c.env.Root, Marker)
	}
	return nil
}

// clearStaleMount unmounts a leftover mount at the mount point.
func (c *Controller) clearStaleMount(ctx context.Context) error {
	mounted, err := c.mounted(c.env.MountPoint)
	if err != nil {
		return failure.Wrap(failure.Configuration, "mount table", err)
	}
	if !mounted {
		return nil
	}

	c.log.Warn("stale mount found, unmounting")
	argv := append(slices.Clone(c.unmount), c.env.MountPoint)
	err = retry.Do(
		func() error {
			if _, err := c.run.Run(ctx, executor.Command{Argv: argv, Tolerant: true}); err != nil {
				return retry.Unrecoverable(err)
			}
			still, err := c.mounted(c.env.MountPoint)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if still {
				return errStillMounted
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return failure.Wrap(failure.Configuration, fmt.Sprintf("unmount stale %s", c.env.MountPoint), err)
	}
	return nil
}

// Destroy removes the workspace and releases the lock.
// A workspace whose mount point is still mounted is left in place so the
// mounted filesystem is never recursed into.
func (c *Controller) Destroy() error {
	defer func() { _ = c.lock.Unlock() }()

	if mounted, err := c.mounted(c.env.MountPoint); err != nil || mounted {
		c.log.Warn("mount point still mounted, leaving workspace in place")
		return failure.New(failure.Unmount, "remove workspace", "%s is still mounted", c.env.MountPoint)
	}
	if _, err := os.Stat(filepath.Join(c.env.Root, Marker)); err != nil {
		return failure.New(failure.Configuration, "remove workspace", "%s has no %s marker, leaving it in place", c.env.Root, Marker)
	}
	if err := os.RemoveAll(c.env.Root); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	_ = os.Remove(c.lock.Path())
	c.log.Info("workspace removed")
	return nil
}
