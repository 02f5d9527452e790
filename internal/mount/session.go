// Package mount launches the filesystem service and manages its mount.
//
// # Lifecycle
//
//	Unmounted ──Start──▶ Mounting ──ready──▶ Mounted ──Stop──▶ Unmounting ──▶ Unmounted
//	                         │
//	                         └──exhausted / service died──▶ Failed ──Stop──▶ Unmounted
//
// Start launches the service detached in its own session and polls the
// mount table with exponential backoff until the mount point appears. Stop
// asks the OS mount layer to unmount (never the process directly), waits a
// grace period for the service to exit and then kills its process group.
//
// A service that exits with status 0 while Mounting is assumed to have
// daemonized; polling continues. A non-zero exit ends polling immediately.
package mount

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
)

// ErrMountTimeout is wrapped by the TimeoutFailure returned when the mount
// point never appeared.
var ErrMountTimeout = errors.New("mount point did not appear")

// errNotReady drives the readiness retry loop.
var errNotReady = errors.New("not mounted yet")

const (
	// reapDelay bounds the wait for the process after SIGKILL.
	reapDelay = 2 * time.Second
	// logTailSize is how much of the service log is attached to launch failures.
	logTailSize = 4096
)

// State is a session lifecycle state.
type State int

const (
	Unmounted State = iota
	Mounting
	Mounted
	Unmounting
	Failed
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures one session.
type Options struct {
	Exec       string   // Service executable
	DiskImage  string   // First service argument
	MountPoint string   // Second service argument
	Args       []string // Extra service arguments, e.g. -o allow_other
	UnmountCmd []string // Unmount vector; the mount point is appended

	ReadyAttempts uint
	ReadyDelay    time.Duration // Initial backoff delay
	ReadyMaxDelay time.Duration // Backoff cap
	GracePeriod   time.Duration // Wait for the service to exit after unmount

	ServiceLog string // Service stdout/stderr, empty discards

	// Mounted queries the mount table. Nil uses IsMounted.
	Mounted func(path string) (bool, error)
}

// Session owns one service process and its mount point.
type Session struct {
	opts    Options
	run     executor.Runner
	log     *logrus.Entry
	mounted func(path string) (bool, error)

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{} // Closed once the process has been reaped
	exitErr error
	release sync.Once
}

// NewSession creates an Unmounted session.
func NewSession(opts Options, run executor.Runner, log *logrus.Entry) *Session {
	opts.Args = slices.Clone(opts.Args)
	opts.UnmountCmd = slices.Clone(opts.UnmountCmd)
	if opts.ReadyAttempts == 0 {
		opts.ReadyAttempts = 1
	}
	if opts.Mounted == nil {
		opts.Mounted = IsMounted
	}
	return &Session{
		opts:    opts,
		run:     run,
		log:     log.WithField("mount", opts.MountPoint),
		mounted: opts.Mounted,
		state:   Unmounted,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the service process id, or 0 if none was launched.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start launches the service and waits until the mount point is listed.
//
// Errors:
//   - ConfigurationError if the session was already started or the mount point is busy
//   - CommandFailure if the service cannot be launched or exits non-zero while mounting
//   - TimeoutFailure wrapping ErrMountTimeout if readiness attempts are exhausted
func (s *Session) Start(ctx context.Context) error {
	if st := s.State(); st != Unmounted {
		return failure.New(failure.Configuration, "mount", "session is %s", st)
	}

	busy, err := s.mounted(s.opts.MountPoint)
	if err != nil {
		return failure.Wrap(failure.Configuration, "mount table", err)
	}
	if busy {
		return failure.New(failure.Configuration, "mount", "%s is already mounted", s.opts.MountPoint)
	}

	if err := s.launch(); err != nil {
		s.setState(Failed)
		return err
	}
	s.setState(Mounting)
	s.log.WithField("pid", s.Pid()).Info("service launched")

	start := time.Now()
	err = retry.Do(
		s.poll,
		retry.Attempts(s.opts.ReadyAttempts),
		retry.Delay(s.opts.ReadyDelay),
		retry.MaxDelay(s.opts.ReadyMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.log.WithField("attempt", n+1).Trace("waiting for mount")
		}),
	)
	if err == nil {
		s.setState(Mounted)
		s.log.WithField("after", time.Since(start).Truncate(time.Millisecond)).Info("mounted")
		return nil
	}

	s.kill()
	s.setState(Failed)

	switch {
	case ctx.Err() != nil:
		return failure.Wrap(failure.Command, "mount "+s.opts.MountPoint, ctx.Err())
	case errors.Is(err, errNotReady):
		return &failure.Error{
			Kind:   failure.Timeout,
			Op:     "mount " + s.opts.MountPoint,
			Msg:    fmt.Sprintf("not listed after %d attempts", s.opts.ReadyAttempts),
			Stderr: s.logTail(),
			Err:    ErrMountTimeout,
		}
	default:
		return err
	}
}

// launch starts the detached service process.
func (s *Session) launch() error {
	argv := append([]string{s.opts.DiskImage, s.opts.MountPoint}, s.opts.Args...)
	cmd := exec.Command(s.opts.Exec, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if s.opts.ServiceLog != "" {
		f, err := os.OpenFile(s.opts.ServiceLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return failure.Wrap(failure.Configuration, "service log", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		s.logFile = f
	}

	s.log.WithField("cmd", cmd.String()).Debug("exec service")
	if err := cmd.Start(); err != nil {
		s.closeLog()
		return failure.Wrap(failure.Command, cmd.String(), err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(exited)
	}()
	return nil
}

// poll is one readiness attempt.
func (s *Session) poll() error {
	if s.hasExited() {
		if err := s.processError(); err != nil {
			return retry.Unrecoverable(&failure.Error{
				Kind:   failure.Command,
				Op:     "mount " + s.opts.MountPoint,
				Msg:    "service exited while mounting",
				Stderr: s.logTail(),
				Err:    err,
			})
		}
	}
	ok, err := s.mounted(s.opts.MountPoint)
	if err != nil {
		return retry.Unrecoverable(failure.Wrap(failure.Command, "mount table", err))
	}
	if !ok {
		return errNotReady
	}
	return nil
}

// Stop unmounts and terminates the service.
//
// Stop on a session that is neither Mounted nor Failed does nothing. The
// process handle is released exactly once. If the mount point is still
// listed afterwards an UnmountFailure is returned; it is a warning.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	if st != Mounted && st != Failed {
		s.mu.Unlock()
		return nil
	}
	s.state = Unmounting
	s.mu.Unlock()

	var errs []error
	if still, _ := s.mounted(s.opts.MountPoint); still || st == Mounted {
		argv := append(slices.Clone(s.opts.UnmountCmd), s.opts.MountPoint)
		res, err := s.run.Run(ctx, executor.Command{Argv: argv, Tolerant: true})
		switch {
		case err != nil:
			errs = append(errs, err)
		case !res.Success():
			s.log.WithField("exit", res.ExitCode).Warn("unmount command failed")
		}
	}

	if !s.waitExit(ctx, s.opts.GracePeriod) {
		s.log.WithField("grace", s.opts.GracePeriod).Warn("service still running, killing")
		s.kill()
	}
	s.closeLog()

	still, err := s.mounted(s.opts.MountPoint)
	if err != nil {
		errs = append(errs, failure.Wrap(failure.Unmount, "mount table", err))
	} else if still {
		errs = append(errs, failure.New(failure.Unmount, "unmount", "%s is still mounted", s.opts.MountPoint))
	}
	s.setState(Unmounted)
	if len(errs) == 0 {
		s.log.Info("unmounted")
	}
	return errors.Join(errs...)
}

// waitExit waits up to d for the process to be reaped.
func (s *Session) waitExit(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited == nil {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// kill sends SIGKILL to the service's process group and waits for the reaper.
func (s *Session) kill() {
	pid := s.Pid()
	if pid <= 0 || s.hasExited() {
		return
	}
	// Setsid makes the service a group leader, so -pid reaches its children too.
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.log.WithError(err).Warn("kill service")
	}
	if !s.waitExit(context.Background(), reapDelay) {
		s.log.WithField("pid", pid).Warn("service not reaped after SIGKILL")
	}
}

func (s *Session) hasExited() bool {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return true
	default:
		return false
	}
}

func (s *Session) processError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Session) closeLog() {
	s.release.Do(func() {
		if s.logFile != nil {
			_ = s.logFile.Close()
		}
	})
}

// logTail returns the end of the service log.
func (s *Session) logTail() string {
	if s.opts.ServiceLog == "" {
		return ""
	}
	f, err := os.Open(s.opts.ServiceLog)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	if info, err := f.Stat(); err == nil && info.Size() > logTailSize {
		_, _ = f.Seek(-logTailSize, io.SeekEnd)
	}
	data, _ := io.ReadAll(f)
	return string(bytes.TrimSpace(data))
}
