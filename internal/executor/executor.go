// Package executor runs external commands with bounded time and captured output.
//
// # Modes
//
//	| Mode       | Non-zero exit                         | Timeout |
//	|------------|---------------------------------------|---------|
//	| fail-fast  | CommandFailure with captured output   | fatal   |
//	| tolerant   | Result returned, nil error            | fatal   |
//
// Tolerant mode exists to confirm expected denials: the caller inspects the
// Result and decides whether the absence of a failure is itself a failure
// (see MustFail).
//
// # Impersonation
//
// When Command.As is set, the command vector is prefixed with the configured
// impersonation vector and the principal's username, e.g.
//
//	sudo -u testuser cat /mnt/file
//
// The privilege switch itself is performed by that external tool.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/failure"
)

// DefaultTimeout bounds commands that do not set their own timeout.
const DefaultTimeout = 600 * time.Second

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 2 * time.Second

// Principal is an identity a command can run as.
type Principal interface {
	Username() string
}

// Command describes one invocation.
type Command struct {
	Argv     []string
	Dir      string        // Working directory, empty for the current one
	As       Principal     // Run under this identity instead of the invoker's
	Tolerant bool          // Return non-zero exits instead of failing
	Timeout  time.Duration // Zero uses the executor default
	Stdin    []byte
}

// String renders the command vector for logs.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Result is the immutable outcome of one invocation.
type Result struct {
	Argv     []string // Effective vector, including any impersonation prefix
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

func (r Result) String() string {
	return fmt.Sprintf("%s (exit %d, %v)", strings.Join(r.Argv, " "), r.ExitCode, r.Duration.Truncate(time.Millisecond))
}

// Runner runs commands. Implemented by *Executor; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Executor runs commands on the local host.
type Executor struct {
	log         *logrus.Entry
	impersonate []string
	timeout     time.Duration
}

// New creates an Executor.
// impersonate is the vector prepended (before the username) for Command.As.
// A zero timeout selects DefaultTimeout.
func New(log *logrus.Entry, impersonate []string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		log:         log,
		impersonate: slices.Clone(impersonate),
		timeout:     timeout,
	}
}

// Run executes cmd and returns its Result.
//
// Errors:
//   - TimeoutFailure if the command overran its bound (any mode)
//   - CommandFailure if it could not be started, or exited non-zero in fail-fast mode
func (e *Executor) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{}, failure.New(failure.Configuration, "run", "empty command")
	}

	argv := e.argv(cmd)
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.WaitDelay = waitDelay
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	log := e.log.WithField("cmd", strings.Join(argv, " "))
	log.Debug("exec")

	start := time.Now()
	err := c.Run()
	res := Result{
		Argv:     argv,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		log.WithField("timeout", timeout).Error("command timed out")
		logOutput(log, logrus.ErrorLevel, res)
		return res, &failure.Error{
			Kind:   failure.Timeout,
			Op:     strings.Join(argv, " "),
			Msg:    fmt.Sprintf("exceeded %v", timeout),
			Stdout: res.Stdout,
			Stderr: res.Stderr,
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cancelled by the caller: never report this as a tolerated denial.
		res.ExitCode = -1
		return res, &failure.Error{Kind: failure.Command, Op: strings.Join(argv, " "), Err: ctxErr}
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		// Not started (missing binary, bad cwd) or interrupted by the parent context.
		res.ExitCode = -1
		log.WithError(err).Error("command could not run")
		return res, &failure.Error{Kind: failure.Command, Op: strings.Join(argv, " "), Err: err}
	}

	if res.ExitCode == 0 {
		log.WithField("duration", res.Duration.Truncate(time.Millisecond)).Debug("exec ok")
		logOutput(log, logrus.DebugLevel, res)
		return res, nil
	}

	if cmd.Tolerant {
		expected := failure.New(failure.Expected, strings.Join(argv, " "), "exit status %d", res.ExitCode)
		log.WithError(expected).Debug("exec failed (tolerated)")
		logOutput(log, logrus.DebugLevel, res)
		return res, nil
	}

	log.WithField("exit", res.ExitCode).Error("command failed")
	logOutput(log, logrus.ErrorLevel, res)
	return res, &failure.Error{
		Kind:   failure.Command,
		Op:     strings.Join(argv, " "),
		Msg:    fmt.Sprintf("exit status %d", res.ExitCode),
		Stdout: res.Stdout,
		Stderr: res.Stderr,
	}
}

// argv builds the effective command vector.
func (e *Executor) argv(cmd Command) []string {
	if cmd.As == nil {
		return slices.Clone(cmd.Argv)
	}
	argv := slices.Clone(e.impersonate)
	argv = append(argv, cmd.As.Username())
	return append(argv, cmd.Argv...)
}

// logOutput writes non-empty captured streams at the given level.
func logOutput(log *logrus.Entry, level logrus.Level, res Result) {
	if s := strings.TrimSpace(res.Stdout); s != "" {
		log.WithField("stream", "stdout").Log(level, s)
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		log.WithField("stream", "stderr").Log(level, s)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// MustFail runs cmd in tolerant mode and requires a non-zero exit.
// A successful exit is an AssertionFailure naming what should have been denied.
func MustFail(ctx context.Context, r Runner, cmd Command, what string) (Result, error) {
	cmd.Tolerant = true
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode == 0 {
		return res, &failure.Error{
			Kind:   failure.Assertion,
			Op:     what,
			Msg:    "expected denial but command succeeded",
			Stdout: res.Stdout,
			Stderr: res.Stderr,
		}
	}
	return res, nil
}

// Shell returns a vector running script with sh. Extra args become $1, $2, ...
func Shell(script string, args ...string) []string {
	return append([]string{"sh", "-c", script, "sh"}, args...)
}

// AppendArgv returns a vector appending text to path through the shell,
// so the write happens under the command's identity.
func AppendArgv(path, text string) []string {
	return Shell(`printf '%s' "$1" >> "$2"`, text, path)
}
