// Package report prints one line per check and keeps the run's audit trail.
//
// Every check a phase performs ends up as a Check:
//
//	PASS  [large] stored size equals 64 MiB
//	WARN  [teardown] unmount: /ws/mountpoint is still mounted
//	FAIL  [links] symlink dangles with ENOENT: ...
//
// Checks are also logged and, if a Journal is attached, persisted.
package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/failure"
)

// Status is the outcome of one check.
type Status string

const (
	Pass Status = "PASS"
	Warn Status = "WARN"
	Fail Status = "FAIL"
	Skip Status = "SKIP"
)

var statusColor = map[Status]*color.Color{
	Pass: color.New(color.FgGreen, color.Bold),
	Warn: color.New(color.FgYellow, color.Bold),
	Fail: color.New(color.FgRed, color.Bold),
	Skip: color.New(color.FgCyan),
}

// Check is one reported outcome.
type Check struct {
	RunID  string    `json:"run_id"`
	Seq    uint64    `json:"seq"`
	Phase  string    `json:"phase"`
	Name   string    `json:"name"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Counts summarizes a run.
type Counts struct {
	Passed, Warned, Failed, Skipped int
	Elapsed                         time.Duration
}

func (c Counts) String() string {
	return fmt.Sprintf("%d passed, %d warnings, %d failed, %d skipped in %s",
		c.Passed, c.Warned, c.Failed, c.Skipped, c.Elapsed.Truncate(time.Millisecond))
}

// Reporter collects checks for one run.
type Reporter struct {
	out     io.Writer
	log     *logrus.Entry
	journal *Journal
	runID   string
	start   time.Time

	mu     sync.Mutex
	seq    uint64
	counts Counts
}

// New creates a Reporter writing check lines to out. journal may be nil.
func New(out io.Writer, log *logrus.Entry, journal *Journal, runID string) *Reporter {
	return &Reporter{
		out:     out,
		log:     log,
		journal: journal,
		runID:   runID,
		start:   time.Now(),
	}
}

// RunID returns the identifier attached to every check.
func (r *Reporter) RunID() string { return r.runID }

// Phase returns a scope that tags checks with the phase name.
func (r *Reporter) Phase(name string) *Scope {
	return &Scope{r: r, phase: name}
}

// Counts returns the tallies so far.
func (r *Reporter) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counts
	c.Elapsed = time.Since(r.start)
	return c
}

// Summary prints and returns the final tallies.
func (r *Reporter) Summary() Counts {
	c := r.Counts()
	st := Pass
	if c.Failed > 0 {
		st = Fail
	}
	fmt.Fprintf(r.out, "%s %s\n", statusColor[st].Sprint(st), c)
	return c
}

func (r *Reporter) record(phase, name string, st Status, detail string) {
	r.mu.Lock()
	r.seq++
	c := Check{
		RunID:  r.runID,
		Seq:    r.seq,
		Phase:  phase,
		Name:   name,
		Status: st,
		Detail: detail,
		At:     time.Now(),
	}
	switch st {
	case Pass:
		r.counts.Passed++
	case Warn:
		r.counts.Warned++
	case Fail:
		r.counts.Failed++
	case Skip:
		r.counts.Skipped++
	}
	r.mu.Unlock()

	line := fmt.Sprintf("[%s] %s", phase, name)
	if detail != "" {
		line += ": " + detail
	}
	fmt.Fprintf(r.out, "%s  %s\n", statusColor[st].Sprint(st), line)

	log := r.log.WithFields(logrus.Fields{"phase": phase, "check": name})
	switch st {
	case Fail:
		log.Error(detail)
	case Warn:
		log.Warn(detail)
	default:
		log.Debug(string(st))
	}

	if err := r.journal.Record(c); err != nil {
		r.log.WithError(err).Warn("journal write failed")
	}
}

// Scope reports checks of one phase.
type Scope struct {
	r     *Reporter
	phase string
}

// Name returns the phase name.
func (s *Scope) Name() string { return s.phase }

// Pass reports a passing check.
func (s *Scope) Pass(format string, args ...any) {
	s.r.record(s.phase, fmt.Sprintf(format, args...), Pass, "")
}

// PassBytes reports a passing check about n bytes.
func (s *Scope) PassBytes(what string, n int64) {
	s.Pass("%s (%s)", what, humanize.IBytes(uint64(n)))
}

// Skip reports a check that was not performed.
func (s *Scope) Skip(name, reason string) {
	s.r.record(s.phase, name, Skip, reason)
}

// Warn reports a non-fatal problem.
func (s *Scope) Warn(name string, err error) {
	s.r.record(s.phase, name, Warn, err.Error())
}

// Fail reports a fatal error, followed by any command output it carries.
func (s *Scope) Fail(name string, err error) {
	s.r.record(s.phase, name, Fail, err.Error())
	if stdout, stderr, ok := failure.Output(err); ok {
		writeStream(s.r.out, "stdout", stdout)
		writeStream(s.r.out, "stderr", stderr)
	}
}

// Report classifies err: nil passes, non-fatal kinds warn, anything else fails.
func (s *Scope) Report(name string, err error) {
	switch {
	case err == nil:
		s.Pass("%s", name)
	case failure.IsFatal(err):
		s.Fail(name, err)
	default:
		s.Warn(name, err)
	}
}

func writeStream(w io.Writer, name, text string) {
	if text == "" {
		return
	}
	fmt.Fprintf(w, "----- %s -----\n%s\n", name, text)
}
