// Package failure defines the error taxonomy shared by every harness component.
//
// Each error carries a Kind that decides how the run reacts to it:
//
//	| Kind          | Fatal | Raised when                                          |
//	|---------------|-------|------------------------------------------------------|
//	| Configuration | yes   | a prerequisite is missing before anything runs       |
//	| Command       | yes   | a fail-fast command exits non-zero                   |
//	| Expected      | no    | a tolerant command exits non-zero (a wanted denial)  |
//	| Timeout       | yes   | a command or the mount readiness check overruns      |
//	| Integrity     | yes   | a digest or size disagrees                           |
//	| Unmount       | no    | the mount point is still listed after unmounting     |
//	| Assertion     | yes   | any other observed behaviour differs from POSIX      |
//
// Kinds implement error so callers can match with errors.Is:
//
//	if errors.Is(err, failure.Timeout) { ... }
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a harness error.
type Kind int

const (
	Configuration Kind = iota + 1
	Command
	Expected
	Timeout
	Integrity
	Unmount
	Assertion
)

var kindNames = map[Kind]string{
	Configuration: "configuration error",
	Command:       "command failure",
	Expected:      "expected failure",
	Timeout:       "timeout",
	Integrity:     "integrity mismatch",
	Unmount:       "unmount failure",
	Assertion:     "assertion failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error makes Kind usable as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Fatal reports whether errors of this kind abort the run.
func (k Kind) Fatal() bool {
	return k != Expected && k != Unmount
}

// Error is a classified harness error.
//
// Stdout and Stderr hold the captured output of the command that produced
// the error, if any, so it can be reported before the run terminates.
type Error struct {
	Kind   Kind
	Op     string // What was being done (a check name or a command line)
	Msg    string
	Stdout string
	Stderr string
	Err    error // Underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target against the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// HasOutput reports whether captured command output is attached.
func (e *Error) HasOutput() bool {
	return e.Stdout != "" || e.Stderr != ""
}

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Mismatch reports a digest or size disagreement observed during op.
func Mismatch(op string, want, got any) *Error {
	return &Error{Kind: Integrity, Op: op, Msg: fmt.Sprintf("want %v, got %v", want, got)}
}

// KindOf returns the kind of the first classified error in err's chain,
// or 0 if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsFatal reports whether err should abort the run. Unclassified errors are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if k := KindOf(err); k != 0 {
		return k.Fatal()
	}
	return true
}

// Output returns the captured command output attached to err's chain, if any.
func Output(err error) (stdout, stderr string, ok bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.HasOutput() {
		return fe.Stdout, fe.Stderr, true
	}
	return "", "", false
}
