// Package executortest provides a scripted executor.Runner for tests.
package executortest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
)

// Handler decides the outcome of one command. Returning a non-zero exit code
// is turned into a CommandFailure unless the command is tolerant, matching
// the real executor.
type Handler func(cmd executor.Command) executor.Result

// Fake records every command and answers through Handler.
// A nil Handler succeeds with empty output.
type Fake struct {
	Handler Handler

	mu    sync.Mutex
	calls []executor.Command
}

// Run implements executor.Runner.
func (f *Fake) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	res := executor.Result{Argv: cmd.Argv}
	if f.Handler != nil {
		res = f.Handler(cmd)
		if res.Argv == nil {
			res.Argv = cmd.Argv
		}
	}
	if res.TimedOut {
		return res, failure.New(failure.Timeout, cmd.String(), "scripted timeout")
	}
	if res.ExitCode != 0 && !cmd.Tolerant {
		return res, &failure.Error{
			Kind:   failure.Command,
			Op:     cmd.String(),
			Msg:    fmt.Sprintf("exit status %d", res.ExitCode),
			Stdout: res.Stdout,
			Stderr: res.Stderr,
		}
	}
	return res, nil
}

// Calls returns the commands seen so far.
func (f *Fake) Calls() []executor.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Command(nil), f.calls...)
}

// Lines returns the commands seen so far rendered as "[user] argv".
func (f *Fake) Lines() []string {
	var lines []string
	for _, c := range f.Calls() {
		line := c.String()
		if c.As != nil {
			line = "[" + c.As.Username() + "] " + line
		}
		lines = append(lines, line)
	}
	return lines
}

// Program returns the first element of the command vector.
func Program(cmd executor.Command) string {
	if len(cmd.Argv) == 0 {
		return ""
	}
	return cmd.Argv[0]
}

// Has reports whether the command vector contains s as an element or substring of one.
func Has(cmd executor.Command, s string) bool {
	for _, a := range cmd.Argv {
		if strings.Contains(a, s) {
			return true
		}
	}
	return false
}
