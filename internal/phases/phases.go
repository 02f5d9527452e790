// Package phases holds the test phases run against a mounted filesystem.
//
// # Phases
//
//	| Phase | Exercises                                     | Needs root |
//	|-------|-----------------------------------------------|------------|
//	| large | O_DIRECT bulk copy in and out, digests, size  | no         |
//	| many  | N small files, listing count, sampled digests | no         |
//	| perm  | owner/mode enforcement for a second identity  | yes        |
//	| links | hard link identity and nlink, symlink binding | no         |
//
// Each phase is a strict sequence of checks: the first failing check ends
// the phase with a classified error, and every passing check is reported
// individually. Phases clean up what they created in the mount, success or
// not, but never the mount itself.
package phases

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/progress"
	"github.com/ivoronin/fusestress/internal/report"
	"github.com/ivoronin/fusestress/internal/verifier"
)

// Phase is a named sequence of checks.
type Phase interface {
	Name() string
	Run(ctx context.Context, env *Env) error
}

// Env is what a phase operates on.
type Env struct {
	MountPoint string          // Root of the filesystem under test
	Scratch    string          // Local directory outside the mount
	Run        executor.Runner // External commands
	Reporter   *report.Reporter
	Log        *logrus.Entry
	Progress   progress.Factory
}

// expect fails with an AssertionFailure when got differs from want.
func expect[T comparable](op string, want, got T) error {
	if want != got {
		return failure.New(failure.Assertion, op, "want %v, got %v", want, got)
	}
	return nil
}

// fsErr classifies an unexpected error from a filesystem operation.
func fsErr(op string, err error) error {
	return failure.Wrap(failure.Assertion, op, err)
}

// readExpect reads path and compares its digest with want.
func readExpect(path string, want []byte, what string) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return fsErr(fmt.Sprintf("read %s", path), err)
	}
	return verifier.AssertEqual(verifier.HashBytes(want), verifier.HashBytes(got), what)
}

// removeQuietly is used by deferred cleanup; failures are logged only.
func removeQuietly(log *logrus.Entry, paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Debugf("cleanup %s", p)
		}
	}
}

// removeFile deletes path, classifying any failure.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil {
		return fsErr("remove "+path, err)
	}
	return nil
}
