// Package build drives the external build of the filesystem under test.
//
// The build system is a collaborator: the contract is pass/fail plus the two
// executables (service and mkfs) at their configured paths.
package build

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
)

// Options describes one build.
type Options struct {
	Skip       bool
	Dir        string     // Build directory, created if missing
	Descriptor string     // Required build descriptor, e.g. CMakeLists.txt
	Commands   [][]string // Run in order inside Dir
	Outputs    []string   // Executables that must exist afterwards
}

// Builder runs the build commands.
type Builder struct {
	opts Options
	run  executor.Runner
	log  *logrus.Entry
}

// New creates a Builder.
func New(opts Options, run executor.Runner, log *logrus.Entry) *Builder {
	return &Builder{opts: opts, run: run, log: log}
}

// Build runs every command fail-fast and checks the outputs.
// With Skip set only the outputs are checked.
func (b *Builder) Build(ctx context.Context) error {
	if b.opts.Skip {
		b.log.Info("build skipped")
		return b.checkOutputs()
	}

	if _, err := os.Stat(b.opts.Descriptor); err != nil {
		return failure.New(failure.Configuration, "build", "descriptor %s not found", b.opts.Descriptor)
	}
	if err := os.MkdirAll(b.opts.Dir, 0o755); err != nil {
		return failure.Wrap(failure.Configuration, "build dir", err)
	}

	for i, argv := range b.opts.Commands {
		b.log.WithField("step", fmt.Sprintf("%d/%d", i+1, len(b.opts.Commands))).Infof("build: %v", argv)
		if _, err := b.run.Run(ctx, executor.Command{Argv: argv, Dir: b.opts.Dir}); err != nil {
			return fmt.Errorf("build: %w", err)
		}
	}
	if err := b.checkOutputs(); err != nil {
		return err
	}
	b.log.Info("build complete")
	return nil
}

// checkOutputs requires every output to be an executable regular file.
func (b *Builder) checkOutputs() error {
	for _, path := range b.opts.Outputs {
		info, err := os.Stat(path)
		if err != nil {
			return failure.New(failure.Configuration, "build output", "%s not found", path)
		}
		if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			return failure.New(failure.Configuration, "build output", "%s is not an executable file", path)
		}
	}
	return nil
}
