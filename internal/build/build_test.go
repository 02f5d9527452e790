package build

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/executor/executortest"
	"github.com/ivoronin/fusestress/internal/failure"
)

type project struct {
	dir     string
	build   string
	outputs []string
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CMakeLists.txt"), []byte("project(simplefs)\n"), 0o644))
	build := filepath.Join(dir, "build")
	return &project{
		dir:     dir,
		build:   build,
		outputs: []string{filepath.Join(build, "simplefs"), filepath.Join(build, "mkfs.simplefs")},
	}
}

func (p *project) options() Options {
	return Options{
		Dir:        p.build,
		Descriptor: filepath.Join(p.dir, "CMakeLists.txt"),
		Commands:   [][]string{{"cmake", ".."}, {"make", "-j"}},
		Outputs:    p.outputs,
	}
}

// produce is a fake build that writes the outputs on "make".
func (p *project) produce(t *testing.T) executortest.Handler {
	return func(cmd executor.Command) executor.Result {
		if executortest.Program(cmd) == "make" {
			for _, out := range p.outputs {
				require.NoError(t, os.WriteFile(out, []byte("#!/bin/sh\n"), 0o755))
			}
		}
		return executor.Result{}
	}
}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestBuildRunsCommandsInBuildDir(t *testing.T) {
	p := newProject(t)
	fake := &executortest.Fake{Handler: p.produce(t)}

	require.NoError(t, New(p.options(), fake, quietLog()).Build(context.Background()))

	assert.Equal(t, []string{"cmake ..", "make -j"}, fake.Lines())
	for _, c := range fake.Calls() {
		assert.Equal(t, p.build, c.Dir)
		assert.False(t, c.Tolerant)
	}
	assert.DirExists(t, p.build)
}

func TestBuildStopsOnFailure(t *testing.T) {
	p := newProject(t)
	fake := &executortest.Fake{Handler: func(cmd executor.Command) executor.Result {
		return executor.Result{ExitCode: 2, Stderr: "CMake Error"}
	}}

	err := New(p.options(), fake, quietLog()).Build(context.Background())

	assert.ErrorIs(t, err, failure.Command)
	assert.Len(t, fake.Calls(), 1)
}

func TestBuildMissingDescriptor(t *testing.T) {
	p := newProject(t)
	require.NoError(t, os.Remove(filepath.Join(p.dir, "CMakeLists.txt")))
	fake := &executortest.Fake{}

	err := New(p.options(), fake, quietLog()).Build(context.Background())

	assert.ErrorIs(t, err, failure.Configuration)
	assert.Empty(t, fake.Calls())
}

func TestBuildMissingOutputs(t *testing.T) {
	p := newProject(t)

	err := New(p.options(), &executortest.Fake{}, quietLog()).Build(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, failure.Configuration)
	assert.Contains(t, err.Error(), "simplefs")
}

func TestBuildSkip(t *testing.T) {
	p := newProject(t)
	opts := p.options()
	opts.Skip = true
	fake := &executortest.Fake{}

	assert.ErrorIs(t, New(opts, fake, quietLog()).Build(context.Background()), failure.Configuration)

	require.NoError(t, os.MkdirAll(p.build, 0o755))
	for _, out := range p.outputs {
		require.NoError(t, os.WriteFile(out, nil, 0o644))
	}
	assert.ErrorIs(t, New(opts, fake, quietLog()).Build(context.Background()), failure.Configuration,
		"non-executable outputs are rejected")

	for _, out := range p.outputs {
		require.NoError(t, os.Chmod(out, 0o755))
	}
	assert.NoError(t, New(opts, fake, quietLog()).Build(context.Background()))
	assert.Empty(t, fake.Calls())
}
