package main

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ivoronin/fusestress/internal/config"
	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/report"
)

func TestConfigCommandAppliesFlags(t *testing.T) {
	dir := t.TempDir()
	cmd := newConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--project-dir", dir,
		"--skip-build",
		"--phases", "links,Large",
		"--disk-size", "1GiB",
		"--files", "10",
		"--seed", "42",
	})

	require.NoError(t, cmd.Execute())

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, dir, cfg.ProjectDir)
	assert.True(t, cfg.Build.Skip)
	assert.Equal(t, []string{"links", "large"}, cfg.Phases)
	assert.Equal(t, "1GiB", cfg.Disk.SizeStr)
	assert.Equal(t, 10, cfg.ManyFiles.Count)
	assert.Equal(t, uint64(42), cfg.ManyFiles.Seed)
	assert.Equal(t, filepath.Join(dir, "fusestress_env", "mountpoint"), cfg.MountPoint)
	assert.Equal(t, filepath.Join(dir, "build", "simplefs"), cfg.Build.FSExec)
}

func TestConfigCommandRejectsUnknownPhase(t *testing.T) {
	cmd := newConfigCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--project-dir", t.TempDir(), "--skip-build", "--phases", "large,fast"})

	err := cmd.Execute()

	require.Error(t, err)
	assert.ErrorIs(t, err, failure.Configuration)
	assert.Contains(t, err.Error(), `unknown phase "fast"`)
}

func TestConfigCommandRequiresDescriptor(t *testing.T) {
	cmd := newConfigCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--project-dir", t.TempDir()})

	assert.ErrorIs(t, cmd.Execute(), failure.Configuration)
}

func writeJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := report.Open(path)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	first := report.New(io.Discard, logrus.NewEntry(log), j, "11111111-aaaa")
	first.Phase("links").Pass("nlink is 2 on both names")
	second := report.New(io.Discard, logrus.NewEntry(log), j, "22222222-bbbb")
	second.Phase("large").Pass("stored size matches")
	second.Phase("large").Fail("digest in place", errors.New("want aa, got bb"))
	require.NoError(t, j.Close())
	return path
}

func TestJournalCommandListsRuns(t *testing.T) {
	path := writeJournal(t)
	cmd := newJournalCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "11111111-aaaa")
	assert.Contains(t, out.String(), "1 checks, 0 failed")
	assert.Contains(t, out.String(), "22222222-bbbb")
	assert.Contains(t, out.String(), "2 checks, 1 failed")
}

func TestJournalCommandListsChecks(t *testing.T) {
	path := writeJournal(t)
	cmd := newJournalCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path, "2222"})

	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "PASS  [large] stored size matches")
	assert.Contains(t, out.String(), "FAIL  [large] digest in place: want aa, got bb")
	assert.NotContains(t, out.String(), "nlink")
}

func TestResolveRunID(t *testing.T) {
	path := writeJournal(t)
	j, err := report.OpenReadOnly(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	id, err := resolveRunID(j, "1111")
	require.NoError(t, err)
	assert.Equal(t, "11111111-aaaa", id)

	_, err = resolveRunID(j, "")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = resolveRunID(j, "3333")
	assert.ErrorContains(t, err, "no run matches")
}
