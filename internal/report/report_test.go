package report

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/fusestress/internal/failure"
)

func init() {
	color.NoColor = true
}

func newReporter(t *testing.T, j *Journal, runID string) (*Reporter, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(&out, logrus.NewEntry(log), j, runID), &out
}

func TestScopeLines(t *testing.T) {
	r, out := newReporter(t, nil, "run-1")
	s := r.Phase("links")

	s.Pass("inode equal (%d)", 42)
	s.PassBytes("stored size", 64<<20)
	s.Warn("unmount", failure.New(failure.Unmount, "unmount", "still mounted"))
	s.Skip("perm", "not root")

	assert.Equal(t, "PASS  [links] inode equal (42)\n"+
		"PASS  [links] stored size (64 MiB)\n"+
		"WARN  [links] unmount: unmount failure: unmount: still mounted\n"+
		"SKIP  [links] perm: not root\n", out.String())
	c := r.Counts()
	assert.Equal(t, 2, c.Passed)
	assert.Equal(t, 1, c.Warned)
	assert.Equal(t, 1, c.Skipped)
	assert.Equal(t, 0, c.Failed)
}

func TestFailPrintsCommandOutput(t *testing.T) {
	r, out := newReporter(t, nil, "run-1")
	err := &failure.Error{Kind: failure.Command, Op: "dd", Msg: "exit status 1", Stderr: "No space left on device"}

	r.Phase("large").Fail("copy in", err)

	assert.Contains(t, out.String(), "FAIL  [large] copy in: command failure: dd: exit status 1\n")
	assert.Contains(t, out.String(), "----- stderr -----\nNo space left on device\n")
	assert.NotContains(t, out.String(), "stdout")
}

func TestReportClassifies(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil passes", nil, "PASS"},
		{"unmount warns", failure.New(failure.Unmount, "u", "x"), "WARN"},
		{"expected warns", failure.New(failure.Expected, "e", "x"), "WARN"},
		{"integrity fails", failure.Mismatch("digest", "a", "b"), "FAIL"},
		{"plain error fails", errors.New("boom"), "FAIL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, out := newReporter(t, nil, "run-1")
			r.Phase("p").Report("check", tt.err)
			assert.Contains(t, out.String(), tt.want+"  [p] check")
		})
	}
}

func TestSummary(t *testing.T) {
	r, out := newReporter(t, nil, "run-1")
	r.Phase("p").Pass("a")
	r.Phase("p").Fail("b", errors.New("boom"))

	c := r.Summary()

	assert.Equal(t, 1, c.Passed)
	assert.Equal(t, 1, c.Failed)
	assert.Contains(t, out.String(), "FAIL 1 passed, 0 warnings, 1 failed, 0 skipped in ")
}

func TestJournalDisabled(t *testing.T) {
	j, err := Open("")
	require.NoError(t, err)
	require.NoError(t, j.Record(Check{RunID: "x"}))
	entries, err := j.Entries("x")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, j.Close())
}

func TestJournalRecordsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	first, _ := newReporter(t, j, "aaaa")
	first.Phase("large").Pass("digest in place")
	first.Phase("large").Pass("digest round trip")
	second, _ := newReporter(t, j, "bbbb")
	second.Phase("links").Fail("nlink", errors.New("want 2, got 1"))
	require.NoError(t, j.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ro.Close() })

	entries, err := ro.Entries("aaaa")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, "digest in place", entries[0].Name)
	assert.Equal(t, "digest round trip", entries[1].Name)

	runs, err := ro.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "aaaa", runs[0].ID)
	assert.Equal(t, 2, runs[0].Checks)
	assert.Equal(t, 0, runs[0].Failed)
	assert.Equal(t, "bbbb", runs[1].ID)
	assert.Equal(t, 1, runs[1].Failed)
}

func TestOpenReadOnlyMissing(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}
