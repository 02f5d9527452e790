//go:build e2e

package internal

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/ivoronin/fusestress/internal/testfs"
	"github.com/ivoronin/fusestress/internal/workspace"
)

// =============================================================================
// Full runs against loopfs
// =============================================================================

// TestE2EFullRun runs every phase as root and checks teardown left nothing.
func TestE2EFullRun(t *testing.T) {
	g := NewWithT(t)
	h := testfs.New(t)

	res := h.RunFusestress()

	g.Expect(res.ExitCode).To(Equal(0), res.String())
	for _, line := range []string{
		"PASS  [setup] mount",
		"PASS  [large] digest after round trip matches",
		"PASS  [many] listing empty after deleting 200 files",
		"PASS  [perm] secondary read denied at 0600",
		"PASS  [links] dangling symlink fails with ENOENT",
		"PASS  [teardown] unmount",
	} {
		g.Expect(res.Stdout).To(ContainSubstring(line), res.String())
	}
	g.Expect(res.Stdout).To(MatchRegexp(`(?m)^PASS \d+ passed, 0 warnings, 0 failed`))

	g.Expect(h.Mounted(testfs.MountPoint)).To(BeFalse())
	g.Expect(h.Exists(testfs.Workspace)).To(BeFalse())
	g.Expect(h.UserExists("testuser")).To(BeFalse())
}

// TestE2EPhaseSelection runs a single phase and nothing else.
func TestE2EPhaseSelection(t *testing.T) {
	g := NewWithT(t)
	h := testfs.New(t)

	res := h.RunFusestress("--phases", "links")

	g.Expect(res.ExitCode).To(Equal(0), res.String())
	g.Expect(res.Stdout).To(ContainSubstring("[links]"))
	g.Expect(res.Stdout).NotTo(ContainSubstring("[large]"))
	g.Expect(res.Stdout).NotTo(ContainSubstring("[perm]"))
	g.Expect(h.UserExists("testuser")).To(BeFalse())
}

// TestE2ERepeatedRuns checks a second run starts from a clean workspace.
func TestE2ERepeatedRuns(t *testing.T) {
	g := NewWithT(t)
	h := testfs.New(t)

	for range 2 {
		res := h.RunFusestress("--phases", "many,links")
		g.Expect(res.ExitCode).To(Equal(0), res.String())
	}
	g.Expect(h.Exists(testfs.Workspace)).To(BeFalse())
}

// =============================================================================
// Failures still tear down
// =============================================================================

// TestE2EMountFailure formats with a no-op so the service refuses the image.
func TestE2EMountFailure(t *testing.T) {
	g := NewWithT(t)
	h := testfs.New(t)

	res := h.RunFusestress("--mkfs-exec", "/bin/true")

	g.Expect(res.ExitCode).To(Equal(1), res.String())
	g.Expect(res.Stdout).To(ContainSubstring("FAIL  [setup] mount"))
	g.Expect(res.Stdout).To(ContainSubstring("not a loopfs image"))
	g.Expect(res.Stdout).NotTo(ContainSubstring("[large]"))
	g.Expect(h.Exists(testfs.Workspace)).To(BeFalse())
	g.Expect(h.Mounted(testfs.MountPoint)).To(BeFalse())
}

// TestE2EStaleMount leaves loopfs mounted in a workspace from an earlier run
// and expects the next run to clear it before wiping the workspace.
func TestE2EStaleMount(t *testing.T) {
	g := NewWithT(t)
	h := testfs.New(t)

	stale := testfs.Workspace + "/stale.img"
	setup := h.Exec("sh", "-c", `set -e
mkdir -p "$1"
touch "$3"
truncate -s 1M "$2"
/usr/local/sbin/mkfs.loopfs "$2"
setsid /opt/fusestress/bin/loopfs "$2" "$1" >/dev/null 2>&1 &
for i in $(seq 50); do grep -q " $1 " /proc/self/mountinfo && exit 0; sleep 0.1; done
exit 1`, "sh", testfs.MountPoint, stale, testfs.Workspace+"/"+workspace.Marker)
	g.Expect(setup.ExitCode).To(Equal(0), setup.String())
	g.Expect(h.Mounted(testfs.MountPoint)).To(BeTrue())

	res := h.RunFusestress("--phases", "links")

	g.Expect(res.ExitCode).To(Equal(0), res.String())
	g.Expect(h.Mounted(testfs.MountPoint)).To(BeFalse())
	g.Expect(h.Exists(testfs.Workspace)).To(BeFalse())
}

// =============================================================================
// Other subcommands
// =============================================================================

// TestE2EJournal records a run and reads it back.
func TestE2EJournal(t *testing.T) {
	g := NewWithT(t)
	h := testfs.New(t)
	journal := testfs.ProjectDir + "/journal.db"

	res := h.RunFusestress("--phases", "links", "--journal", journal)
	g.Expect(res.ExitCode).To(Equal(0), res.String())

	runs := h.Fusestress("journal", journal)
	g.Expect(runs.ExitCode).To(Equal(0), runs.String())
	g.Expect(runs.Stdout).To(MatchRegexp(`\d+ checks, 0 failed`))
}

// TestE2EConfig prints the resolved configuration.
func TestE2EConfig(t *testing.T) {
	g := NewWithT(t)
	h := testfs.New(t)

	res := h.Fusestress("config", "--project-dir", testfs.ProjectDir, "--skip-build", "--files", "5")

	g.Expect(res.ExitCode).To(Equal(0), res.String())
	g.Expect(res.Stdout).To(ContainSubstring("count: 5"))
	g.Expect(res.Stdout).To(ContainSubstring("mount_point: " + testfs.MountPoint))
}
