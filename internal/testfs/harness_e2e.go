//go:build e2e

package testfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// defaultImage is used unless FUSESTRESS_E2E_IMAGE overrides it.
	defaultImage = "debian:bookworm-slim"

	binDir     = "/opt/fusestress/bin"
	stressPath = binDir + "/fusestress"
	loopfsPath = binDir + "/loopfs"
	mkfsPath   = "/usr/local/sbin/mkfs.loopfs"

	// ProjectDir is the filesystem project directory inside the container.
	ProjectDir = "/work"
	// Workspace is the harness workspace inside ProjectDir.
	Workspace = ProjectDir + "/fusestress_env"
	// MountPoint is where loopfs is mounted during a run.
	MountPoint = Workspace + "/mountpoint"

	configPath = ProjectDir + "/fusestress.yaml"
	setupLimit = 5 * time.Minute
)

// configYAML points the harness at tools present in the container image.
const configYAML = `mount:
  unmount: [umount]
  ready_attempts: 20
disk:
  size: 64MiB
large_file:
  size: 16MiB
  block_size: 1MiB
many_files:
  count: 200
  samples: 20
`

// -----------------------------------------------------------------------------
// Harness - Public API
// -----------------------------------------------------------------------------

// Harness runs fusestress against loopfs inside a privileged Docker container.
//
// Usage:
//
//	h := testfs.New(t)
//	res := h.RunFusestress("--phases", "links")
//	g.Expect(res.ExitCode).To(Equal(0), res.String())
//	g.Expect(h.Exists(testfs.Workspace)).To(BeFalse())
//
// Requires FUSESTRESS_E2E_BINDIR holding linux builds of fusestress and
// loopfs. The container is removed via t.Cleanup().
type Harness struct {
	t         *testing.T
	ctx       context.Context
	container *Container
}

// New starts the container and installs sudo and fuse3 into it.
func New(t *testing.T) *Harness {
	t.Helper()

	bins := os.Getenv("FUSESTRESS_E2E_BINDIR")
	if bins == "" {
		t.Skip("FUSESTRESS_E2E_BINDIR not set")
	}
	img := os.Getenv("FUSESTRESS_E2E_IMAGE")
	if img == "" {
		img = defaultImage
	}

	ctx := context.Background()
	c, err := NewContainer(ctx, Sandbox{
		Image: img,
		Binds: []string{
			fmt.Sprintf("%s:%s:ro", filepath.Join(bins, "fusestress"), stressPath),
			fmt.Sprintf("%s:%s:ro", filepath.Join(bins, "loopfs"), loopfsPath),
		},
		Env: []string{"DEBIAN_FRONTEND=noninteractive"},
	})
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	h := &Harness{t: t, ctx: ctx, container: c}
	t.Cleanup(h.Cleanup)

	setupCtx, cancel := context.WithTimeout(ctx, setupLimit)
	defer cancel()
	for _, argv := range [][]string{
		{"sh", "-c", "apt-get update -qq && apt-get install -y -qq sudo fuse3 >/dev/null"},
		{"ln", "-sf", loopfsPath, mkfsPath},
		{"mkdir", "-p", ProjectDir},
	} {
		res, err := c.Exec(setupCtx, argv, nil)
		if err != nil || res.ExitCode != 0 {
			t.Fatalf("container setup: %v\n%s", err, res)
		}
	}
	h.WriteFile(configPath, configYAML)
	return h
}

// RunFusestress executes "fusestress run" against loopfs with extra flags.
func (h *Harness) RunFusestress(args ...string) RunResult {
	h.t.Helper()

	argv := []string{
		stressPath, "run",
		"--config", configPath,
		"--project-dir", ProjectDir,
		"--skip-build",
		"--fs-exec", loopfsPath,
		"--mkfs-exec", mkfsPath,
		"--no-progress",
	}
	return h.Exec(append(argv, args...)...)
}

// Fusestress executes any fusestress subcommand.
func (h *Harness) Fusestress(args ...string) RunResult {
	h.t.Helper()
	return h.Exec(append([]string{stressPath}, args...)...)
}

// Exec runs argv in the container. Transport failures end the test.
func (h *Harness) Exec(argv ...string) RunResult {
	h.t.Helper()

	res, err := h.container.Exec(h.ctx, argv, nil)
	if err != nil {
		h.t.Fatalf("exec %v: %v", argv, err)
	}
	return res
}

// WriteFile creates path in the container with content.
func (h *Harness) WriteFile(path, content string) {
	h.t.Helper()

	argv := []string{"sh", "-c", `cat > "$1"`, "sh", path}
	res, err := h.container.Exec(h.ctx, argv, []byte(content))
	if err != nil || res.ExitCode != 0 {
		h.t.Fatalf("write %s: %v\n%s", path, err, res)
	}
}

// Exists reports whether path exists in the container.
func (h *Harness) Exists(path string) bool {
	h.t.Helper()
	return h.Exec("test", "-e", path).ExitCode == 0
}

// Mounted reports whether path appears in the container's mount table.
func (h *Harness) Mounted(path string) bool {
	h.t.Helper()

	res := h.Exec("cat", "/proc/self/mountinfo")
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 4 && fields[4] == path {
			return true
		}
	}
	return false
}

// UserExists reports whether the account database knows name.
func (h *Harness) UserExists(name string) bool {
	h.t.Helper()
	return h.Exec("id", name).ExitCode == 0
}

// Cleanup removes the container.
func (h *Harness) Cleanup() {
	if h.container != nil {
		_ = h.container.Close(h.ctx)
		h.container = nil
	}
}
