package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/fusestress/internal/failure"
)

// newProject creates a project dir with a build descriptor.
func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CMakeLists.txt"), []byte("project(x)\n"), 0o644))
	return dir
}

func TestFinalizeDefaults(t *testing.T) {
	dir := newProject(t)
	cfg := &Config{ProjectDir: dir}

	require.NoError(t, cfg.Finalize())

	assert.Equal(t, filepath.Join(dir, "fusestress_env"), cfg.Workspace)
	assert.Equal(t, filepath.Join(dir, "fusestress_env", "mountpoint"), cfg.MountPoint)
	assert.Equal(t, filepath.Join(dir, "fusestress_env", "disk.img"), cfg.Disk.Image)
	assert.Equal(t, filepath.Join(dir, "build", "simplefs"), cfg.Build.FSExec)
	assert.Equal(t, filepath.Join(dir, "build", "mkfs.simplefs"), cfg.Build.MkfsExec)
	assert.Equal(t, int64(256<<20), cfg.Disk.Size)
	assert.Equal(t, int64(64<<20), cfg.LargeFile.Size)
	assert.Equal(t, int64(4<<20), cfg.LargeFile.BlockSize)
	assert.Equal(t, int64(128), cfg.ManyFiles.Size)
	assert.Equal(t, 1024, cfg.ManyFiles.Count)
	assert.Equal(t, 50, cfg.ManyFiles.Samples)
	assert.Equal(t, AllPhases, cfg.Phases)
	assert.Equal(t, []string{"-o", "allow_other"}, cfg.Mount.Args)
	assert.Equal(t, 10*time.Minute, cfg.Exec.Timeout)
	assert.True(t, *cfg.LargeFile.Direct)
}

func TestFinalizeMissingDescriptor(t *testing.T) {
	cfg := &Config{ProjectDir: t.TempDir()}

	err := cfg.Finalize()

	require.Error(t, err)
	assert.ErrorIs(t, err, failure.Configuration)
	assert.Contains(t, err.Error(), "build.descriptor")
}

func TestFinalizeSkipBuildIgnoresDescriptor(t *testing.T) {
	cfg := &Config{ProjectDir: t.TempDir(), Build: BuildConfig{Skip: true}}

	assert.NoError(t, cfg.Finalize())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"large file exceeds disk", func(c *Config) { c.LargeFile.SizeStr = "512MiB" }, "does not fit"},
		{"bad size", func(c *Config) { c.Disk.SizeStr = "lots" }, "disk.size"},
		{"unknown phase", func(c *Config) { c.Phases = []string{"large", "fuzz"} }, `unknown phase "fuzz"`},
		{"negative count", func(c *Config) { c.ManyFiles.Count = -1 }, "many_files.count"},
		{"mount point outside workspace", func(c *Config) { c.MountPoint = "/mnt" }, "must be inside workspace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{ProjectDir: newProject(t)}
			tt.mutate(cfg)

			err := cfg.Finalize()

			require.Error(t, err)
			assert.ErrorIs(t, err, failure.Configuration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateProtectsProject(t *testing.T) {
	tests := []struct {
		name      string
		workspace func(project string) string
		want      string
	}{
		{"project dir itself", func(string) string { return "." }, "would remove project_dir"},
		{"ancestor of project", func(p string) string { return filepath.Dir(p) }, "would remove project_dir"},
		{"temp dir", func(string) string { return os.TempDir() }, "would remove project_dir"},
		{"build dir", func(string) string { return "build" }, "would remove build.dir"},
		{"filesystem root", func(string) string { return "/" }, "is a filesystem root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := newProject(t)
			cfg := &Config{ProjectDir: project, Workspace: tt.workspace(project)}

			err := cfg.Finalize()

			require.Error(t, err)
			assert.ErrorIs(t, err, failure.Configuration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAllowsSiblingWorkspace(t *testing.T) {
	project := newProject(t)
	cfg := &Config{ProjectDir: project, Workspace: "../fusestress_env"}

	require.NoError(t, cfg.Finalize())
	assert.Equal(t, filepath.Join(filepath.Dir(project), "fusestress_env"), cfg.Workspace)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/a", "/a"))
	assert.True(t, within("/a", "/a/b/c"))
	assert.False(t, within("/a/b", "/a"))
	assert.False(t, within("/a", "/ab"))
	assert.False(t, within("/a", "/..a"))
}

func TestLoadYAML(t *testing.T) {
	dir := newProject(t)
	path := filepath.Join(dir, "fusestress.yaml")
	yml := `
project_dir: ` + dir + `
phases: [large, links]
disk:
  size: 128MiB
large_file:
  size: 1MiB
  direct: false
many_files:
  count: 16
mount:
  grace_period: 2s
build:
  skip: true
  fs_exec: /opt/fs/bin/myfs
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Finalize())

	assert.Equal(t, []string{"large", "links"}, cfg.Phases)
	assert.Equal(t, int64(128<<20), cfg.Disk.Size)
	assert.Equal(t, int64(1<<20), cfg.LargeFile.Size)
	assert.False(t, *cfg.LargeFile.Direct)
	assert.Equal(t, 16, cfg.ManyFiles.Count)
	assert.Equal(t, 50, cfg.ManyFiles.Samples)
	assert.Equal(t, 2*time.Second, cfg.Mount.GracePeriod)
	assert.Equal(t, "/opt/fs/bin/myfs", cfg.Build.FSExec)
	assert.True(t, cfg.Enabled(PhaseLinks))
	assert.False(t, cfg.Enabled(PhasePermissions))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.ErrorIs(t, err, failure.Configuration)
}

func TestWithout(t *testing.T) {
	cfg := &Config{Phases: []string{"large", "many", "perm", "links"}}

	assert.Equal(t, []string{"large", "many", "links"}, cfg.Without(PhasePermissions))
	assert.Equal(t, []string{"large", "many", "perm", "links"}, cfg.Phases)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"128", 128},
		{"1KiB", 1024},
		{"4MiB", 4 << 20},
		{"64MiB", 64 << 20},
		{"1M", 1000000},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseSize("abc")
	assert.Error(t, err)
}
