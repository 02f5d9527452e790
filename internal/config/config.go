// Package config holds the single immutable run configuration.
//
// A Config is assembled once at startup in three layers:
//
//	Default() → Load(file) → CLI flag overrides → Finalize()
//
// Finalize fills derived paths, parses human-readable sizes and validates
// prerequisites. After Finalize the value is passed explicitly into every
// component and never modified again.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/ivoronin/fusestress/internal/failure"
)

// Phase names accepted in Config.Phases, in execution order.
const (
	PhaseLargeFile   = "large"
	PhaseManyFiles   = "many"
	PhasePermissions = "perm"
	PhaseLinks       = "links"
)

// AllPhases lists every phase in the fixed execution order.
var AllPhases = []string{PhaseLargeFile, PhaseManyFiles, PhasePermissions, PhaseLinks}

// Config is the complete run configuration.
type Config struct {
	ProjectDir        string   `yaml:"project_dir"`
	Workspace         string   `yaml:"workspace"`   // default: <project_dir>/fusestress_env
	MountPoint        string   `yaml:"mount_point"` // default: <workspace>/mountpoint
	Phases            []string `yaml:"phases"`
	Journal           string   `yaml:"journal"` // bbolt journal path, empty disables
	AllowUnprivileged bool     `yaml:"allow_unprivileged"`
	NoProgress        bool     `yaml:"no_progress"`

	Build     BuildConfig     `yaml:"build"`
	Disk      DiskConfig      `yaml:"disk"`
	Mount     MountConfig     `yaml:"mount"`
	LargeFile LargeFileConfig `yaml:"large_file"`
	ManyFiles ManyFilesConfig `yaml:"many_files"`
	Identity  IdentityConfig  `yaml:"identity"`
	Exec      ExecConfig      `yaml:"exec"`
	Log       LogConfig       `yaml:"log"`
}

// BuildConfig describes the external build collaborator.
type BuildConfig struct {
	Skip       bool       `yaml:"skip"`
	Dir        string     `yaml:"dir"`        // default: <project_dir>/build
	Descriptor string     `yaml:"descriptor"` // default: CMakeLists.txt (relative to project_dir)
	Commands   [][]string `yaml:"commands"`   // default: [[cmake, ..], [make, -j]]
	FSExec     string     `yaml:"fs_exec"`    // default: <build.dir>/simplefs
	MkfsExec   string     `yaml:"mkfs_exec"`  // default: <build.dir>/mkfs.simplefs
}

// DiskConfig describes the backing disk image.
type DiskConfig struct {
	Image     string   `yaml:"image"` // default: <workspace>/disk.img
	SizeStr   string   `yaml:"size"`  // default: 256MiB
	Size      int64    `yaml:"-"`
	AllocArgv []string `yaml:"alloc"` // default: [truncate, -s]
}

// MountConfig describes how the filesystem service is launched and stopped.
type MountConfig struct {
	Args          []string      `yaml:"args"`    // default: [-o, allow_other]
	Unmount       []string      `yaml:"unmount"` // default: [fusermount, -u]
	ReadyAttempts uint          `yaml:"ready_attempts"`
	ReadyDelay    time.Duration `yaml:"ready_delay"`
	ReadyMaxDelay time.Duration `yaml:"ready_max_delay"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	ServiceLog    string        `yaml:"service_log"` // default: <workspace>/service.log
}

// LargeFileConfig sizes the large-file phase.
type LargeFileConfig struct {
	SizeStr      string `yaml:"size"`       // default: 64MiB
	BlockSizeStr string `yaml:"block_size"` // default: 4MiB
	Size         int64  `yaml:"-"`
	BlockSize    int64  `yaml:"-"`
	Direct       *bool  `yaml:"direct"` // default: true (O_DIRECT copies)
}

// ManyFilesConfig sizes the many-small-files phase.
type ManyFilesConfig struct {
	Count   int    `yaml:"count"` // default: 1024
	SizeStr string `yaml:"size"`  // default: 128
	Size    int64  `yaml:"-"`
	Samples int    `yaml:"samples"` // default: 50
	Seed    uint64 `yaml:"seed"`    // 0 picks a random seed
}

// IdentityConfig names the secondary test identity.
type IdentityConfig struct {
	User        string   `yaml:"user"`        // default: testuser
	Group       string   `yaml:"group"`       // default: testgroup
	Impersonate []string `yaml:"impersonate"` // default: [sudo, -u]
}

// ExecConfig bounds external commands.
type ExecConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default: 10m
}

// LogConfig selects the logging level.
type LogConfig struct {
	Level string `yaml:"level"` // trace, debug, info, warn, error
}

// Default returns a Config rooted at the current working directory.
func Default() *Config {
	wd, _ := os.Getwd()
	cfg := &Config{ProjectDir: wd}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML config file over the defaults.
// An empty path returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, "read config", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, failure.Wrap(failure.Configuration, "parse config "+path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-value fields that do not depend on other paths.
func (cfg *Config) ApplyDefaults() {
	if len(cfg.Phases) == 0 {
		cfg.Phases = slices.Clone(AllPhases)
	}
	if cfg.Build.Descriptor == "" {
		cfg.Build.Descriptor = "CMakeLists.txt"
	}
	if len(cfg.Build.Commands) == 0 {
		cfg.Build.Commands = [][]string{{"cmake", ".."}, {"make", "-j"}}
	}
	if cfg.Disk.SizeStr == "" {
		cfg.Disk.SizeStr = "256MiB"
	}
	if len(cfg.Disk.AllocArgv) == 0 {
		cfg.Disk.AllocArgv = []string{"truncate", "-s"}
	}
	if cfg.Mount.Args == nil {
		cfg.Mount.Args = []string{"-o", "allow_other"}
	}
	if len(cfg.Mount.Unmount) == 0 {
		cfg.Mount.Unmount = []string{"fusermount", "-u"}
	}
	if cfg.Mount.ReadyAttempts == 0 {
		cfg.Mount.ReadyAttempts = 20
	}
	if cfg.Mount.ReadyDelay == 0 {
		cfg.Mount.ReadyDelay = 50 * time.Millisecond
	}
	if cfg.Mount.ReadyMaxDelay == 0 {
		cfg.Mount.ReadyMaxDelay = time.Second
	}
	if cfg.Mount.GracePeriod == 0 {
		cfg.Mount.GracePeriod = 5 * time.Second
	}
	if cfg.LargeFile.SizeStr == "" {
		cfg.LargeFile.SizeStr = "64MiB"
	}
	if cfg.LargeFile.BlockSizeStr == "" {
		cfg.LargeFile.BlockSizeStr = "4MiB"
	}
	if cfg.LargeFile.Direct == nil {
		direct := true
		cfg.LargeFile.Direct = &direct
	}
	if cfg.ManyFiles.Count == 0 {
		cfg.ManyFiles.Count = 1024
	}
	if cfg.ManyFiles.SizeStr == "" {
		cfg.ManyFiles.SizeStr = "128"
	}
	if cfg.ManyFiles.Samples == 0 {
		cfg.ManyFiles.Samples = 50
	}
	if cfg.Identity.User == "" {
		cfg.Identity.User = "testuser"
	}
	if cfg.Identity.Group == "" {
		cfg.Identity.Group = "testgroup"
	}
	if len(cfg.Identity.Impersonate) == 0 {
		cfg.Identity.Impersonate = []string{"sudo", "-u"}
	}
	if cfg.Exec.Timeout == 0 {
		cfg.Exec.Timeout = 10 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Finalize resolves derived paths, parses sizes and validates the result.
// All failures are ConfigurationError.
func (cfg *Config) Finalize() error {
	cfg.ApplyDefaults()
	if err := cfg.resolvePaths(); err != nil {
		return err
	}
	if err := cfg.parseSizes(); err != nil {
		return err
	}
	return cfg.Validate()
}

// resolvePaths makes every path absolute and fills path defaults.
func (cfg *Config) resolvePaths() error {
	if cfg.ProjectDir == "" {
		return failure.New(failure.Configuration, "project_dir", "not set")
	}
	abs := func(base, p string) string {
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(base, p)
	}

	var err error
	if cfg.ProjectDir, err = filepath.Abs(cfg.ProjectDir); err != nil {
		return failure.Wrap(failure.Configuration, "project_dir", err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "fusestress_env"
	}
	cfg.Workspace = abs(cfg.ProjectDir, cfg.Workspace)
	if cfg.MountPoint == "" {
		cfg.MountPoint = "mountpoint"
	}
	cfg.MountPoint = abs(cfg.Workspace, cfg.MountPoint)
	if cfg.Disk.Image == "" {
		cfg.Disk.Image = "disk.img"
	}
	cfg.Disk.Image = abs(cfg.Workspace, cfg.Disk.Image)
	if cfg.Mount.ServiceLog == "" {
		cfg.Mount.ServiceLog = "service.log"
	}
	cfg.Mount.ServiceLog = abs(cfg.Workspace, cfg.Mount.ServiceLog)

	if cfg.Build.Dir == "" {
		cfg.Build.Dir = "build"
	}
	cfg.Build.Dir = abs(cfg.ProjectDir, cfg.Build.Dir)
	cfg.Build.Descriptor = abs(cfg.ProjectDir, cfg.Build.Descriptor)
	if cfg.Build.FSExec == "" {
		cfg.Build.FSExec = "simplefs"
	}
	cfg.Build.FSExec = abs(cfg.Build.Dir, cfg.Build.FSExec)
	if cfg.Build.MkfsExec == "" {
		cfg.Build.MkfsExec = "mkfs.simplefs"
	}
	cfg.Build.MkfsExec = abs(cfg.Build.Dir, cfg.Build.MkfsExec)
	if cfg.Journal != "" {
		cfg.Journal = abs(cfg.ProjectDir, cfg.Journal)
	}
	return nil
}

// parseSizes converts human-readable size strings into bytes.
func (cfg *Config) parseSizes() error {
	sizes := []struct {
		name string
		in   string
		out  *int64
	}{
		{"disk.size", cfg.Disk.SizeStr, &cfg.Disk.Size},
		{"large_file.size", cfg.LargeFile.SizeStr, &cfg.LargeFile.Size},
		{"large_file.block_size", cfg.LargeFile.BlockSizeStr, &cfg.LargeFile.BlockSize},
		{"many_files.size", cfg.ManyFiles.SizeStr, &cfg.ManyFiles.Size},
	}
	for _, s := range sizes {
		n, err := ParseSize(s.in)
		if err != nil {
			return failure.Wrap(failure.Configuration, s.name, err)
		}
		*s.out = n
	}
	return nil
}

// Validate checks value ranges and prerequisites that must hold before the run.
func (cfg *Config) Validate() error {
	var errs []error
	add := func(op, format string, args ...any) {
		errs = append(errs, failure.New(failure.Configuration, op, format, args...))
	}

	if info, err := os.Stat(cfg.ProjectDir); err != nil || !info.IsDir() {
		add("project_dir", "%s is not a directory", cfg.ProjectDir)
	}
	if !cfg.Build.Skip {
		if _, err := os.Stat(cfg.Build.Descriptor); err != nil {
			add("build.descriptor", "%s not found", cfg.Build.Descriptor)
		}
	}
	if cfg.Disk.Size <= 0 {
		add("disk.size", "must be positive")
	}
	if cfg.LargeFile.Size <= 0 {
		add("large_file.size", "must be positive")
	}
	if cfg.LargeFile.BlockSize <= 0 {
		add("large_file.block_size", "must be positive")
	}
	if cfg.Disk.Size > 0 && cfg.LargeFile.Size >= cfg.Disk.Size {
		add("large_file.size", "%s does not fit on a %s disk",
			humanize.IBytes(uint64(cfg.LargeFile.Size)), humanize.IBytes(uint64(cfg.Disk.Size)))
	}
	if cfg.ManyFiles.Count <= 0 {
		add("many_files.count", "must be positive")
	}
	if cfg.ManyFiles.Size <= 0 {
		add("many_files.size", "must be positive")
	}
	if cfg.ManyFiles.Samples <= 0 {
		add("many_files.samples", "must be positive")
	}
	if cfg.Exec.Timeout <= 0 {
		add("exec.timeout", "must be positive")
	}
	cfg.validateWorkspace(add)
	if !strings.HasPrefix(cfg.MountPoint, cfg.Workspace+string(filepath.Separator)) {
		add("mount_point", "%s must be inside workspace %s", cfg.MountPoint, cfg.Workspace)
	}
	for _, p := range cfg.Phases {
		if !slices.Contains(AllPhases, p) {
			add("phases", "unknown phase %q (valid: %s)", p, strings.Join(AllPhases, ", "))
		}
	}
	return errors.Join(errs...)
}

// validateWorkspace rejects workspaces whose removal would take project
// files with it. The workspace is wiped at the start and end of every run.
func (cfg *Config) validateWorkspace(add func(op, format string, args ...any)) {
	if cfg.Workspace == filepath.Dir(cfg.Workspace) {
		add("workspace", "%s is a filesystem root", cfg.Workspace)
		return
	}
	protected := []struct{ name, path string }{
		{"project_dir", cfg.ProjectDir},
		{"build.dir", cfg.Build.Dir},
		{"build.fs_exec", cfg.Build.FSExec},
		{"build.mkfs_exec", cfg.Build.MkfsExec},
		{"journal", cfg.Journal},
	}
	for _, p := range protected {
		if p.path != "" && within(cfg.Workspace, p.path) {
			add("workspace", "%s would remove %s %s", cfg.Workspace, p.name, p.path)
		}
	}
}

// within reports whether path is dir or lies below it. Both must be clean
// absolute paths.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Enabled reports whether the named phase is selected.
func (cfg *Config) Enabled(phase string) bool {
	return slices.Contains(cfg.Phases, phase)
}

// Without returns the phase list minus the named phase.
func (cfg *Config) Without(phase string) []string {
	return slices.DeleteFunc(slices.Clone(cfg.Phases), func(p string) bool { return p == phase })
}

// ParseSize parses a human-readable size string into bytes.
// Supports formats: "100", "1K", "1MB", "1GiB", etc.
func ParseSize(s string) (int64, error) {
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(bytes), nil
}

// Marshal renders the configuration as YAML.
func (cfg *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
