package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ivoronin/fusestress/internal/config"
	"github.com/ivoronin/fusestress/internal/harness"
)

// runOptions holds CLI flags shared by run and config.
// Flags override the config file only when given explicitly.
type runOptions struct {
	configFile        string
	projectDir        string
	skipBuild         bool
	fsExec            string
	mkfsExec          string
	phases            []string
	journal           string
	noProgress        bool
	allowUnprivileged bool
	logLevel          string
	diskSize          string
	largeSize         string
	files             int
	seed              uint64
}

// bindFlags registers the config-override flags on fs.
func (o *runOptions) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configFile, "config", "c", "", "YAML config file")
	fs.StringVarP(&o.projectDir, "project-dir", "C", "", "Filesystem project directory (default: current directory)")
	fs.BoolVar(&o.skipBuild, "skip-build", false, "Use existing executables instead of building")
	fs.StringVar(&o.fsExec, "fs-exec", "", "Filesystem service executable (default: <build>/simplefs)")
	fs.StringVar(&o.mkfsExec, "mkfs-exec", "", "Format executable (default: <build>/mkfs.simplefs)")
	fs.StringSliceVarP(&o.phases, "phases", "p", nil, "Phases to run: large, many, perm, links (order is fixed)")
	fs.StringVar(&o.journal, "journal", "", "Record every check to this journal file")
	fs.BoolVar(&o.noProgress, "no-progress", false, "Disable progress output")
	fs.BoolVar(&o.allowUnprivileged, "allow-unprivileged", false, "Run without root, skipping the permission phase")
	fs.StringVarP(&o.logLevel, "log-level", "l", "", "Log level: trace, debug, info, warn, error")
	fs.StringVar(&o.diskSize, "disk-size", "", "Disk image size (e.g., 256MiB)")
	fs.StringVar(&o.largeSize, "large-size", "", "Large-file phase size (e.g., 64MiB)")
	fs.IntVar(&o.files, "files", 0, "Number of files in the many-files phase")
	fs.Uint64Var(&o.seed, "seed", 0, "Many-files content seed (0 = random)")
}

// loadConfig builds the final configuration: defaults, file, flags.
func (o *runOptions) loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("project-dir", func() { cfg.ProjectDir = o.projectDir })
	set("skip-build", func() { cfg.Build.Skip = o.skipBuild })
	set("fs-exec", func() { cfg.Build.FSExec = o.fsExec })
	set("mkfs-exec", func() { cfg.Build.MkfsExec = o.mkfsExec })
	set("phases", func() { cfg.Phases = normalizePhases(o.phases) })
	set("journal", func() { cfg.Journal = o.journal })
	set("no-progress", func() { cfg.NoProgress = o.noProgress })
	set("allow-unprivileged", func() { cfg.AllowUnprivileged = o.allowUnprivileged })
	set("log-level", func() { cfg.Log.Level = o.logLevel })
	set("disk-size", func() { cfg.Disk.SizeStr = o.diskSize })
	set("large-size", func() { cfg.LargeFile.SizeStr = o.largeSize })
	set("files", func() { cfg.ManyFiles.Count = o.files })
	set("seed", func() { cfg.ManyFiles.Seed = o.seed })

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRunCmd creates the run subcommand.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build, mount and exercise the filesystem",
		Long: `Builds the filesystem project, formats a fresh disk image, mounts it and
runs the test phases in order:

  large   copy a large random file in and out with O_DIRECT, compare digests
  many    create many small files, check the listing and sampled digests
  perm    check owner and mode enforcement against a second identity (root only)
  links   check hard link identity and symbolic link binding

The first failing check stops the run. Teardown (unmount, workspace removal,
identity removal) always runs. Exit status is 1 if any check failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarness(cmd.Flags(), opts)
		},
	}
	opts.bindFlags(cmd.Flags())
	return cmd
}

// runHarness executes one run. Interrupts cancel the run and unwind to teardown.
func runHarness(fs *pflag.FlagSet, opts *runOptions) error {
	cfg, err := opts.loadConfig(fs)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log.Level, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := harness.New(cfg, log, os.Stdout)
	log.WithField("run_id", h.RunID()).Debug("starting")
	if _, err := h.Run(ctx); err != nil {
		return err
	}
	return nil
}
