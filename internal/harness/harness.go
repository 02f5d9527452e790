// Package harness wires the components of one run together.
//
// Run order:
//
//	pre-flight → workspace → build → disk image → mount → phases
//	                                                          │
//	teardown (always, once): unmount → remove workspace → remove identity
//
// Teardown steps are registered up front and each one checks whether its
// resource was ever created, so any failure point unwinds the same way.
package harness

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/build"
	"github.com/ivoronin/fusestress/internal/config"
	"github.com/ivoronin/fusestress/internal/diskimage"
	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/identity"
	"github.com/ivoronin/fusestress/internal/mount"
	"github.com/ivoronin/fusestress/internal/phases"
	"github.com/ivoronin/fusestress/internal/progress"
	"github.com/ivoronin/fusestress/internal/report"
	"github.com/ivoronin/fusestress/internal/scheduler"
	"github.com/ivoronin/fusestress/internal/workspace"
)

// Harness runs the configured phases against a freshly built and mounted
// filesystem.
type Harness struct {
	cfg   *config.Config
	log   *logrus.Entry
	out   io.Writer
	runID string

	// Replaced in tests.
	geteuid func() int
	mounted func(path string) (bool, error)
}

// New creates a Harness. cfg must be finalized. Check lines go to out.
func New(cfg *config.Config, log *logrus.Logger, out io.Writer) *Harness {
	runID := uuid.NewString()
	return &Harness{
		cfg:     cfg,
		log:     log.WithField("run", runID[:8]),
		out:     out,
		runID:   runID,
		geteuid: os.Geteuid,
		mounted: mount.IsMounted,
	}
}

// RunID returns the identifier recorded with every check.
func (h *Harness) RunID() string { return h.runID }

// Run executes the whole run and returns the final tallies.
// The returned error is the first fatal error, if any; teardown has already
// happened when Run returns.
func (h *Harness) Run(ctx context.Context) (report.Counts, error) {
	journal, err := report.Open(h.cfg.Journal)
	if err != nil {
		return report.Counts{}, failure.Wrap(failure.Configuration, "journal", err)
	}
	defer func() { _ = journal.Close() }()

	rep := report.New(h.out, h.log.WithField("component", "report"), journal, h.runID)
	r := &run{
		Harness:  h,
		rep:      rep,
		setup:    rep.Phase("setup"),
		teardown: scheduler.NewTeardown(rep),
		exec: executor.New(h.log.WithField("component", "executor"),
			h.cfg.Identity.Impersonate, h.cfg.Exec.Timeout),
	}
	r.identities = identity.New(r.exec, h.log.WithField("component", "identity"),
		h.cfg.Identity.User, h.cfg.Identity.Group)
	r.registerTeardown()

	h.log.WithField("phases", h.cfg.Phases).Info("run started")
	err = r.execute(ctx)
	_ = r.teardown.Run(ctx)
	counts := rep.Summary()
	return counts, err
}

// run is the state of one Run call.
type run struct {
	*Harness
	rep        *report.Reporter
	setup      *report.Scope
	teardown   *scheduler.Teardown
	exec       *executor.Executor
	identities *identity.Provisioner

	workspace *workspace.Controller
	prepared  bool
	session   *mount.Session
}

func (r *run) registerTeardown() {
	r.teardown.Add("unmount", func(ctx context.Context) error {
		if r.session == nil {
			return nil
		}
		return r.session.Stop(ctx)
	})
	r.teardown.Add("remove workspace", func(context.Context) error {
		if !r.prepared {
			return nil
		}
		return r.workspace.Destroy()
	})
	r.teardown.Add("remove identity", func(ctx context.Context) error {
		if !r.identities.Attempted() {
			return nil
		}
		return r.identities.Remove(ctx)
	})
}

// step runs one setup step and reports it. Only fatal errors stop the run.
func (r *run) step(name string, fn func() error) error {
	err := fn()
	r.setup.Report(name, err)
	if failure.IsFatal(err) {
		return err
	}
	return nil
}

func (r *run) execute(ctx context.Context) error {
	cfg := r.cfg
	selected := cfg.Phases

	if r.geteuid() != 0 {
		if !cfg.AllowUnprivileged {
			err := failure.New(failure.Configuration, "pre-flight", "must run as root (or pass --allow-unprivileged)")
			r.setup.Fail("pre-flight", err)
			return err
		}
		if cfg.Enabled(config.PhasePermissions) {
			r.setup.Skip(config.PhasePermissions, "not running as root")
			selected = cfg.Without(config.PhasePermissions)
		}
	}

	env := workspace.Environment{
		Root:       cfg.Workspace,
		MountPoint: cfg.MountPoint,
		DiskImage:  cfg.Disk.Image,
		DiskSize:   cfg.Disk.Size,
	}
	r.workspace = workspace.New(env, r.exec, r.log.WithField("component", "workspace"), cfg.Mount.Unmount, r.mounted)
	if err := r.step("prepare workspace", func() error { return r.workspace.Prepare(ctx) }); err != nil {
		return err
	}
	r.prepared = true

	builder := build.New(build.Options{
		Skip:       cfg.Build.Skip,
		Dir:        cfg.Build.Dir,
		Descriptor: cfg.Build.Descriptor,
		Commands:   cfg.Build.Commands,
		Outputs:    []string{cfg.Build.FSExec, cfg.Build.MkfsExec},
	}, r.exec, r.log.WithField("component", "build"))
	if err := r.step("build", func() error { return builder.Build(ctx) }); err != nil {
		return err
	}

	disks := diskimage.New(r.exec, r.log.WithField("component", "diskimage"), cfg.Disk.AllocArgv, cfg.Build.MkfsExec)
	diskStep := fmt.Sprintf("create %s disk image", humanize.IBytes(uint64(cfg.Disk.Size)))
	if err := r.step(diskStep, func() error {
		_, err := disks.Create(ctx, env.DiskImage, env.DiskSize)
		return err
	}); err != nil {
		return err
	}

	r.session = mount.NewSession(mount.Options{
		Exec:          cfg.Build.FSExec,
		DiskImage:     env.DiskImage,
		MountPoint:    env.MountPoint,
		Args:          cfg.Mount.Args,
		UnmountCmd:    cfg.Mount.Unmount,
		ReadyAttempts: cfg.Mount.ReadyAttempts,
		ReadyDelay:    cfg.Mount.ReadyDelay,
		ReadyMaxDelay: cfg.Mount.ReadyMaxDelay,
		GracePeriod:   cfg.Mount.GracePeriod,
		ServiceLog:    cfg.Mount.ServiceLog,
		Mounted:       r.mounted,
	}, r.exec, r.log.WithField("component", "mount"))
	if err := r.step("mount", func() error { return r.session.Start(ctx) }); err != nil {
		return err
	}
	if fsType, err := mount.FSType(env.MountPoint); err == nil && fsType != "" {
		r.log.WithField("fstype", fsType).Info("filesystem under test")
	}

	penv := &phases.Env{
		MountPoint: env.MountPoint,
		Scratch:    r.workspace.Environment().Scratch(),
		Run:        r.exec,
		Reporter:   r.rep,
		Log:        r.log.WithField("component", "phases"),
		Progress:   progress.Factory{Enabled: !cfg.NoProgress},
	}
	return scheduler.New(penv, r.log.WithField("component", "scheduler"), r.selectPhases(selected)...).Run(ctx)
}

// selectPhases builds the selected phases in the fixed execution order.
func (r *run) selectPhases(selected []string) []phases.Phase {
	cfg := r.cfg
	var ps []phases.Phase
	for _, name := range config.AllPhases {
		if !slices.Contains(selected, name) {
			continue
		}
		switch name {
		case config.PhaseLargeFile:
			ps = append(ps, phases.LargeFile{
				Size:      cfg.LargeFile.Size,
				BlockSize: cfg.LargeFile.BlockSize,
				Direct:    cfg.LargeFile.Direct == nil || *cfg.LargeFile.Direct,
			})
		case config.PhaseManyFiles:
			ps = append(ps, phases.ManyFiles{
				Count:   cfg.ManyFiles.Count,
				Size:    cfg.ManyFiles.Size,
				Samples: cfg.ManyFiles.Samples,
				Seed:    cfg.ManyFiles.Seed,
			})
		case config.PhasePermissions:
			ps = append(ps, phases.Permissions{Identities: r.identities})
		case config.PhaseLinks:
			ps = append(ps, phases.Links{})
		}
	}
	return ps
}
