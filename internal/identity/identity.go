// Package identity provisions the secondary (non-privileged) test identity.
//
// Ensure and Remove are independent and idempotent: Ensure skips whatever
// already exists, Remove tolerates whatever is already gone. Remove is meant
// to run during teardown even if Ensure failed halfway.
package identity

import (
	"context"
	"errors"
	"os/user"

	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/executor"
	"github.com/ivoronin/fusestress/internal/failure"
)

// Identity is an OS user and primary group.
type Identity struct {
	User   string
	Group  string
	Exists bool
}

// Username implements executor.Principal.
func (i *Identity) Username() string { return i.User }

// Owner returns "user:group" for chown.
func (i *Identity) Owner() string { return i.User + ":" + i.Group }

// lookupFunc reports whether a named user or group exists.
type lookupFunc func(name string) (bool, error)

// Provisioner creates and removes one identity through external tools.
type Provisioner struct {
	run         executor.Runner
	log         *logrus.Entry
	user        string
	group       string
	lookupUser  lookupFunc
	lookupGroup lookupFunc
	attempted   bool
}

// New creates a Provisioner for user in group.
func New(run executor.Runner, log *logrus.Entry, user, group string) *Provisioner {
	return &Provisioner{
		run:         run,
		log:         log.WithField("identity", user+":"+group),
		user:        user,
		group:       group,
		lookupUser:  userExists,
		lookupGroup: groupExists,
	}
}

// Attempted reports whether Ensure was ever called.
func (p *Provisioner) Attempted() bool { return p.attempted }

// Ensure creates the group and user if they are missing.
func (p *Provisioner) Ensure(ctx context.Context) (*Identity, error) {
	p.attempted = true
	id := &Identity{User: p.user, Group: p.group}

	if err := p.ensure(ctx, "group", p.group, p.lookupGroup, []string{"groupadd", p.group}); err != nil {
		return id, err
	}
	useradd := []string{"useradd", "-m", "-g", p.group, "-s", "/bin/sh", p.user}
	if err := p.ensure(ctx, "user", p.user, p.lookupUser, useradd); err != nil {
		return id, err
	}

	id.Exists = true
	return id, nil
}

// ensure creates one principal unless it exists.
// A failed create is forgiven if the principal exists afterwards (lost race).
func (p *Provisioner) ensure(ctx context.Context, kind, name string, lookup lookupFunc, argv []string) error {
	exists, err := lookup(name)
	if err != nil {
		return failure.Wrap(failure.Configuration, "lookup "+kind+" "+name, err)
	}
	if exists {
		p.log.Infof("%s %q already exists", kind, name)
		return nil
	}

	_, runErr := p.run.Run(ctx, executor.Command{Argv: argv})
	if runErr == nil {
		p.log.Infof("%s %q created", kind, name)
		return nil
	}
	if errors.Is(runErr, failure.Command) {
		if exists, _ := lookup(name); exists {
			p.log.Infof("%s %q appeared concurrently", kind, name)
			return nil
		}
	}
	return runErr
}

// Remove deletes the user (with home) and then the group.
// Missing principals are not errors. Only timeouts are returned.
func (p *Provisioner) Remove(ctx context.Context) error {
	var errs []error
	steps := []struct {
		kind, name string
		lookup     lookupFunc
		argv       []string
	}{
		{"user", p.user, p.lookupUser, []string{"userdel", "-r", p.user}},
		{"group", p.group, p.lookupGroup, []string{"groupdel", p.group}},
	}

	for _, s := range steps {
		res, err := p.run.Run(ctx, executor.Command{Argv: s.argv, Tolerant: true})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Success() {
			p.log.Infof("%s %q removed", s.kind, s.name)
			continue
		}
		if exists, _ := s.lookup(s.name); exists {
			p.log.WithField("exit", res.ExitCode).Warnf("%s %q could not be removed", s.kind, s.name)
		} else {
			p.log.Debugf("%s %q already absent", s.kind, s.name)
		}
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// Lookups
// -----------------------------------------------------------------------------

func userExists(name string) (bool, error) {
	_, err := user.Lookup(name)
	var unknown user.UnknownUserError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &unknown):
		return false, nil
	default:
		return false, err
	}
}

func groupExists(name string) (bool, error) {
	_, err := user.LookupGroup(name)
	var unknown user.UnknownGroupError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &unknown):
		return false, nil
	default:
		return false, err
	}
}
