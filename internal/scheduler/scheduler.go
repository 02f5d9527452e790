// Package scheduler runs phases in order and guarantees a single teardown.
//
// The run is strictly sequential: the first fatal error stops the
// remaining phases. Teardown is registered step by step as resources come
// into existence and runs exactly once, in registration order, no matter how
// the run ends.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/phases"
	"github.com/ivoronin/fusestress/internal/report"
)

// Scheduler runs phases against one environment.
type Scheduler struct {
	phases []phases.Phase
	env    *phases.Env
	log    *logrus.Entry
}

// New creates a Scheduler for the given phases, run in slice order.
func New(env *phases.Env, log *logrus.Entry, ps ...phases.Phase) *Scheduler {
	return &Scheduler{phases: ps, env: env, log: log}
}

// Run executes every phase until one returns a fatal error.
// Non-fatal errors are reported as warnings and the run continues.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, p := range s.phases {
		if err := ctx.Err(); err != nil {
			return failure.Wrap(failure.Command, "phase "+p.Name(), err)
		}
		log := s.log.WithField("phase", p.Name())
		log.Info("phase started")
		start := time.Now()

		err := p.Run(ctx, s.env)
		checks := s.env.Reporter.Phase(p.Name())
		switch {
		case err == nil:
			log.WithField("duration", time.Since(start).Truncate(time.Millisecond)).Info("phase passed")
		case failure.IsFatal(err):
			checks.Fail("phase aborted", err)
			return err
		default:
			checks.Warn("phase", err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Teardown
// -----------------------------------------------------------------------------

// Step is one teardown action.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Teardown holds cleanup steps and runs them once.
type Teardown struct {
	mu    sync.Mutex
	steps []Step
	once  sync.Once
	err   error
	rep   *report.Reporter
}

// NewTeardown creates an empty Teardown reporting step outcomes to rep.
func NewTeardown(rep *report.Reporter) *Teardown {
	return &Teardown{rep: rep}
}

// Add registers a step. Steps run in the order they were added.
func (t *Teardown) Add(name string, fn func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, Step{Name: name, Fn: fn})
}

// Run executes every step exactly once, even if some fail, and returns the
// joined errors. Failures are reported as warnings; they never change the
// outcome of the run. Later calls return the first call's result.
// Cancellation of ctx is ignored so cleanup completes after an interrupt.
func (t *Teardown) Run(ctx context.Context) error {
	t.once.Do(func() {
		ctx = context.WithoutCancel(ctx)
		t.mu.Lock()
		steps := append([]Step(nil), t.steps...)
		t.mu.Unlock()

		checks := t.rep.Phase("teardown")
		var errs []error
		for _, s := range steps {
			if err := s.Fn(ctx); err != nil {
				checks.Warn(s.Name, err)
				errs = append(errs, err)
				continue
			}
			checks.Pass("%s", s.Name)
		}
		t.err = errors.Join(errs...)
	})
	return t.err
}
