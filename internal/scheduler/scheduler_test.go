package scheduler

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/fusestress/internal/failure"
	"github.com/ivoronin/fusestress/internal/phases"
	"github.com/ivoronin/fusestress/internal/report"
)

func init() {
	color.NoColor = true
}

// stubPhase records its execution and returns err.
type stubPhase struct {
	name string
	err  error
	ran  *[]string
}

func (p stubPhase) Name() string { return p.name }

func (p stubPhase) Run(_ context.Context, _ *phases.Env) error {
	*p.ran = append(*p.ran, p.name)
	return p.err
}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newEnv() (*phases.Env, *bytes.Buffer) {
	var out bytes.Buffer
	return &phases.Env{Reporter: report.New(&out, quietLog(), nil, "test")}, &out
}

func TestRunOrder(t *testing.T) {
	var ran []string
	env, _ := newEnv()
	s := New(env, quietLog(),
		stubPhase{name: "large", ran: &ran},
		stubPhase{name: "many", ran: &ran},
		stubPhase{name: "links", ran: &ran},
	)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"large", "many", "links"}, ran)
}

func TestRunStopsOnFatal(t *testing.T) {
	var ran []string
	env, out := newEnv()
	boom := failure.Mismatch("digest in place", "aa", "bb")
	s := New(env, quietLog(),
		stubPhase{name: "large", ran: &ran, err: boom},
		stubPhase{name: "many", ran: &ran},
	)

	err := s.Run(context.Background())

	assert.ErrorIs(t, err, failure.Integrity)
	assert.Equal(t, []string{"large"}, ran)
	assert.Contains(t, out.String(), "FAIL  [large] phase aborted: integrity mismatch")
}

func TestRunContinuesOnWarning(t *testing.T) {
	var ran []string
	env, out := newEnv()
	s := New(env, quietLog(),
		stubPhase{name: "large", ran: &ran, err: failure.New(failure.Expected, "x", "tolerated")},
		stubPhase{name: "many", ran: &ran},
	)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"large", "many"}, ran)
	assert.Contains(t, out.String(), "WARN  [large] phase")
}

func TestRunCancelled(t *testing.T) {
	var ran []string
	env, _ := newEnv()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(env, quietLog(), stubPhase{name: "large", ran: &ran}).Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ran)
}

func TestTeardownRunsOnceInOrder(t *testing.T) {
	var out bytes.Buffer
	td := NewTeardown(report.New(&out, quietLog(), nil, "test"))
	var order []string
	td.Add("unmount", func(context.Context) error {
		order = append(order, "unmount")
		return failure.New(failure.Unmount, "unmount", "still mounted")
	})
	td.Add("remove workspace", func(context.Context) error {
		order = append(order, "workspace")
		return nil
	})
	td.Add("remove identity", func(context.Context) error {
		order = append(order, "identity")
		return nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = td.Run(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"unmount", "workspace", "identity"}, order)
	for _, err := range errs {
		assert.ErrorIs(t, err, failure.Unmount)
	}
	assert.Contains(t, out.String(), "WARN  [teardown] unmount")
	assert.Contains(t, out.String(), "PASS  [teardown] remove workspace")
}

func TestTeardownIgnoresCancellation(t *testing.T) {
	var out bytes.Buffer
	td := NewTeardown(report.New(&out, quietLog(), nil, "test"))
	var sawCancel bool
	td.Add("step", func(ctx context.Context) error {
		sawCancel = ctx.Err() != nil
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, td.Run(ctx))
	assert.False(t, sawCancel)
}

func TestTeardownEmpty(t *testing.T) {
	var out bytes.Buffer
	td := NewTeardown(report.New(&out, quietLog(), nil, "test"))
	assert.NoError(t, td.Run(context.Background()))
	assert.NoError(t, td.Run(context.Background()))
	assert.Empty(t, out.String())
}
