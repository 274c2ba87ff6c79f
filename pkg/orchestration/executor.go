// Package orchestration runs the steps of a loaded case against a testcase.Env.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/scenario"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
)

// ErrNoHandler is returned for a step kind no handler is registered for.
var ErrNoHandler = errors.New("no handler for step kind")

// StepHandler executes one kind of step.
type StepHandler interface {
	Run(ctx context.Context, sc *StepContext, step scenario.Step) error
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, sc *StepContext, step scenario.Step) error

// Run implements StepHandler.
func (f StepHandlerFunc) Run(ctx context.Context, sc *StepContext, step scenario.Step) error {
	return f(ctx, sc, step)
}

// Executor turns cases into testcase.RunFunc.
type Executor struct {
	handlers  map[string]StepHandler
	overrides params.Params
}

// Option configures an Executor.
type Option func(*Executor)

// WithOverrides sets params that take precedence over case and variant params.
func WithOverrides(p params.Params) Option {
	return func(e *Executor) {
		e.overrides = p
	}
}

// WithHandler registers h for kind, replacing the built-in handler.
func WithHandler(kind string, h StepHandler) Option {
	return func(e *Executor) {
		e.handlers[kind] = h
	}
}

// NewExecutor returns an Executor with a handler for every built-in step kind.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		handlers: map[string]StepHandler{
			scenario.KindSnapshot:  StepHandlerFunc(runSnapshot),
			scenario.KindXML:       StepHandlerFunc(runXML),
			scenario.KindSync:      StepHandlerFunc(runSync),
			scenario.KindDefine:    StepHandlerFunc(runDefine),
			scenario.KindVirsh:     StepHandlerFunc(runVirsh),
			scenario.KindStart:     StepHandlerFunc(runStart),
			scenario.KindDestroy:   StepHandlerFunc(runDestroy),
			scenario.KindCheck:     StepHandlerFunc(runCheck),
			scenario.KindGuest:     StepHandlerFunc(runGuest),
			scenario.KindMonitor:   StepHandlerFunc(runMonitor),
			scenario.KindDisk:      StepHandlerFunc(runDisk),
			scenario.KindConf:      StepHandlerFunc(runConf),
			scenario.KindSleep:     StepHandlerFunc(runSleep),
			scenario.KindProvision: StepHandlerFunc(runProvision),
			scenario.KindNetwork:   StepHandlerFunc(runNetwork),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Kinds returns the step kinds the executor can run.
func (e *Executor) Kinds() []string {
	kinds := slices.Collect(maps.Keys(e.handlers))
	slices.Sort(kinds)
	return kinds
}

// Params returns the params inst runs with.
func (e *Executor) Params(inst scenario.Instance) params.Params {
	return inst.Params.Merge(e.overrides)
}

// Run executes inst as a case.
func (e *Executor) Run(ctx context.Context, inst scenario.Instance, env *testcase.Env) *testcase.Result {
	return testcase.Run(ctx, inst.Name, e.RunFunc(inst.Case), e.Params(inst), env)
}

// RunFunc returns the body of c: its steps in order, stopping at the first error.
func (e *Executor) RunFunc(c *scenario.Case) testcase.RunFunc {
	return func(ctx context.Context, t *testcase.T, p params.Params, env *testcase.Env) error {
		if d, err := c.Timeout.Duration(); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		sc := newStepContext(t, p, env)
		t.Cleanup(sc.close)

		if usesDmesg(c) && env.Host != nil {
			mark, err := env.Host.DmesgMark(ctx)
			if err != nil {
				return err
			}
			sc.dmesgMark = mark
		}

		for i, step := range c.Steps {
			kind := step.Kind()
			label := step.Name
			if label == "" {
				label = kind
			}

			h, ok := e.handlers[kind]
			if !ok {
				return testcase.Error("step %d (%s): %v: %q", i, label, ErrNoHandler, kind)
			}

			t.Logger().Info("running step", "index", i, "step", label)
			if err := h.Run(ctx, sc, step); err != nil {
				return stepError(i, label, err)
			}
		}
		return nil
	}
}

// stepError prefixes err with the failing step, keeping its outcome.
func stepError(index int, label string, err error) error {
	prefix := fmt.Sprintf("step %d (%s)", index, label)
	var o *testcase.Outcome
	if errors.As(err, &o) {
		return &testcase.Outcome{
			Status:  o.Status,
			Message: prefix + ": " + o.Message,
			Err:     o.Err,
		}
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

func usesDmesg(c *scenario.Case) bool {
	for _, step := range c.Steps {
		if step.Check != nil && step.Check.Type == scenario.CheckDmesg {
			return true
		}
	}
	return false
}
