package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/alexandremahdhaoui/virtcase/pkg/backup"
	"github.com/alexandremahdhaoui/virtcase/pkg/guest"
	"github.com/alexandremahdhaoui/virtcase/pkg/monitor"
	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
)

var (
	errNoVM          = errors.New("no domain given and main_vm is not set")
	errNotConfigured = errors.New("not configured")
)

// StepContext is the state shared by the steps of one case.
type StepContext struct {
	T      *testcase.T
	Params params.Params
	Env    *testcase.Env

	working   map[string]*vmxml.VMXML
	snapshots map[string]*backup.Snapshot
	sessions  map[string]guest.Session
	monitors  map[string]*monitor.Monitor
	dmesgMark int
}

func newStepContext(t *testcase.T, p params.Params, env *testcase.Env) *StepContext {
	return &StepContext{
		T:         t,
		Params:    p,
		Env:       env,
		working:   map[string]*vmxml.VMXML{},
		snapshots: map[string]*backup.Snapshot{},
		sessions:  map[string]guest.Session{},
		monitors:  map[string]*monitor.Monitor{},
	}
}

// Logger returns the case logger.
func (sc *StepContext) Logger() *slog.Logger {
	return sc.T.Logger()
}

// Expand substitutes ${key} references from the case params.
func (sc *StepContext) Expand(s string) string {
	return sc.Params.Expand(s)
}

// ExpandAll expands every element of in.
func (sc *StepContext) ExpandAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = sc.Expand(s)
	}
	return out
}

// VM returns the expanded name, main_vm when name is empty.
func (sc *StepContext) VM(name string) (string, error) {
	if name = sc.Expand(name); name != "" {
		return name, nil
	}
	if vm := sc.Params.MainVM(); vm != "" {
		return vm, nil
	}
	return "", errNoVM
}

// StatusError resolves a step-level status_error, falling back to the case param.
func (sc *StepContext) StatusError(stepValue string) (bool, error) {
	v := sc.Expand(stepValue)
	if v == "" {
		return sc.Params.StatusError(), nil
	}
	return params.ParseBool(v)
}

// Snapshot backs up vm once per case and returns its working copy.
func (sc *StepContext) Snapshot(ctx context.Context, vm string) (*vmxml.VMXML, error) {
	if x, ok := sc.working[vm]; ok {
		return x, nil
	}
	if sc.Env.Backup == nil {
		return nil, fmt.Errorf("backup manager %w", errNotConfigured)
	}

	s, err := sc.Env.Backup.Snapshot(ctx, vm)
	if err != nil {
		return nil, err
	}
	x, err := s.WorkingCopy()
	if err != nil {
		return nil, err
	}
	sc.snapshots[vm] = s
	sc.working[vm] = x
	sc.Logger().Debug("snapshotted domain", "vmName", vm, "backupID", s.ID)
	return x, nil
}

// resetWorkingCopy replaces the working copy with the current definition.
func (sc *StepContext) resetWorkingCopy(ctx context.Context, vm string) error {
	x, err := vmxml.FromDomain(ctx, sc.Env.Driver, vm, true)
	if err != nil {
		return err
	}
	sc.working[vm] = x
	return nil
}

// Session returns the guest session of vm, logging in on first use.
func (sc *StepContext) Session(ctx context.Context, vm string) (guest.Session, error) {
	if s, ok := sc.sessions[vm]; ok {
		return s, nil
	}
	if sc.Env.Login == nil {
		return nil, fmt.Errorf("guest login %w", errNotConfigured)
	}
	s, err := sc.Env.Login(ctx, vm, sc.Params)
	if err != nil {
		return nil, err
	}
	sc.sessions[vm] = s
	return s, nil
}

// close stops monitors and closes guest sessions left open by the steps.
func (sc *StepContext) close(context.Context) error {
	var errs error
	for _, id := range slices.Sorted(maps.Keys(sc.monitors)) {
		if _, err := sc.monitors[id].Stop(); err != nil && !errors.Is(err, monitor.ErrNotStarted) {
			errs = errors.Join(errs, err)
		}
		delete(sc.monitors, id)
	}
	for _, vm := range slices.Sorted(maps.Keys(sc.sessions)) {
		if err := sc.sessions[vm].Close(); err != nil {
			sc.Logger().Warn("failed to close guest session", "vmName", vm, "error", err.Error())
		}
		delete(sc.sessions, vm)
	}
	return errs
}
