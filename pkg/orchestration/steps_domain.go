package orchestration

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/scenario"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
)

func runSnapshot(ctx context.Context, sc *StepContext, step scenario.Step) error {
	vm, err := sc.VM(step.Snapshot.VM)
	if err != nil {
		return err
	}
	_, err = sc.Snapshot(ctx, vm)
	return err
}

func runXML(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.XML
	vm, err := sc.VM(s.VM)
	if err != nil {
		return err
	}
	x, err := sc.Snapshot(ctx, vm)
	if err != nil {
		return err
	}
	return applyXMLEdits(sc, x, s)
}

func applyXMLEdits(sc *StepContext, x *vmxml.VMXML, s *scenario.XMLStep) error {
	for _, f := range []struct {
		field string
		value string
		set   func(uint)
	}{
		{"set_vcpu", s.SetVCPU, x.SetVCPU},
		{"set_current_vcpu", s.SetCurrentVCPU, x.SetCurrentVCPU},
		{"set_memory", s.SetMemory, x.SetMemory},
		{"set_current_memory", s.SetCurrentMem, x.SetCurrentMemory},
	} {
		v := sc.Expand(f.value)
		if v == "" {
			continue
		}
		n, err := parseUint(f.field, v)
		if err != nil {
			return err
		}
		f.set(n)
	}

	if mode := sc.Expand(s.SetCPUMode); mode != "" {
		x.SetCPUMode(mode)
	}
	if model := sc.Expand(s.SetCPUModel); model != "" {
		x.SetCPUModel(model, "allow")
	}
	for _, name := range slices.Sorted(maps.Keys(s.CPUFeatures)) {
		x.SetCPUFeature(sc.Expand(name), sc.Expand(s.CPUFeatures[name]))
	}
	for _, name := range slices.Sorted(maps.Keys(s.Features)) {
		on, err := params.ParseBool(sc.Expand(s.Features[name]))
		if err != nil {
			return err
		}
		if err := x.SetFeature(sc.Expand(name), on); err != nil {
			return err
		}
	}

	if v := sc.Expand(s.Machine); v != "" {
		x.SetMachine(v)
	}
	if v := sc.Expand(s.OnCrash); v != "" {
		x.SetOnCrash(v)
	}
	if v := sc.Expand(s.OnReboot); v != "" {
		x.SetOnReboot(v)
	}
	if v := sc.Expand(s.OnPoweroff); v != "" {
		x.SetOnPoweroff(v)
	}

	if ds := s.DiskSource; ds != nil {
		if err := x.SetDiskSource(sc.Expand(ds.Target), sc.Expand(ds.Path)); err != nil {
			return err
		}
	}

	for _, kind := range s.RemoveDevices {
		n, err := x.RemoveDevices(sc.Expand(kind))
		if err != nil {
			return err
		}
		sc.Logger().Debug("removed devices", "kind", kind, "count", n)
	}
	for _, dev := range s.AddDevices {
		if err := x.AddDevice(sc.Expand(dev)); err != nil {
			return err
		}
	}

	for _, r := range s.Replace {
		n, err := x.ReplaceText(sc.Expand(r.Old), sc.Expand(r.New))
		if err != nil {
			return err
		}
		if n == 0 {
			return testcase.Error("text %q not found in domain XML of %s", sc.Expand(r.Old), x.Name())
		}
	}

	return nil
}

// undefineFlags returns the flags configured on the snapshot manager, or
// driver.CleanUndefine when the run has none.
func (sc *StepContext) undefineFlags() driver.UndefineFlags {
	if sc.Env.Backup == nil {
		return driver.CleanUndefine
	}
	return sc.Env.Backup.UndefineFlags()
}

func runSync(ctx context.Context, sc *StepContext, step scenario.Step) error {
	vm, err := sc.VM(step.Sync.VM)
	if err != nil {
		return err
	}
	expectFail, err := sc.StatusError(step.Sync.StatusError)
	if err != nil {
		return err
	}
	x, err := sc.Snapshot(ctx, vm)
	if err != nil {
		return err
	}

	syncErr := x.Sync(ctx, sc.Env.Driver, vmxml.SyncOptions{UndefineFlags: sc.undefineFlags()})
	switch {
	case syncErr == nil && expectFail:
		return testcase.Fail("domain XML of %s was accepted, expected a rejection", vm)
	case syncErr == nil:
		return nil
	case expectFail:
		sc.Logger().Info("domain XML rejected as expected", "vmName", vm, "error", syncErr.Error())
		return sc.resetWorkingCopy(ctx, vm)
	}
	return &testcase.Outcome{
		Status:  testcase.StatusFail,
		Message: fmt.Sprintf("failed to sync domain XML of %s: %v", vm, syncErr),
		Err:     syncErr,
	}
}

func runDefine(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Define
	expectFail, err := sc.StatusError(s.StatusError)
	if err != nil {
		return err
	}

	doc := s.XML
	if s.File != "" {
		b, err := os.ReadFile(sc.Expand(s.File))
		if err != nil {
			return err
		}
		doc = string(b)
	}
	doc = sc.Expand(doc)

	defineErr := sc.Env.Driver.Define(ctx, doc)
	switch {
	case defineErr != nil && expectFail:
		sc.Logger().Info("domain definition rejected as expected", "error", defineErr.Error())
		return nil
	case defineErr != nil:
		return &testcase.Outcome{
			Status:  testcase.StatusFail,
			Message: fmt.Sprintf("failed to define domain: %v", defineErr),
			Err:     defineErr,
		}
	case expectFail:
		return testcase.Fail("domain definition was accepted, expected a rejection")
	}

	if !s.Undefine {
		return nil
	}
	x, err := vmxml.Parse(doc)
	if err != nil {
		return err
	}
	name := x.Name()
	sc.T.Cleanup(func(ctx context.Context) error {
		if err := sc.Env.Driver.Destroy(ctx, name); err != nil {
			sc.Logger().Warn("failed to destroy defined domain", "vmName", name, "error", err.Error())
		}
		return vmxml.Undefine(ctx, sc.Env.Driver, name, sc.undefineFlags())
	})
	return nil
}

func runStart(ctx context.Context, sc *StepContext, step scenario.Step) error {
	vm, err := sc.VM(step.Start.VM)
	if err != nil {
		return err
	}
	return sc.Env.Driver.Start(ctx, vm)
}

func runDestroy(ctx context.Context, sc *StepContext, step scenario.Step) error {
	vm, err := sc.VM(step.Destroy.VM)
	if err != nil {
		return err
	}
	return sc.Env.Driver.Destroy(ctx, vm)
}

func runVirsh(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Virsh
	if sc.Env.Virsh == nil {
		return fmt.Errorf("virsh %w", errNotConfigured)
	}
	expectFail, err := sc.StatusError(s.StatusError)
	if err != nil {
		return err
	}

	res, err := sc.Env.Virsh.Command(ctx, sc.Expand(s.Command), sc.ExpandAll(s.Args)...)
	if err != nil {
		return err
	}
	sc.Logger().Debug("virsh command finished",
		"command", res.Command, "exitStatus", res.ExitStatus, "duration", res.Duration.String())

	if err := checks.ExpectStatus(res, expectFail); err != nil {
		return err
	}
	if expectFail && s.ExpectError != "" {
		if err := checks.ExpectedErrorMatches(res, sc.Expand(s.ExpectError)); err != nil {
			return err
		}
	}
	if s.Expect != "" {
		if err := checks.OutputContains(res, sc.Expand(s.Expect)); err != nil {
			return err
		}
	}
	if s.ExpectNot != "" {
		if err := checks.OutputNotContains(res, sc.Expand(s.ExpectNot)); err != nil {
			return err
		}
	}
	if s.Save != "" {
		sc.Params.Set(s.Save, res.StdoutText())
	}
	return nil
}
