package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
	"github.com/alexandremahdhaoui/virtcase/pkg/monitor"
	"github.com/alexandremahdhaoui/virtcase/pkg/scenario"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
)

const (
	defaultMonitorID   = "default"
	defaultWaitTimeout = time.Minute
)

func runGuest(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Guest
	vm, err := sc.VM(s.VM)
	if err != nil {
		return err
	}
	expectFail, err := sc.StatusError(s.StatusError)
	if err != nil {
		return err
	}
	timeout, err := scenario.DurationString(sc.Expand(string(s.Timeout))).Duration()
	if err != nil {
		return err
	}

	session, err := sc.Session(ctx, vm)
	if err != nil {
		return err
	}

	cmdCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := session.Cmd(cmdCtx, sc.Expand(s.Command))
	if err != nil {
		return err
	}
	sc.Logger().Debug("guest command finished", "vmName", vm, "command", res.Command, "exitStatus", res.ExitStatus)

	if err := checks.ExpectStatus(res, expectFail); err != nil {
		return err
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

func runMonitor(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Monitor
	id := sc.Expand(s.ID)
	if id == "" {
		id = defaultMonitorID
	}

	switch {
	case s.Start != "":
		if _, ok := sc.monitors[id]; ok {
			return fmt.Errorf("monitor %q is already running", id)
		}
		patterns := sc.ExpandAll(s.Patterns)
		if s.Pattern != "" {
			patterns = append(patterns, sc.Expand(s.Pattern))
		}
		var opts []monitor.Option
		if s.FromStart {
			opts = append(opts, monitor.FromStart())
		}
		m, err := monitor.New(sc.Expand(s.Start), patterns, opts...)
		if err != nil {
			return err
		}
		// The monitor outlives this step; it is stopped by a later step or at cleanup.
		if err := m.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		sc.monitors[id] = m
		return nil

	case s.Wait != "":
		m, ok := sc.monitors[id]
		if !ok {
			return fmt.Errorf("monitor %q is not running", id)
		}
		timeout, err := scenario.DurationString(sc.Expand(string(s.Timeout))).Duration()
		if err != nil {
			return err
		}
		if timeout <= 0 {
			timeout = defaultWaitTimeout
		}

		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		expr := sc.Expand(s.Wait)
		line, err := m.Wait(wctx, expr)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, monitor.ErrNoMatch) {
				return testcase.Fail("pattern %q not seen in %s within %s", expr, m.Path(), timeout)
			}
			return err
		}
		sc.Logger().Info("log line matched", "path", m.Path(), "pattern", expr, "line", line)
		return nil

	case s.Stop:
		m, ok := sc.monitors[id]
		if !ok {
			return fmt.Errorf("monitor %q is not running", id)
		}
		delete(sc.monitors, id)
		matches, err := m.Stop()
		if err != nil {
			return err
		}
		for _, match := range matches {
			sc.Logger().Info("log line matched", "path", m.Path(), "pattern", match.Pattern, "line", match.Line)
		}
		if s.Absent && len(matches) > 0 {
			return testcase.Fail("pattern %q matched %d line(s) in %s, first: %q",
				matches[0].Pattern, len(matches), m.Path(), matches[0].Line)
		}
		return nil
	}

	return errors.New("monitor step needs one of start, wait or stop")
}
