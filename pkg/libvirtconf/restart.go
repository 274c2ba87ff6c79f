package libvirtconf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/coreos/go-systemd/v22/dbus"
)

var (
	errConnectSystemd = errors.New("failed to connect to systemd")
	errRestartUnit    = errors.New("failed to restart unit")
)

// ServiceRestarter restarts the daemon reading a configuration file.
type ServiceRestarter interface {
	Restart(ctx context.Context, unit string) error
}

// SystemdRestarter restarts units over the systemd D-Bus API.
type SystemdRestarter struct {
	// User talks to the user session instead of the system manager.
	User bool
}

// Restart restarts unit and waits for the job to finish.
func (r SystemdRestarter) Restart(ctx context.Context, unit string) error {
	var (
		conn *dbus.Conn
		err  error
	)
	if r.User {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewWithContext(ctx)
	}
	if err != nil {
		return errors.Join(err, errConnectSystemd)
	}
	defer conn.Close()

	result := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, unit, "replace", result); err != nil {
		return errors.Join(err, fmt.Errorf("unit=%s", unit), errRestartUnit)
	}

	select {
	case <-ctx.Done():
		return errors.Join(ctx.Err(), fmt.Errorf("unit=%s", unit), errRestartUnit)
	case status := <-result:
		if status != "done" {
			return errors.Join(fmt.Errorf("job result %q", status), fmt.Errorf("unit=%s", unit), errRestartUnit)
		}
	}

	slog.Info("restarted unit", "unit", unit)
	return nil
}

// CommandRestarter restarts units with systemctl through a runner, e.g. over sudo.
type CommandRestarter struct {
	Runner process.Runner
}

func (r CommandRestarter) Restart(ctx context.Context, unit string) error {
	res, err := r.Runner.Run(ctx, "systemctl", "restart", unit)
	if err != nil {
		return errors.Join(err, fmt.Errorf("unit=%s", unit), errRestartUnit)
	}
	if !res.Ok() {
		return errors.Join(fmt.Errorf("%s", res.StderrText()), fmt.Errorf("unit=%s", unit), errRestartUnit)
	}
	return nil
}

// Edit saves f and restarts unit. The returned undo restores f and restarts unit
// again; it is meant to be registered as a case cleanup.
func Edit(ctx context.Context, f *File, r ServiceRestarter, unit string) (func(context.Context) error, error) {
	undo := func(ctx context.Context) error {
		if err := f.Restore(); err != nil {
			return err
		}
		if r == nil || unit == "" {
			return nil
		}
		return r.Restart(ctx, unit)
	}

	if err := f.Save(); err != nil {
		return nil, err
	}
	if r != nil && unit != "" {
		if err := r.Restart(ctx, unit); err != nil {
			return undo, err
		}
	}
	return undo, nil
}

var (
	_ ServiceRestarter = SystemdRestarter{}
	_ ServiceRestarter = CommandRestarter{}
)
