package orchestration

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
	"github.com/alexandremahdhaoui/virtcase/pkg/cloudinit"
	"github.com/alexandremahdhaoui/virtcase/pkg/disk"
	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/libvirtconf"
	"github.com/alexandremahdhaoui/virtcase/pkg/network"
	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/provision"
	"github.com/alexandremahdhaoui/virtcase/pkg/scenario"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
)

const defaultCheckInterval = time.Second

func runCheck(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Check

	timeout, err := scenario.DurationString(sc.Expand(string(s.Timeout))).Duration()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return check(ctx, sc, s)
	}

	interval, err := scenario.DurationString(sc.Expand(string(s.Interval))).Duration()
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return checks.Eventually(ctx, interval, func(ctx context.Context) error {
		return check(ctx, sc, s)
	})
}

func check(ctx context.Context, sc *StepContext, s *scenario.CheckStep) error {
	contains := sc.Expand(s.Contains)
	notContains := sc.Expand(s.NotContains)
	pattern := sc.Expand(s.Pattern)

	needHost := func() (*checks.Host, error) {
		if sc.Env.Host == nil {
			return nil, fmt.Errorf("host checks %w", errNotConfigured)
		}
		return sc.Env.Host, nil
	}

	switch s.Type {
	case scenario.CheckQemuCmdline:
		h, err := needHost()
		if err != nil {
			return err
		}
		vm, err := sc.VM(s.VM)
		if err != nil {
			return err
		}
		if contains != "" {
			if err := h.QemuCmdlineContains(ctx, vm, contains); err != nil {
				return err
			}
		}
		if notContains != "" {
			if err := h.QemuCmdlineNotContains(ctx, vm, notContains); err != nil {
				return err
			}
		}
		if pattern != "" {
			args, err := h.QemuCmdline(ctx, vm)
			if err != nil {
				return err
			}
			return checks.OutputMatches(cmdlineResult(vm, args), pattern)
		}
		return nil

	case scenario.CheckDmesg:
		h, err := needHost()
		if err != nil {
			return err
		}
		opts := checks.DmesgOptions{Since: sc.dmesgMark}
		if pattern != "" {
			if err := h.DmesgContains(ctx, pattern, opts); err != nil {
				return err
			}
		}
		if contains != "" {
			if err := h.DmesgContains(ctx, regexp.QuoteMeta(contains), opts); err != nil {
				return err
			}
		}
		if notContains != "" {
			return h.DmesgNotContains(ctx, regexp.QuoteMeta(notContains), opts)
		}
		return nil

	case scenario.CheckFile:
		h, err := needHost()
		if err != nil {
			return err
		}
		path := sc.Expand(s.Path)
		if err := h.FileExists(ctx, path); err != nil {
			return err
		}
		if pattern != "" {
			if err := h.FileContains(ctx, path, pattern); err != nil {
				return err
			}
		}
		if contains != "" {
			if err := h.FileContains(ctx, path, regexp.QuoteMeta(contains)); err != nil {
				return err
			}
		}
		if notContains != "" {
			return h.FileNotContains(ctx, path, regexp.QuoteMeta(notContains))
		}
		return nil

	case scenario.CheckProcess:
		h, err := needHost()
		if err != nil {
			return err
		}
		if s.Running == nil || *s.Running {
			return h.ProcessRunning(ctx, pattern)
		}
		return h.ProcessNotRunning(ctx, pattern)

	case scenario.CheckXML:
		vm, err := sc.VM(s.VM)
		if err != nil {
			return err
		}
		x, err := vmxml.FromDomain(ctx, sc.Env.Driver, vm, false)
		if err != nil {
			return err
		}
		if contains != "" {
			if err := checks.XMLContains(x, contains); err != nil {
				return err
			}
		}
		if notContains != "" {
			if err := checks.XMLNotContains(x, notContains); err != nil {
				return err
			}
		}
		if pattern != "" {
			return checks.XMLMatches(x, pattern)
		}
		return nil

	case scenario.CheckState:
		vm, err := sc.VM(s.VM)
		if err != nil {
			return err
		}
		state, err := sc.Env.Driver.State(ctx, vm)
		if err != nil {
			return err
		}
		if want := driver.ParseDomainState(sc.Expand(s.State)); state != want {
			return &checks.CheckError{
				Check:    "state",
				Expected: string(want),
				Actual:   string(state),
				Message:  "domain " + vm,
			}
		}
		return nil
	}

	return fmt.Errorf("unknown check type %q", s.Type)
}

func runDisk(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Disk
	if sc.Env.Runner == nil {
		return fmt.Errorf("command runner %w", errNotConfigured)
	}
	img := disk.New(sc.Env.Runner)
	path := sc.Expand(s.Path)

	switch s.Action {
	case scenario.DiskCreate:
		opts := disk.CreateOptions{
			Format:  sc.Expand(s.Format),
			Size:    sc.Expand(s.Size),
			Backing: sc.Expand(s.Backing),
		}
		if err := img.Create(ctx, path, opts); err != nil {
			return err
		}
		if !s.Keep {
			sc.T.Cleanup(func(context.Context) error {
				return disk.Remove(path)
			})
		}
		return nil

	case scenario.DiskResize:
		return img.Resize(ctx, path, sc.Expand(s.Size))

	case scenario.DiskRemove:
		return disk.Remove(path)

	case scenario.DiskInfo:
		info, err := img.Info(ctx, path)
		if err != nil {
			return err
		}
		sc.Logger().Info("disk image info",
			"path", path, "format", info.Format, "virtualSize", info.VirtualSize, "backingFile", info.BackingFile)
		if want := sc.Expand(s.ExpectFormat); want != "" && info.Format != want {
			return &checks.CheckError{Check: "disk_format", Expected: want, Actual: info.Format, Message: "image " + path}
		}
		return nil
	}

	return fmt.Errorf("unknown disk action %q", s.Action)
}

var rawConfValue = regexp.MustCompile(`^(-?[0-9]+|\[.*\]|".*")$`)

func runConf(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Conf
	f, err := libvirtconf.Open(sc.Expand(s.File))
	if err != nil {
		return err
	}

	for _, key := range slices.Sorted(maps.Keys(s.Set)) {
		value := sc.Expand(s.Set[key])
		if rawConfValue.MatchString(value) {
			f.Set(key, value)
		} else {
			f.SetString(key, value)
		}
	}
	for _, key := range s.Unset {
		f.Unset(sc.Expand(key))
	}

	undo, err := libvirtconf.Edit(ctx, f, sc.Env.Restarter, sc.Expand(s.Service))
	if undo != nil {
		sc.T.Cleanup(undo)
	}
	return err
}

func runSleep(ctx context.Context, sc *StepContext, step scenario.Step) error {
	d, err := scenario.DurationString(sc.Expand(string(*step.Sleep))).Duration()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func runProvision(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Provision
	if sc.Env.Provisioner == nil {
		return fmt.Errorf("provisioner %w", errNotConfigured)
	}

	name := sc.Expand(s.Name)
	cfg := provision.Config{
		Name:        name,
		BaseImage:   sc.Expand(s.BaseImage),
		DiskSize:    sc.Expand(s.DiskSize),
		WorkDir:     filepath.Join(provisionRoot(sc), name),
		NetworkMode: sc.Expand(s.NetworkMode),
		Network:     sc.Expand(s.Network),
		GuestAgent:  s.GuestAgent,
		Start:       s.Start,
	}

	var err error
	if cfg.MemoryMiB, err = parseUint("memory_mib", sc.Expand(s.MemoryMiB)); err != nil {
		return err
	}
	if cfg.VCPUs, err = parseUint("vcpus", sc.Expand(s.VCPUs)); err != nil {
		return err
	}

	if user := sc.Expand(s.User); user != "" {
		u, err := cloudinit.NewUser(user, sc.ExpandAll(s.SSHKeys)...)
		if err != nil {
			return err
		}
		ud := &cloudinit.UserData{Hostname: name, Users: []cloudinit.User{u}}
		if pw := sc.Expand(s.Password); pw != "" {
			ud.SetPassword(user, pw)
		}
		cfg.UserData = ud
	}

	g, err := sc.Env.Provisioner.Create(ctx, cfg)
	if err != nil {
		return err
	}
	sc.T.Cleanup(func(ctx context.Context) error {
		return sc.Env.Provisioner.Teardown(ctx, g)
	})
	sc.Logger().Info("provisioned guest", "vmName", g.Name, "files", len(g.Files))
	return nil
}

func runNetwork(ctx context.Context, sc *StepContext, step scenario.Step) error {
	s := step.Network
	if sc.Env.Virsh == nil {
		return fmt.Errorf("virsh %w", errNotConfigured)
	}
	mgr := network.NewManager(sc.Env.Virsh)
	name := sc.Expand(s.Name)

	created, err := mgr.Ensure(ctx, network.Config{
		Name:      name,
		Mode:      sc.Expand(s.Mode),
		Bridge:    sc.Expand(s.Bridge),
		Address:   sc.Expand(s.Address),
		Netmask:   sc.Expand(s.Netmask),
		DHCPStart: sc.Expand(s.DHCPStart),
		DHCPEnd:   sc.Expand(s.DHCPEnd),
	})
	if err != nil {
		return err
	}
	if created && !s.Keep {
		sc.T.Cleanup(func(ctx context.Context) error {
			return mgr.Delete(ctx, name)
		})
	}

	if s.Save != "" {
		info, err := mgr.Get(ctx, name)
		if err != nil {
			return err
		}
		sc.Params.Set(s.Save, info.Bridge)
	}
	sc.Logger().Info("network ready", "network", name, "created", created)
	return nil
}

func provisionRoot(sc *StepContext) string {
	if sc.Env.WorkDir != "" {
		return filepath.Join(sc.Env.WorkDir, "guests")
	}
	if dir := sc.T.ArtifactDir(); dir != "" {
		return filepath.Join(dir, "guests")
	}
	return filepath.Join(sc.Params.GetDefault("tmp_dir", "/var/tmp"), "virtcase", "guests")
}

func parseUint(field, v string) (uint, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", params.ErrInvalidValue, field, v)
	}
	return uint(n), nil
}

// cmdlineResult presents a qemu command line as command output for the output checks.
func cmdlineResult(vm string, args []string) *process.Result {
	return &process.Result{Command: "qemu " + vm, Stdout: strings.Join(args, " ")}
}
