package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/alexandremahdhaoui/virtcase/pkg/backup"
	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/execcontext"
	"github.com/alexandremahdhaoui/virtcase/pkg/guest"
	"github.com/alexandremahdhaoui/virtcase/pkg/libvirtconf"
	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/provision"
	"github.com/alexandremahdhaoui/virtcase/pkg/testcase"
	"github.com/alexandremahdhaoui/virtcase/pkg/virsh"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmm"
)

const (
	paramUsername = "username"
	paramPassword = "password"
)

// environment is what the subcommands share: the host runner, the domain driver and
// the snapshot store.
type environment struct {
	cfg    *Config
	runner process.Runner
	virsh  *virsh.Virsh
	driver driver.Domain
	store  backup.Store
	close  func() error
}

// newEnvironment connects to the hypervisor described by cfg. runner overrides the
// local runner when set.
func newEnvironment(cfg *Config, runner process.Runner) (*environment, error) {
	if runner == nil {
		timeout, err := cfg.commandTimeout()
		if err != nil {
			return nil, err
		}
		execCtx := execcontext.Empty()
		if cfg.Sudo {
			execCtx = execcontext.Sudo(nil)
		}
		runner = process.NewLocalRunner(execCtx, process.WithTimeout(timeout))
	}

	env := &environment{
		cfg:    cfg,
		runner: runner,
		virsh:  virsh.New(runner, virsh.WithURI(cfg.URI), virsh.WithBinary(cfg.VirshPath)),
		close:  func() error { return nil },
	}

	switch cfg.Driver {
	case DriverLibvirt:
		d, err := vmm.New(vmm.WithURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		env.driver = d
		env.close = d.Close
	default:
		env.driver = virsh.NewDriver(env.virsh)
	}

	store, err := backup.NewFileStore(filepath.Join(cfg.StateDir, "snapshots"))
	if err != nil {
		return nil, errors.Join(err, env.close())
	}
	env.store = store

	return env, nil
}

// backupOptions returns the snapshot manager options for runID.
func (e *environment) backupOptions(runID string) backup.Options {
	opts := backup.DefaultOptions()
	opts.RunID = runID
	opts.RestoreStart = *e.cfg.Restore.Start
	if e.cfg.Restore.KeepNVRAM {
		opts.UndefineFlags.NVRAM = false
		opts.UndefineFlags.KeepNVRAM = true
	}
	return opts
}

// testEnv returns the testcase.Env of run runID.
func (e *environment) testEnv(runID string, logger *slog.Logger) *testcase.Env {
	return &testcase.Env{
		RunID:       runID,
		Driver:      e.driver,
		Virsh:       e.virsh,
		Backup:      backup.NewManager(e.driver, e.store, e.backupOptions(runID)),
		Runner:      e.runner,
		Host:        checks.NewHost(e.runner),
		Provisioner: provision.New(e.driver, e.runner),
		Restarter:   e.restarter(),
		Login:       e.login,
		WorkDir:     filepath.Join(e.cfg.StateDir, "work", runID),
		ArtifactDir: filepath.Join(e.cfg.ArtifactDir, runID),
		Logger:      logger,
	}
}

func (e *environment) restarter() libvirtconf.ServiceRestarter {
	switch e.cfg.Restarter {
	case RestarterCommand:
		return libvirtconf.CommandRestarter{Runner: e.runner}
	case RestarterNone:
		return nil
	default:
		return libvirtconf.SystemdRestarter{}
	}
}

// login opens an SSH session to vmName. The username and password params of the
// case win over the configuration.
func (e *environment) login(ctx context.Context, vmName string, p params.Params) (guest.Session, error) {
	vp := p.ObjectParams(vmName)
	cfg := guest.Config{
		Port:           e.cfg.SSH.Port,
		User:           vp.GetDefault(paramUsername, e.cfg.SSH.User),
		Password:       vp.GetDefault(paramPassword, e.cfg.SSH.Password),
		PrivateKeyPath: e.cfg.SSH.PrivateKeyPath,
	}

	resolver, _ := e.driver.(guest.AddressResolver)
	s, err := guest.Login(ctx, resolver, vmName, p, cfg)
	if err != nil {
		return nil, fmt.Errorf("logging into %s: %w", vmName, err)
	}
	return s, nil
}
