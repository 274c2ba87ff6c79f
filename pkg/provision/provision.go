// Package provision creates disposable guests for cases that must not touch a
// shared VM, and tears them down afterwards.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/virtcase/pkg/cloudinit"
	"github.com/alexandremahdhaoui/virtcase/pkg/disk"
	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
	"github.com/hashicorp/go-multierror"
)

var (
	errInvalidConfig = errors.New("invalid provision config")
	errCreateDisk    = errors.New("failed to create guest disk")
	errCreateSeed    = errors.New("failed to create cloud-init seed")
	errDefineGuest   = errors.New("failed to define guest")
	errStartGuest    = errors.New("failed to start guest")
	errCreateWorkDir = errors.New("failed to create work directory")
	errTeardownGuest = errors.New("failed to tear down guest")
)

const defaultDiskSize = "20G"

// Config describes a disposable guest.
type Config struct {
	Name string
	// BaseImage is the qcow2 the guest disk is an overlay of. A blank disk is
	// created when it is empty.
	BaseImage string
	DiskSize  string
	// WorkDir receives the overlay and the cloud-init seed.
	WorkDir     string
	MemoryMiB   uint
	VCPUs       uint
	NetworkMode string
	Network     string
	// UserData is rendered into a NoCloud seed when set.
	UserData   *cloudinit.UserData
	GuestAgent bool
	Start      bool
}

// Guest is a provisioned domain.
type Guest struct {
	Name  string
	XML   *vmxml.VMXML
	Files []string
}

// Provisioner creates and removes guests.
type Provisioner struct {
	driver driver.Domain
	runner process.Runner
	img    *disk.QemuImg
}

// New returns a Provisioner.
func New(d driver.Domain, runner process.Runner) *Provisioner {
	return &Provisioner{
		driver: d,
		runner: runner,
		img:    disk.New(runner),
	}
}

// Create builds the disk and seed, defines the domain and starts it when cfg.Start is
// set. Whatever was created is removed again when a step fails.
func (p *Provisioner) Create(ctx context.Context, cfg Config) (*Guest, error) {
	if cfg.Name == "" || cfg.WorkDir == "" {
		return nil, fmt.Errorf("%w: name and workDir are required", errInvalidConfig)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, errors.Join(err, errCreateWorkDir)
	}

	g := &Guest{Name: cfg.Name}
	guest, err := p.create(ctx, cfg, g)
	if err != nil {
		if tdErr := p.Teardown(context.WithoutCancel(ctx), g); tdErr != nil {
			slog.Warn("failed to clean up partially provisioned guest", "vmName", cfg.Name, "error", tdErr.Error())
		}
		return nil, err
	}
	return guest, nil
}

func (p *Provisioner) create(ctx context.Context, cfg Config, g *Guest) (*Guest, error) {
	size := cfg.DiskSize
	if size == "" {
		size = defaultDiskSize
	}

	diskPath := filepath.Join(cfg.WorkDir, cfg.Name+".qcow2")
	opts := disk.CreateOptions{Format: "qcow2", Size: size}
	if cfg.BaseImage != "" {
		opts.Backing = cfg.BaseImage
		opts.BackingFormat = "qcow2"
	}
	if err := p.img.Create(ctx, diskPath, opts); err != nil {
		return nil, errors.Join(err, errCreateDisk)
	}
	g.Files = append(g.Files, diskPath)

	var isoPath string
	if cfg.UserData != nil {
		var err error
		isoPath, err = cloudinit.BuildISO(ctx, p.runner, cfg.WorkDir, cfg.Name, *cfg.UserData)
		if err != nil {
			return nil, errors.Join(err, errCreateSeed)
		}
		g.Files = append(g.Files, isoPath)
	}

	x, err := vmxml.BuildDomain(vmxml.BuildConfig{
		Name:         cfg.Name,
		MemoryMiB:    cfg.MemoryMiB,
		VCPUs:        cfg.VCPUs,
		DiskPath:     diskPath,
		CloudInitISO: isoPath,
		NetworkMode:  cfg.NetworkMode,
		Network:      cfg.Network,
		GuestAgent:   cfg.GuestAgent,
	})
	if err != nil {
		return nil, errors.Join(err, errDefineGuest)
	}
	g.XML = x

	doc, err := x.Marshal()
	if err != nil {
		return nil, errors.Join(err, errDefineGuest)
	}
	if err := p.driver.Define(ctx, doc); err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", cfg.Name), errDefineGuest)
	}

	if cfg.Start {
		if err := p.driver.Start(ctx, cfg.Name); err != nil {
			return nil, errors.Join(err, fmt.Errorf("vmName=%s", cfg.Name), errStartGuest)
		}
	}

	slog.Info("provisioned guest", "vmName", cfg.Name, "disk", diskPath, "started", cfg.Start)
	return g, nil
}

// Teardown destroys and undefines the guest and deletes its files. A guest that is
// already gone is not an error.
func (p *Provisioner) Teardown(ctx context.Context, g *Guest) error {
	var result *multierror.Error

	exists, err := p.driver.Exists(ctx, g.Name)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if exists {
		if err := p.driver.Destroy(ctx, g.Name); err != nil && !errors.Is(err, driver.ErrDomainNotFound) {
			slog.Debug("failed to destroy guest", "vmName", g.Name, "error", err.Error())
		}
		if err := vmxml.Undefine(ctx, p.driver, g.Name, driver.CleanUndefine); err != nil &&
			!errors.Is(err, driver.ErrDomainNotFound) {
			result = multierror.Append(result, err)
		}
	}

	for _, f := range g.Files {
		if err := disk.Remove(f); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", g.Name), errTeardownGuest)
	}
	return nil
}
