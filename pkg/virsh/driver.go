package virsh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
)

var (
	errDumpXML  = errors.New("failed to dump domain XML")
	errDefine   = errors.New("failed to define domain")
	errUndefine = errors.New("failed to undefine domain")
	errStart    = errors.New("failed to start domain")
	errDestroy  = errors.New("failed to destroy domain")
	errDomainIP = errors.New("failed to get domain IP address")
)

const defaultIPPollInterval = 2 * time.Second

// Driver adapts Virsh to driver.Domain.
type Driver struct {
	*Virsh
}

// NewDriver returns a driver.Domain backed by virsh.
func NewDriver(v *Virsh) *Driver {
	return &Driver{Virsh: v}
}

// DumpXML implements driver.Domain. The inactive dump includes security info so that
// a restore does not lose VNC/SPICE passwords.
func (d *Driver) DumpXML(ctx context.Context, name string, inactive bool) (string, error) {
	var opts []string
	if inactive {
		opts = append(opts, "--inactive", "--security-info")
	}
	res, err := d.Virsh.DumpXML(ctx, name, opts...)
	if err != nil {
		return "", errors.Join(err, errDumpXML)
	}
	if !res.Ok() {
		return "", errors.Join(resultError(res, name), errDumpXML)
	}
	return res.Stdout, nil
}

// Define implements driver.Domain.
func (d *Driver) Define(ctx context.Context, xml string) error {
	res, err := d.Virsh.DefineXML(ctx, xml)
	if err != nil {
		return errors.Join(err, errDefine)
	}
	if !res.Ok() {
		return errors.Join(resultError(res, ""), errDefine)
	}
	return nil
}

// Undefine implements driver.Domain.
func (d *Driver) Undefine(ctx context.Context, name string, flags driver.UndefineFlags) error {
	res, err := d.Virsh.Undefine(ctx, name, undefineArgs(flags)...)
	if err != nil {
		return errors.Join(err, errUndefine)
	}
	if !res.Ok() {
		return errors.Join(resultError(res, name), errUndefine)
	}
	return nil
}

// Start implements driver.Domain.
func (d *Driver) Start(ctx context.Context, name string) error {
	res, err := d.Virsh.Start(ctx, name)
	if err != nil {
		return errors.Join(err, errStart)
	}
	if !res.Ok() {
		return errors.Join(resultError(res, name), errStart)
	}
	return nil
}

// Destroy implements driver.Domain. Destroying an inactive domain is not an error.
func (d *Driver) Destroy(ctx context.Context, name string) error {
	res, err := d.Virsh.Destroy(ctx, name)
	if err != nil {
		return errors.Join(err, errDestroy)
	}
	if !res.Ok() {
		if strings.Contains(res.Stderr, "domain is not running") {
			return nil
		}
		return errors.Join(resultError(res, name), fmt.Errorf("vmName=%s", name), errDestroy)
	}
	return nil
}

// DomainIP polls "virsh domifaddr --source lease" until an IPv4 address shows up or
// ctx is done.
func (d *Driver) DomainIP(ctx context.Context, name string) (string, error) {
	tick := time.NewTicker(defaultIPPollInterval)
	defer tick.Stop()

	for {
		res, err := d.DomIfAddr(ctx, name, "lease")
		if err != nil {
			return "", errors.Join(err, errDomainIP)
		}
		if res.Ok() {
			if ip := parseDomIfAddr(res.Stdout); ip != "" {
				return ip, nil
			}
		} else if isNotFound(res) {
			return "", errors.Join(resultError(res, name), errDomainIP)
		}

		select {
		case <-ctx.Done():
			return "", errors.Join(ctx.Err(), fmt.Errorf("vmName=%s", name), errDomainIP)
		case <-tick.C:
		}
	}
}

// parseDomIfAddr returns the first ipv4 address of a domifaddr table.
func parseDomIfAddr(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[2] != "ipv4" {
			continue
		}
		ip, _, _ := strings.Cut(fields[3], "/")
		return ip
	}
	return ""
}

func undefineArgs(flags driver.UndefineFlags) []string {
	var args []string
	if flags.NVRAM {
		args = append(args, "--nvram")
	}
	if flags.KeepNVRAM {
		args = append(args, "--keep-nvram")
	}
	if flags.ManagedSave {
		args = append(args, "--managed-save")
	}
	if flags.SnapshotsMetadata {
		args = append(args, "--snapshots-metadata")
	}
	if flags.CheckpointsMetadata {
		args = append(args, "--checkpoints-metadata")
	}
	return args
}

var _ driver.Domain = (*Driver)(nil)
