/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vmm implements driver.Domain on top of the libvirt API.
package vmm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"libvirt.org/go/libvirt"
)

var (
	errConnectLibvirt = errors.New("failed to connect to libvirt")
	errLookupDomain   = errors.New("failed to lookup domain")
	errGetDomainXML   = errors.New("failed to get domain XML")
	errDefineDomain   = errors.New("failed to define domain")
	errUndefineDomain = errors.New("failed to undefine domain")
	errCreateDomain   = errors.New("failed to create domain")
	errDestroyDomain  = errors.New("failed to destroy domain")
	errGetDomainState = errors.New("failed to get domain state")
	errGetDomainIP    = errors.New("failed to get domain IP")
	errCreateStream   = errors.New("failed to create new stream")
	errOpenConsole    = errors.New("failed to open console")
)

const (
	DefaultURI = "qemu:///system"

	defaultIPPollInterval = 5 * time.Second
	consoleChunk          = 4096
)

// Driver manages domains through a libvirt connection.
type Driver struct {
	conn           *libvirt.Connect
	uri            string
	ipPollInterval time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithURI sets the connection URI. Defaults to qemu:///system.
func WithURI(uri string) Option {
	return func(d *Driver) {
		d.uri = uri
	}
}

// WithIPPollInterval sets how often DomainIP queries the DHCP leases.
func WithIPPollInterval(interval time.Duration) Option {
	return func(d *Driver) {
		d.ipPollInterval = interval
	}
}

// New connects to libvirt.
func New(opts ...Option) (*Driver, error) {
	d := &Driver{
		uri:            DefaultURI,
		ipPollInterval: defaultIPPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}

	conn, err := libvirt.NewConnect(d.uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", d.uri), errConnectLibvirt)
	}
	d.conn = conn
	return d, nil
}

// Close closes the libvirt connection.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	_, err := d.conn.Close()
	return err
}

// Connection returns the libvirt connection for operations the driver does not cover.
func (d *Driver) Connection() *libvirt.Connect {
	return d.conn
}

func (d *Driver) lookup(ctx context.Context, name string) (*libvirt.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dom, err := d.conn.LookupDomainByName(name)
	if err != nil {
		return nil, errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errLookupDomain)
	}
	return dom, nil
}

// DumpXML implements driver.Domain.
func (d *Driver) DumpXML(ctx context.Context, name string, inactive bool) (string, error) {
	dom, err := d.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	defer dom.Free()

	var flags libvirt.DomainXMLFlags
	if inactive {
		flags = libvirt.DOMAIN_XML_INACTIVE | libvirt.DOMAIN_XML_SECURE
	}
	doc, err := dom.GetXMLDesc(flags)
	if err != nil {
		return "", errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errGetDomainXML)
	}
	return doc, nil
}

// Define implements driver.Domain.
func (d *Driver) Define(ctx context.Context, xml string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dom, err := d.conn.DomainDefineXML(xml)
	if err != nil {
		return errors.Join(mapError(err), errDefineDomain)
	}
	return dom.Free()
}

// Undefine implements driver.Domain.
func (d *Driver) Undefine(ctx context.Context, name string, flags driver.UndefineFlags) error {
	dom, err := d.lookup(ctx, name)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.UndefineFlags(undefineFlags(flags)); err != nil {
		return errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errUndefineDomain)
	}
	return nil
}

// Start implements driver.Domain.
func (d *Driver) Start(ctx context.Context, name string) error {
	dom, err := d.lookup(ctx, name)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errCreateDomain)
	}
	return nil
}

// Destroy implements driver.Domain. Destroying an inactive domain is a no-op.
func (d *Driver) Destroy(ctx context.Context, name string) error {
	dom, err := d.lookup(ctx, name)
	if err != nil {
		return err
	}
	defer dom.Free()

	active, err := dom.IsActive()
	if err != nil {
		return errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	if !active {
		slog.Debug("domain not running, skipping destroy", "vmName", name)
		return nil
	}

	if err := dom.Destroy(); err != nil {
		return errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errDestroyDomain)
	}
	return nil
}

// State implements driver.Domain.
func (d *Driver) State(ctx context.Context, name string) (driver.DomainState, error) {
	dom, err := d.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	defer dom.Free()

	state, _, err := dom.GetState()
	if err != nil {
		return "", errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	return domainState(state), nil
}

// Exists implements driver.Domain.
func (d *Driver) Exists(ctx context.Context, name string) (bool, error) {
	dom, err := d.lookup(ctx, name)
	if errors.Is(err, driver.ErrDomainNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, dom.Free()
}

// DomainIP polls the DHCP leases of name until an IPv4 address shows up or ctx is done.
func (d *Driver) DomainIP(ctx context.Context, name string) (string, error) {
	dom, err := d.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	defer dom.Free()

	tick := time.NewTicker(d.ipPollInterval)
	defer tick.Stop()

	for {
		ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
		if err != nil {
			slog.Debug("error listing interface addresses", "vmName", name, "error", err.Error())
		}
		for _, iface := range ifaces {
			for _, addr := range iface.Addrs {
				if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
					return strings.Split(addr.Addr, "/")[0], nil
				}
			}
		}
		slog.Debug("VM IP address not found, retrying...", "vmName", name)

		select {
		case <-ctx.Done():
			return "", errors.Join(ctx.Err(), fmt.Errorf("vmName=%s", name), errGetDomainIP)
		case <-tick.C:
		}
	}
}

// ConsoleOutput reads the serial console of name until ctx is done or the stream ends.
func (d *Driver) ConsoleOutput(ctx context.Context, name string) (string, error) {
	dom, err := d.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	defer dom.Free()

	stream, err := d.conn.NewStream(0)
	if err != nil {
		return "", errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errCreateStream)
	}
	defer stream.Free()

	if err := dom.OpenConsole("", stream, libvirt.DOMAIN_CONSOLE_FORCE); err != nil {
		return "", errors.Join(mapError(err), fmt.Errorf("vmName=%s", name), errOpenConsole)
	}

	var out bytes.Buffer
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, consoleChunk)
		for {
			n, err := stream.Recv(buf)
			if n > 0 {
				out.Write(buf[:n])
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Debug("error reading from console stream", "vmName", name, "error", err.Error())
				}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		// Abort unblocks the pending Recv.
		_ = stream.Abort()
		<-done
	case <-done:
		_ = stream.Finish()
	}

	return out.String(), nil
}

func undefineFlags(f driver.UndefineFlags) libvirt.DomainUndefineFlagsValues {
	var out libvirt.DomainUndefineFlagsValues
	if f.NVRAM {
		out |= libvirt.DOMAIN_UNDEFINE_NVRAM
	}
	if f.KeepNVRAM {
		out |= libvirt.DOMAIN_UNDEFINE_KEEP_NVRAM
	}
	if f.ManagedSave {
		out |= libvirt.DOMAIN_UNDEFINE_MANAGED_SAVE
	}
	if f.SnapshotsMetadata {
		out |= libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA
	}
	if f.CheckpointsMetadata {
		out |= libvirt.DOMAIN_UNDEFINE_CHECKPOINTS_METADATA
	}
	return out
}

func domainState(s libvirt.DomainState) driver.DomainState {
	switch s {
	case libvirt.DOMAIN_RUNNING:
		return driver.StateRunning
	case libvirt.DOMAIN_BLOCKED:
		return driver.StateBlocked
	case libvirt.DOMAIN_PAUSED:
		return driver.StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return driver.StateShutdown
	case libvirt.DOMAIN_SHUTOFF:
		return driver.StateShutOff
	case libvirt.DOMAIN_CRASHED:
		return driver.StateCrashed
	case libvirt.DOMAIN_PMSUSPENDED:
		return driver.StatePMSuspended
	}
	return driver.StateNoState
}

// mapError attaches the driver sentinels to libvirt errors.
func mapError(err error) error {
	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return err
	}
	switch lverr.Code {
	case libvirt.ERR_NO_DOMAIN:
		return errors.Join(err, driver.ErrDomainNotFound)
	case libvirt.ERR_NO_SUPPORT, libvirt.ERR_ARGUMENT_UNSUPPORTED:
		return errors.Join(err, driver.ErrUnsupported)
	case libvirt.ERR_INVALID_ARG:
		if strings.Contains(lverr.Message, "unsupported flags") {
			return errors.Join(err, driver.ErrUnsupported)
		}
	}
	return err
}

var _ driver.Domain = (*Driver)(nil)
