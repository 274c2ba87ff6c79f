// Package virsh wraps the virsh command-line client.
//
// Every subcommand returns the raw *process.Result: cases routinely assert that a
// command fails, so a non-zero exit status is never turned into an error here.
package virsh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
)

var (
	errWriteXMLFile = errors.New("failed to write XML to temporary file")
	errCommand      = errors.New("virsh command failed")
)

const defaultBinary = "virsh"

// Virsh runs virsh subcommands against one connection URI.
type Virsh struct {
	runner process.Runner
	binary string
	uri    string
	tmpDir string
}

// Option configures Virsh.
type Option func(*Virsh)

// WithURI sets the connection URI passed with -c.
func WithURI(uri string) Option {
	return func(v *Virsh) {
		v.uri = uri
	}
}

// WithBinary overrides the virsh executable.
func WithBinary(path string) Option {
	return func(v *Virsh) {
		if path != "" {
			v.binary = path
		}
	}
}

// WithTempDir sets where XML files handed to virsh are written.
func WithTempDir(dir string) Option {
	return func(v *Virsh) {
		v.tmpDir = dir
	}
}

// New returns a Virsh using runner.
func New(runner process.Runner, opts ...Option) *Virsh {
	v := &Virsh{
		runner: runner,
		binary: defaultBinary,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// URI returns the connection URI, empty for the default connection.
func (v *Virsh) URI() string {
	return v.uri
}

// Command runs an arbitrary subcommand.
func (v *Virsh) Command(ctx context.Context, subcommand string, args ...string) (*process.Result, error) {
	full := make([]string, 0, len(args)+3)
	if v.uri != "" {
		full = append(full, "-c", v.uri)
	}
	full = append(full, subcommand)
	full = append(full, args...)
	return v.runner.Run(ctx, v.binary, full...)
}

// CommandLine splits line on whitespace and runs it as a subcommand.
func (v *Virsh) CommandLine(ctx context.Context, line string) (*process.Result, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command line", errCommand)
	}
	return v.Command(ctx, fields[0], fields[1:]...)
}

// DumpXML runs "virsh dumpxml". Options: "--inactive", "--security-info",
// "--migratable", "--update-cpu".
func (v *Virsh) DumpXML(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "dumpxml", append([]string{name}, opts...)...)
}

// Define runs "virsh define" on a file.
func (v *Virsh) Define(ctx context.Context, file string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "define", append([]string{file}, opts...)...)
}

// DefineXML writes xml to a temporary file and defines it.
func (v *Virsh) DefineXML(ctx context.Context, xml string, opts ...string) (*process.Result, error) {
	path, cleanup, err := v.writeTemp("domain-*.xml", xml)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return v.Define(ctx, path, opts...)
}

// Undefine runs "virsh undefine".
func (v *Virsh) Undefine(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "undefine", append([]string{name}, opts...)...)
}

// Start runs "virsh start".
func (v *Virsh) Start(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "start", append([]string{name}, opts...)...)
}

// Destroy runs "virsh destroy".
func (v *Virsh) Destroy(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "destroy", append([]string{name}, opts...)...)
}

// Shutdown runs "virsh shutdown".
func (v *Virsh) Shutdown(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "shutdown", append([]string{name}, opts...)...)
}

// Reboot runs "virsh reboot".
func (v *Virsh) Reboot(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "reboot", append([]string{name}, opts...)...)
}

// Suspend runs "virsh suspend".
func (v *Virsh) Suspend(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "suspend", name)
}

// Resume runs "virsh resume".
func (v *Virsh) Resume(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "resume", name)
}

// DomState runs "virsh domstate".
func (v *Virsh) DomState(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "domstate", append([]string{name}, opts...)...)
}

// DomID runs "virsh domid".
func (v *Virsh) DomID(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "domid", name)
}

// DomInfo runs "virsh dominfo".
func (v *Virsh) DomInfo(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "dominfo", name)
}

// DomIfAddr runs "virsh domifaddr". Source is one of "lease", "agent" or "arp".
func (v *Virsh) DomIfAddr(ctx context.Context, name, source string) (*process.Result, error) {
	args := []string{name}
	if source != "" {
		args = append(args, "--source", source)
	}
	return v.Command(ctx, "domifaddr", args...)
}

// List runs "virsh list".
func (v *Virsh) List(ctx context.Context, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "list", opts...)
}

// AttachDevice writes the device XML to a temporary file and attaches it. Flags:
// "--live", "--config", "--current", "--persistent".
func (v *Virsh) AttachDevice(ctx context.Context, name, deviceXML string, flags ...string) (*process.Result, error) {
	return v.deviceCommand(ctx, "attach-device", name, deviceXML, flags...)
}

// DetachDevice is the inverse of AttachDevice.
func (v *Virsh) DetachDevice(ctx context.Context, name, deviceXML string, flags ...string) (*process.Result, error) {
	return v.deviceCommand(ctx, "detach-device", name, deviceXML, flags...)
}

// UpdateDevice runs "virsh update-device".
func (v *Virsh) UpdateDevice(ctx context.Context, name, deviceXML string, flags ...string) (*process.Result, error) {
	return v.deviceCommand(ctx, "update-device", name, deviceXML, flags...)
}

func (v *Virsh) deviceCommand(ctx context.Context, sub, name, deviceXML string, flags ...string) (*process.Result, error) {
	path, cleanup, err := v.writeTemp("device-*.xml", deviceXML)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return v.Command(ctx, sub, append([]string{name, path}, flags...)...)
}

// SetVCPUs runs "virsh setvcpus".
func (v *Virsh) SetVCPUs(ctx context.Context, name string, count int, flags ...string) (*process.Result, error) {
	return v.Command(ctx, "setvcpus", append([]string{name, fmt.Sprint(count)}, flags...)...)
}

// SetMem runs "virsh setmem" with a size in KiB.
func (v *Virsh) SetMem(ctx context.Context, name string, kib uint64, flags ...string) (*process.Result, error) {
	return v.Command(ctx, "setmem", append([]string{name, fmt.Sprint(kib)}, flags...)...)
}

// SnapshotCreateAs runs "virsh snapshot-create-as".
func (v *Virsh) SnapshotCreateAs(ctx context.Context, name, snapshot string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "snapshot-create-as", append([]string{name, snapshot}, opts...)...)
}

// SnapshotList runs "virsh snapshot-list --name".
func (v *Virsh) SnapshotList(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "snapshot-list", name, "--name")
}

// SnapshotDelete runs "virsh snapshot-delete".
func (v *Virsh) SnapshotDelete(ctx context.Context, name, snapshot string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "snapshot-delete", append([]string{name, snapshot}, opts...)...)
}

// Save runs "virsh save".
func (v *Virsh) Save(ctx context.Context, name, file string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "save", append([]string{name, file}, opts...)...)
}

// Restore runs "virsh restore".
func (v *Virsh) Restore(ctx context.Context, file string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "restore", append([]string{file}, opts...)...)
}

// ManagedSave runs "virsh managedsave".
func (v *Virsh) ManagedSave(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "managedsave", append([]string{name}, opts...)...)
}

// ManagedSaveRemove runs "virsh managedsave-remove".
func (v *Virsh) ManagedSaveRemove(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "managedsave-remove", name)
}

// QemuMonitorCommand runs "virsh qemu-monitor-command", in HMP mode when hmp is set.
func (v *Virsh) QemuMonitorCommand(ctx context.Context, name, command string, hmp bool) (*process.Result, error) {
	args := []string{name}
	if hmp {
		args = append(args, "--hmp")
	}
	args = append(args, command)
	return v.Command(ctx, "qemu-monitor-command", args...)
}

// NetDefineXML writes xml to a temporary file and runs "virsh net-define".
func (v *Virsh) NetDefineXML(ctx context.Context, xml string) (*process.Result, error) {
	path, cleanup, err := v.writeTemp("network-*.xml", xml)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return v.Command(ctx, "net-define", path)
}

// NetStart runs "virsh net-start".
func (v *Virsh) NetStart(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "net-start", name)
}

// NetDestroy runs "virsh net-destroy".
func (v *Virsh) NetDestroy(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "net-destroy", name)
}

// NetUndefine runs "virsh net-undefine".
func (v *Virsh) NetUndefine(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "net-undefine", name)
}

// NetAutostart runs "virsh net-autostart", with --disable when enable is false.
func (v *Virsh) NetAutostart(ctx context.Context, name string, enable bool) (*process.Result, error) {
	args := []string{name}
	if !enable {
		args = append(args, "--disable")
	}
	return v.Command(ctx, "net-autostart", args...)
}

// NetDumpXML runs "virsh net-dumpxml". Options: "--inactive".
func (v *Virsh) NetDumpXML(ctx context.Context, name string, opts ...string) (*process.Result, error) {
	return v.Command(ctx, "net-dumpxml", append([]string{name}, opts...)...)
}

// NetInfo runs "virsh net-info".
func (v *Virsh) NetInfo(ctx context.Context, name string) (*process.Result, error) {
	return v.Command(ctx, "net-info", name)
}

func (v *Virsh) writeTemp(pattern, content string) (string, func(), error) {
	f, err := os.CreateTemp(v.tmpDir, pattern)
	if err != nil {
		return "", nil, errors.Join(err, errWriteXMLFile)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, errors.Join(err, fmt.Errorf("path=%s", filepath.Base(path)), errWriteXMLFile)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, errors.Join(err, errWriteXMLFile)
	}
	return path, cleanup, nil
}

// State parses "virsh domstate".
func (v *Virsh) State(ctx context.Context, name string) (driver.DomainState, error) {
	res, err := v.DomState(ctx, name)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", resultError(res, name)
	}
	return driver.ParseDomainState(res.Stdout), nil
}

// Exists reports whether name is known to libvirt.
func (v *Virsh) Exists(ctx context.Context, name string) (bool, error) {
	res, err := v.DomInfo(ctx, name)
	if err != nil {
		return false, err
	}
	if res.Ok() {
		return true, nil
	}
	if isNotFound(res) {
		return false, nil
	}
	return false, resultError(res, name)
}

// IsAlive reports whether the domain has a running qemu process.
func (v *Virsh) IsAlive(ctx context.Context, name string) (bool, error) {
	state, err := v.State(ctx, name)
	if err != nil {
		return false, err
	}
	return state.Active(), nil
}

// IsDead reports whether the domain has no running qemu process. An undefined
// domain is dead.
func (v *Virsh) IsDead(ctx context.Context, name string) (bool, error) {
	state, err := v.State(ctx, name)
	if errors.Is(err, driver.ErrDomainNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !state.Active(), nil
}

// ListNames returns domain names, including inactive ones when all is set.
func (v *Virsh) ListNames(ctx context.Context, all bool) ([]string, error) {
	args := []string{"--name"}
	if all {
		args = append(args, "--all")
	}
	res, err := v.List(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, resultError(res, "")
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// resultError turns a failed result into an error carrying the virsh message.
func resultError(res *process.Result, name string) error {
	msg := res.StderrText()
	if msg == "" {
		msg = res.StdoutText()
	}
	err := fmt.Errorf("%w: %s: exit status %d: %s", errCommand, res.Command, res.ExitStatus, msg)
	switch {
	case isNotFound(res):
		return errors.Join(fmt.Errorf("%w: %s", driver.ErrDomainNotFound, name), err)
	case isUnsupported(res):
		return errors.Join(driver.ErrUnsupported, err)
	}
	return err
}

func isNotFound(res *process.Result) bool {
	out := res.Stderr
	return strings.Contains(out, "failed to get domain") ||
		strings.Contains(out, "Domain not found") ||
		strings.Contains(out, "no domain with matching name")
}

func isUnsupported(res *process.Result) bool {
	out := res.Stderr
	return strings.Contains(out, "unsupported flags") ||
		strings.Contains(out, "not supported") ||
		strings.Contains(out, "doesn't support option") ||
		strings.Contains(out, "unsupported configuration")
}
