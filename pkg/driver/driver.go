// Package driver defines how the harness talks to the hypervisor about domains.
//
// Two implementations exist: pkg/virsh drives the virsh CLI and pkg/vmm talks to
// libvirtd through the libvirt API.
package driver

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrDomainNotFound is returned when the named domain is not defined.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrUnsupported is returned when the hypervisor rejects a flag or operation.
	ErrUnsupported = errors.New("operation not supported")
)

// DomainState is the state reported by "virsh domstate".
type DomainState string

const (
	StateRunning     DomainState = "running"
	StateShutOff     DomainState = "shut off"
	StatePaused      DomainState = "paused"
	StateCrashed     DomainState = "crashed"
	StatePMSuspended DomainState = "pmsuspended"
	StateShutdown    DomainState = "in shutdown"
	StateBlocked     DomainState = "blocked"
	StateNoState     DomainState = "no state"
)

// ParseDomainState normalizes the first line of "virsh domstate" output.
func ParseDomainState(s string) DomainState {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	// "virsh domstate --reason" prints "shut off (destroyed)".
	line, _, _ = strings.Cut(line, " (")
	return DomainState(strings.ToLower(strings.TrimSpace(line)))
}

// Active reports whether the domain has a running qemu process.
func (s DomainState) Active() bool {
	switch s {
	case StateRunning, StatePaused, StateBlocked, StatePMSuspended, StateShutdown, StateCrashed:
		return true
	}
	return false
}

// UndefineFlags select which metadata is removed with the definition.
type UndefineFlags struct {
	NVRAM               bool
	KeepNVRAM           bool
	ManagedSave         bool
	SnapshotsMetadata   bool
	CheckpointsMetadata bool
}

// Any reports whether at least one flag is set.
func (f UndefineFlags) Any() bool {
	return f.NVRAM || f.KeepNVRAM || f.ManagedSave || f.SnapshotsMetadata || f.CheckpointsMetadata
}

// CleanUndefine removes every piece of metadata that would otherwise block a redefine.
var CleanUndefine = UndefineFlags{
	NVRAM:               true,
	ManagedSave:         true,
	SnapshotsMetadata:   true,
	CheckpointsMetadata: true,
}

// Domain manages domain definitions and lifecycle.
type Domain interface {
	// DumpXML returns the live XML, or the persistent definition when inactive is set.
	DumpXML(ctx context.Context, name string, inactive bool) (string, error)
	// Define creates or replaces the persistent definition.
	Define(ctx context.Context, xml string) error
	Undefine(ctx context.Context, name string, flags UndefineFlags) error
	Start(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	State(ctx context.Context, name string) (DomainState, error)
	Exists(ctx context.Context, name string) (bool, error)
}
