// Package drivertest provides an in-memory driver.Domain for tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"libvirt.org/go/libvirtxml"
)

// FakeDomain keeps domain definitions and states in memory.
type FakeDomain struct {
	mu     sync.Mutex
	xmls   map[string]string
	states map[string]driver.DomainState

	// DefineErr is returned by the next Define call, then cleared.
	DefineErr error
	// UndefineErr is returned by every Undefine call with flags set.
	UndefineErr error
	// StartErr is returned by every Start call.
	StartErr error

	Calls []string
	// Undefines holds the flags of every Undefine call.
	Undefines []driver.UndefineFlags
}

// NewFakeDomain returns an empty FakeDomain.
func NewFakeDomain() *FakeDomain {
	return &FakeDomain{
		xmls:   map[string]string{},
		states: map[string]driver.DomainState{},
	}
}

// Add defines name with xml in the given state.
func (f *FakeDomain) Add(name, xml string, state driver.DomainState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.xmls[name] = xml
	f.states[name] = state
}

// XML returns the stored definition.
func (f *FakeDomain) XML(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.xmls[name]
}

// SetState forces the state of name.
func (f *FakeDomain) SetState(name string, s driver.DomainState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = s
}

func (f *FakeDomain) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// DumpXML implements driver.Domain.
func (f *FakeDomain) DumpXML(_ context.Context, name string, inactive bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("dumpxml %s inactive=%t", name, inactive)
	xml, ok := f.xmls[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", driver.ErrDomainNotFound, name)
	}
	return xml, nil
}

// Define implements driver.Domain.
func (f *FakeDomain) Define(_ context.Context, xml string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil {
		return fmt.Errorf("invalid domain XML: %w", err)
	}
	f.record("define %s", dom.Name)

	if f.DefineErr != nil {
		err := f.DefineErr
		f.DefineErr = nil
		return err
	}

	f.xmls[dom.Name] = xml
	if _, ok := f.states[dom.Name]; !ok {
		f.states[dom.Name] = driver.StateShutOff
	}
	return nil
}

// Undefine implements driver.Domain.
func (f *FakeDomain) Undefine(_ context.Context, name string, flags driver.UndefineFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("undefine %s flags=%t", name, flags.Any())
	f.Undefines = append(f.Undefines, flags)

	if flags.Any() && f.UndefineErr != nil {
		return f.UndefineErr
	}
	if _, ok := f.xmls[name]; !ok {
		return fmt.Errorf("%w: %s", driver.ErrDomainNotFound, name)
	}
	delete(f.xmls, name)
	if !f.states[name].Active() {
		delete(f.states, name)
	}
	return nil
}

// Start implements driver.Domain.
func (f *FakeDomain) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %s", name)

	if f.StartErr != nil {
		return f.StartErr
	}
	if _, ok := f.xmls[name]; !ok {
		return fmt.Errorf("%w: %s", driver.ErrDomainNotFound, name)
	}
	if f.states[name] == driver.StateRunning {
		return errors.New("domain is already active")
	}
	f.states[name] = driver.StateRunning
	return nil
}

// Destroy implements driver.Domain.
func (f *FakeDomain) Destroy(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy %s", name)

	state, ok := f.states[name]
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrDomainNotFound, name)
	}
	if !state.Active() {
		return errors.New("domain is not running")
	}
	if _, defined := f.xmls[name]; !defined {
		delete(f.states, name)
		return nil
	}
	f.states[name] = driver.StateShutOff
	return nil
}

// State implements driver.Domain.
func (f *FakeDomain) State(_ context.Context, name string) (driver.DomainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", driver.ErrDomainNotFound, name)
	}
	return state, nil
}

// Exists implements driver.Domain.
func (f *FakeDomain) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.states[name]
	return ok, nil
}

var _ driver.Domain = (*FakeDomain)(nil)
