// Package backup snapshots persistent domain definitions before a case edits them and
// puts them back afterwards, whatever the outcome of the case.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

var (
	errSnapshot      = errors.New("failed to snapshot domain")
	errRestore       = errors.New("failed to restore domain")
	errDestroy       = errors.New("failed to destroy domain before restore")
	errUndefine      = errors.New("failed to undefine domain before restore")
	errDefine        = errors.New("failed to define original domain XML")
	errStartRestored = errors.New("failed to start restored domain")
)

// Options configures a Manager.
type Options struct {
	// RunID tags every record written by the manager.
	RunID string
	// RestoreStart starts a restored domain again when it was running at snapshot time.
	RestoreStart bool
	// UndefineFlags are used when removing the edited definition.
	UndefineFlags driver.UndefineFlags
}

// DefaultOptions restarts running domains and removes nvram and snapshot metadata.
func DefaultOptions() Options {
	return Options{
		RestoreStart:  true,
		UndefineFlags: driver.CleanUndefine,
	}
}

// Manager tracks the snapshots taken during a run.
type Manager struct {
	driver driver.Domain
	store  Store
	opts   Options

	mu        sync.Mutex
	snapshots []*Snapshot
}

// NewManager returns a Manager. A nil store keeps snapshots in memory only.
func NewManager(d driver.Domain, store Store, opts Options) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		driver: d,
		store:  store,
		opts:   opts,
	}
}

// Snapshot captures the inactive definition of name and whether it is running.
func (m *Manager) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	doc, err := m.driver.DumpXML(ctx, name, true)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errSnapshot)
	}
	if _, err := vmxml.Parse(doc); err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errSnapshot)
	}

	state, err := m.driver.State(ctx, name)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errSnapshot)
	}

	rec := Record{
		ID:         uuid.NewString(),
		RunID:      m.opts.RunID,
		VMName:     name,
		WasRunning: state.Active(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.Save(rec, doc); err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errSnapshot)
	}

	s := &Snapshot{Record: rec, xml: doc, m: m}

	m.mu.Lock()
	m.snapshots = append(m.snapshots, s)
	m.mu.Unlock()

	slog.Debug("snapshotted domain", "vmName", name, "id", rec.ID, "wasRunning", rec.WasRunning)
	return s, nil
}

// UndefineFlags returns the flags used to remove an edited definition.
func (m *Manager) UndefineFlags() driver.UndefineFlags {
	return m.opts.UndefineFlags
}

// Outstanding returns the snapshots not restored yet, oldest first.
func (m *Manager) Outstanding() []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.snapshots)
}

// RestoreAll restores every outstanding snapshot, newest first, so that several
// snapshots of the same domain end on the oldest definition.
func (m *Manager) RestoreAll(ctx context.Context) error {
	snaps := m.Outstanding()

	var result *multierror.Error
	for i := len(snaps) - 1; i >= 0; i-- {
		if err := snaps[i].Restore(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Recover restores the records left in the store by previous runs, newest first. An
// empty runID recovers every record.
func (m *Manager) Recover(ctx context.Context, runID string) (int, error) {
	recs, err := m.store.List()
	if err != nil {
		return 0, err
	}

	var (
		result   *multierror.Error
		restored int
	)
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if runID != "" && rec.RunID != runID {
			continue
		}
		_, doc, err := m.store.Load(rec.ID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		s := &Snapshot{Record: rec, xml: doc, m: m}
		if err := s.Restore(ctx); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		restored++
	}
	return restored, result.ErrorOrNil()
}

func (m *Manager) forget(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = slices.DeleteFunc(m.snapshots, func(o *Snapshot) bool { return o == s })
}

// Snapshot is an original domain definition. It is never edited.
type Snapshot struct {
	Record

	xml string
	m   *Manager

	mu       sync.Mutex
	restored bool
}

// XML returns the original definition.
func (s *Snapshot) XML() string {
	return s.xml
}

// WorkingCopy returns a parsed copy of the original definition, safe to mutate.
func (s *Snapshot) WorkingCopy() (*vmxml.VMXML, error) {
	return vmxml.Parse(s.xml)
}

// Restored reports whether Restore already succeeded.
func (s *Snapshot) Restored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

// Restore destroys the domain, replaces its definition with the original one and
// starts it again when it was running at snapshot time. Calling Restore again after a
// success is a no-op.
func (s *Snapshot) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restored {
		return nil
	}
	if err := s.restore(ctx); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s id=%s", s.VMName, s.ID), errRestore)
	}
	s.restored = true

	if err := s.m.store.Delete(s.ID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		slog.Warn("failed to delete snapshot record", "vmName", s.VMName, "id", s.ID, "error", err.Error())
	}
	s.m.forget(s)

	slog.Info("restored domain", "vmName", s.VMName, "id", s.ID)
	return nil
}

func (s *Snapshot) restore(ctx context.Context) error {
	d := s.m.driver

	exists, err := d.Exists(ctx, s.VMName)
	if err != nil {
		return err
	}

	if exists {
		state, err := d.State(ctx, s.VMName)
		if err != nil {
			return err
		}
		if state.Active() {
			if err := d.Destroy(ctx, s.VMName); err != nil {
				return errors.Join(err, errDestroy)
			}
		}
		if err := vmxml.Undefine(ctx, d, s.VMName, s.m.opts.UndefineFlags); err != nil &&
			!errors.Is(err, driver.ErrDomainNotFound) {
			return errors.Join(err, errUndefine)
		}
	}

	if err := d.Define(ctx, s.xml); err != nil {
		return errors.Join(err, errDefine)
	}

	if s.WasRunning && s.m.opts.RestoreStart {
		if err := d.Start(ctx, s.VMName); err != nil {
			return errors.Join(err, errStartRestored)
		}
	}
	return nil
}
