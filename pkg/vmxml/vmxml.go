// Package vmxml is the working copy of a libvirt domain definition.
//
// A VMXML is parsed from a dump, mutated through typed helpers and written back with
// Sync. Mutations only touch the working copy; the snapshot a case restores from lives
// in pkg/backup and is never handed out for editing.
package vmxml

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/google/go-cmp/cmp"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrParse   = errors.New("failed to parse domain XML")
	ErrMarshal = errors.New("failed to marshal domain XML")
	// ErrSync is returned when the working copy could not be defined. The previous
	// definition has been put back when possible.
	ErrSync = errors.New("failed to sync domain XML")

	errUndefineForSync = errors.New("failed to undefine domain before sync")
	errRedefine        = errors.New("failed to redefine previous domain XML")
)

// VMXML wraps a parsed domain definition.
type VMXML struct {
	dom *libvirtxml.Domain
}

// Parse parses a domain XML document.
func Parse(doc string) (*VMXML, error) {
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(doc); err != nil {
		return nil, errors.Join(err, ErrParse)
	}
	return &VMXML{dom: dom}, nil
}

// FromDomain dumps and parses the definition of name.
func FromDomain(ctx context.Context, d driver.Domain, name string, inactive bool) (*VMXML, error) {
	doc, err := d.DumpXML(ctx, name, inactive)
	if err != nil {
		return nil, err
	}
	x, err := Parse(doc)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name))
	}
	return x, nil
}

// FromLibvirtXML wraps an already built domain. The domain is copied.
func FromLibvirtXML(dom *libvirtxml.Domain) (*VMXML, error) {
	doc, err := dom.Marshal()
	if err != nil {
		return nil, errors.Join(err, ErrMarshal)
	}
	return Parse(doc)
}

// Marshal renders the working copy.
func (x *VMXML) Marshal() (string, error) {
	doc, err := x.dom.Marshal()
	if err != nil {
		return "", errors.Join(err, ErrMarshal)
	}
	return doc, nil
}

// String renders the working copy, or an error comment.
func (x *VMXML) String() string {
	doc, err := x.Marshal()
	if err != nil {
		return fmt.Sprintf("<!-- %v -->", err)
	}
	return doc
}

// Copy returns a deep copy.
func (x *VMXML) Copy() (*VMXML, error) {
	doc, err := x.Marshal()
	if err != nil {
		return nil, err
	}
	return Parse(doc)
}

// Domain exposes the typed definition for edits no helper covers.
func (x *VMXML) Domain() *libvirtxml.Domain {
	return x.dom
}

// Name returns the domain name.
func (x *VMXML) Name() string {
	return x.dom.Name
}

// UUID returns the domain UUID.
func (x *VMXML) UUID() string {
	return x.dom.UUID
}

// Contains reports whether the rendered XML contains s.
func (x *VMXML) Contains(s string) bool {
	return strings.Contains(x.String(), s)
}

// ReplaceText applies a plain-text substitution to the rendered XML and re-parses it.
// It returns the number of replacements made.
func (x *VMXML) ReplaceText(old, replacement string) (int, error) {
	doc, err := x.Marshal()
	if err != nil {
		return 0, err
	}
	n := strings.Count(doc, old)
	if n == 0 {
		return 0, nil
	}
	parsed, err := Parse(strings.ReplaceAll(doc, old, replacement))
	if err != nil {
		return 0, err
	}
	x.dom = parsed.dom
	return n, nil
}

// Diff returns a line diff between a and b, empty when they render identically.
func Diff(a, b *VMXML) (string, error) {
	docA, err := a.Marshal()
	if err != nil {
		return "", err
	}
	docB, err := b.Marshal()
	if err != nil {
		return "", err
	}
	return cmp.Diff(splitLines(docA), splitLines(docB)), nil
}

func splitLines(s string) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return lines
}

// SyncOptions configures Sync.
type SyncOptions struct {
	// UndefineFlags are passed to the undefine preceding the define.
	UndefineFlags driver.UndefineFlags
	// Previous is redefined when the working copy is rejected. When nil, Sync dumps
	// the current inactive definition first.
	Previous *VMXML
}

// Sync replaces the persistent definition of the domain with the working copy.
//
// The domain is undefined first so that changes libvirt refuses to apply through a
// plain redefine (e.g. a different UUID or a removed nvram) still go through. If the
// define fails, the previous definition is defined again and the define error is
// returned joined with ErrSync.
func (x *VMXML) Sync(ctx context.Context, d driver.Domain, opts SyncOptions) error {
	name := x.Name()

	exists, err := d.Exists(ctx, name)
	if err != nil {
		return errors.Join(err, ErrSync)
	}

	previous := opts.Previous
	if exists {
		if previous == nil {
			previous, err = FromDomain(ctx, d, name, true)
			if err != nil {
				return errors.Join(err, ErrSync)
			}
		}
		if err := undefine(ctx, d, name, opts.UndefineFlags); err != nil {
			return errors.Join(err, errUndefineForSync, ErrSync)
		}
	}

	doc, err := x.Marshal()
	if err != nil {
		return errors.Join(err, ErrSync)
	}

	defineErr := d.Define(ctx, doc)
	if defineErr == nil {
		return nil
	}

	if previous != nil {
		prevDoc, err := previous.Marshal()
		if err == nil {
			err = d.Define(ctx, prevDoc)
		}
		if err != nil {
			return errors.Join(defineErr, err, errRedefine, ErrSync)
		}
	}

	return errors.Join(defineErr, fmt.Errorf("vmName=%s", name), ErrSync)
}

// undefine retries without flags when the hypervisor rejects them.
func undefine(ctx context.Context, d driver.Domain, name string, flags driver.UndefineFlags) error {
	err := d.Undefine(ctx, name, flags)
	if err != nil && flags.Any() && errors.Is(err, driver.ErrUnsupported) {
		return d.Undefine(ctx, name, driver.UndefineFlags{})
	}
	return err
}

// Undefine undefines name, retrying without flags when they are unsupported.
func Undefine(ctx context.Context, d driver.Domain, name string, flags driver.UndefineFlags) error {
	return undefine(ctx, d, name, flags)
}
