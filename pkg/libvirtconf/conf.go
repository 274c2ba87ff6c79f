// Package libvirtconf edits libvirt daemon configuration files such as
// /etc/libvirt/qemu.conf and puts the original bytes back when a case is done.
package libvirtconf

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrKeyNotFound = errors.New("key not found")

	errReadConf  = errors.New("failed to read libvirt configuration file")
	errWriteConf = errors.New("failed to write libvirt configuration file")
)

var (
	activeLine    = regexp.MustCompile(`^\s*([A-Za-z0-9_]+)\s*=\s*(.*?)\s*$`)
	commentedLine = regexp.MustCompile(`^\s*#\s*([A-Za-z0-9_]+)\s*=\s*(.*?)\s*$`)
)

// File is a libvirt configuration file opened for editing.
type File struct {
	path     string
	mode     os.FileMode
	existed  bool
	original []byte
	lines    []string
}

// Open reads path. A missing file is treated as empty and Restore removes it again.
func Open(path string) (*File, error) {
	f := &File{path: path, mode: 0o644}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), errReadConf)
	}

	if info, err := os.Stat(path); err == nil {
		f.mode = info.Mode().Perm()
	}
	f.existed = true
	f.original = data
	f.lines = splitLines(string(data))
	return f, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Get returns the raw value of the last active assignment of key.
func (f *File) Get(key string) (string, bool) {
	for i := len(f.lines) - 1; i >= 0; i-- {
		if k, v, ok := parseActive(f.lines[i]); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// GetString returns the value of key with surrounding double quotes removed.
func (f *File) GetString(key string) (string, error) {
	v, ok := f.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if s, err := strconv.Unquote(v); err == nil {
		return s, nil
	}
	return v, nil
}

// Set assigns a raw value, e.g. `1`, `"none"` or `[ "a", "b" ]`. An active assignment
// is rewritten in place, otherwise a commented default is uncommented, otherwise the
// assignment is appended.
func (f *File) Set(key, value string) {
	line := key + " = " + value

	replaced := false
	for i, l := range f.lines {
		if k, _, ok := parseActive(l); ok && k == key {
			f.lines[i] = line
			replaced = true
		}
	}
	if replaced {
		return
	}

	for i, l := range f.lines {
		if m := commentedLine.FindStringSubmatch(l); m != nil && m[1] == key {
			f.lines[i] = line
			return
		}
	}

	f.lines = append(f.lines, line)
}

// SetString assigns a quoted string value.
func (f *File) SetString(key, value string) {
	f.Set(key, strconv.Quote(value))
}

// Unset comments out every active assignment of key and reports whether one existed.
func (f *File) Unset(key string) bool {
	found := false
	for i, l := range f.lines {
		if k, _, ok := parseActive(l); ok && k == key {
			f.lines[i] = "#" + l
			found = true
		}
	}
	return found
}

func parseActive(line string) (string, string, bool) {
	m := activeLine.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// String renders the edited file.
func (f *File) String() string {
	if len(f.lines) == 0 {
		return ""
	}
	return strings.Join(f.lines, "\n") + "\n"
}

// Changed reports whether the edited content differs from the original.
func (f *File) Changed() bool {
	return f.String() != string(f.original)
}

// Save writes the edited content.
func (f *File) Save() error {
	if err := os.WriteFile(f.path, []byte(f.String()), f.mode); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", f.path), errWriteConf)
	}
	return nil
}

// Restore writes back the bytes read by Open and discards pending edits.
func (f *File) Restore() error {
	f.lines = splitLines(string(f.original))

	if !f.existed {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Join(err, fmt.Errorf("path=%s", f.path), errWriteConf)
		}
		return nil
	}
	if err := os.WriteFile(f.path, f.original, f.mode); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", f.path), errWriteConf)
	}
	return nil
}
