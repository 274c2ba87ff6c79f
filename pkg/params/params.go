// Package params holds the flat, string-keyed configuration every case is run with.
//
// Values are always strings; typed getters convert on read so that a case file, a
// cfg file and a command-line override all feed the same dictionary.
package params

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissing      = errors.New("missing parameter")
	ErrInvalidValue = errors.New("invalid parameter value")
)

// Well-known keys.
const (
	KeyMainVM         = "main_vm"
	KeyVMs            = "vms"
	KeyStatusError    = "status_error"
	KeyStartVM        = "start_vm"
	KeyCleanupTimeout = "cleanup_timeout"
	KeyLoginTimeout   = "login_timeout"
	KeyVMIP           = "vm_ip"
)

// Params is a flat key/value dictionary.
type Params map[string]string

// New copies m into a new Params.
func New(m map[string]string) Params {
	p := make(Params, len(m))
	maps.Copy(p, m)
	return p
}

// Get returns the value of key or "".
func (p Params) Get(key string) string {
	return p[key]
}

// GetDefault returns the value of key or def when the key is absent.
func (p Params) GetDefault(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Has reports whether key is set.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Set sets key to value.
func (p Params) Set(key, value string) {
	p[key] = value
}

// Require returns the value of key or ErrMissing.
func (p Params) Require(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return v, nil
}

// GetBool parses yes/no, true/false, on/off and 1/0. Absent or empty keys return def.
func (p Params) GetBool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	b, err := ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ParseBool parses the boolean spellings used in case configuration.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "true", "on", "1":
		return true, nil
	case "no", "n", "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, v)
}

// GetInt returns the integer value of key or def.
func (p Params) GetInt(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v)
	}
	return i, nil
}

// GetFloat returns the float value of key or def.
func (p Params) GetFloat(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v)
	}
	return f, nil
}

// GetDuration accepts Go durations ("30s") and bare seconds ("30", "1.5").
func (p Params) GetDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v)
	}
	return d, nil
}

// GetList splits the value of key on whitespace.
func (p Params) GetList(key string) []string {
	return strings.Fields(p[key])
}

// StatusError reports whether the case expects the command under test to fail.
func (p Params) StatusError() bool {
	return p.GetBool(KeyStatusError, false)
}

// MainVM returns main_vm, falling back to the first entry of vms.
func (p Params) MainVM() string {
	if v := p.Get(KeyMainVM); v != "" {
		return v
	}
	if vms := p.GetList(KeyVMs); len(vms) > 0 {
		return vms[0]
	}
	return ""
}

// Copy returns an independent copy.
func (p Params) Copy() Params {
	return New(p)
}

// Merge returns a copy of p overridden by other.
func (p Params) Merge(other map[string]string) Params {
	out := p.Copy()
	maps.Copy(out, other)
	return out
}

// Keys returns the sorted keys.
func (p Params) Keys() []string {
	keys := slices.Collect(maps.Keys(p))
	slices.Sort(keys)
	return keys
}

// ObjectParams returns the parameters seen by object name: every "key_<name>" entry
// overrides "key". The suffixed keys are kept as-is.
func (p Params) ObjectParams(name string) Params {
	out := p.Copy()
	suffix := "_" + name
	for k, v := range p {
		if base, ok := strings.CutSuffix(k, suffix); ok && base != "" {
			out[base] = v
		}
	}
	return out
}

// Expand replaces ${key} references with their values. Unknown references are left
// untouched so that they show up in logs.
func (p Params) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var sb strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		end += start
		key := s[start+2 : end]
		sb.WriteString(s[:start])
		if v, ok := p[key]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
}
