package params

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var errParseCfg = errors.New("failed to parse cfg")

// ParseCfg reads "key = value" assignments.
//
//	key = value    set
//	key += value   append, separated by a space
//	key ?= value   set if absent
//	# comment
//
// Values may be wrapped in single or double quotes.
func ParseCfg(r io.Reader) (Params, error) {
	out := Params{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, op, value, err := splitAssignment(line)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("line %d: %w", lineNo, err), errParseCfg)
		}

		switch op {
		case "+=":
			if prev, ok := out[key]; ok && prev != "" {
				out[key] = prev + " " + value
			} else {
				out[key] = value
			}
		case "?=":
			if _, ok := out[key]; !ok {
				out[key] = value
			}
		default:
			out[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Join(err, errParseCfg)
	}
	return out, nil
}

// LoadCfgFile parses the cfg file at path.
func LoadCfgFile(path string) (Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cfg file %s: %w", path, err)
	}
	defer f.Close()

	p, err := ParseCfg(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseAssignments parses "key=value" command-line overrides.
func ParseAssignments(assignments []string) (Params, error) {
	out := Params{}
	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", ErrInvalidValue, a)
		}
		out[key] = value
	}
	return out, nil
}

func splitAssignment(line string) (key, op, value string, err error) {
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", "", "", fmt.Errorf("expected assignment, got %q", line)
	}

	op = "="
	keyEnd := idx
	switch line[idx-1] {
	case '+':
		op = "+="
		keyEnd = idx - 1
	case '?':
		op = "?="
		keyEnd = idx - 1
	}

	key = strings.TrimSpace(line[:keyEnd])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", "", fmt.Errorf("invalid key %q", line[:keyEnd])
	}

	value = unquote(strings.TrimSpace(line[idx+1:]))
	return key, op, value, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
