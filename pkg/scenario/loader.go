package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Loader loads cases from YAML files.
type Loader struct {
	// basePath is the base directory for resolving relative paths
	basePath string
}

// NewLoader creates a new case loader.
// basePath is used to resolve relative case file paths.
// If basePath is empty, the current working directory is used.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{
		basePath: basePath,
	}
}

// Load loads a case from a YAML file.
// The path can be absolute or relative to the loader's basePath.
func (l *Loader) Load(path string) (*Case, error) {
	resolvedPath, err := l.resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve case path: %w", err)
	}

	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read case file %s: %w", resolvedPath, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", resolvedPath, err)
	}
	c.Source = resolvedPath

	return c, nil
}

// Parse parses and validates a case document.
func Parse(data []byte) (*Case, error) {
	var c Case
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(&c); err != nil {
		return nil, fmt.Errorf("case validation failed: %w", err)
	}

	return &c, nil
}

// LoadMultiple loads cases from files and directories. A directory contributes
// every *.yaml and *.yml file directly under it.
// Returns all successfully loaded cases and any errors encountered.
func (l *Loader) LoadMultiple(paths []string) ([]*Case, []error) {
	cases := make([]*Case, 0, len(paths))
	var errs []error

	for _, path := range paths {
		files, err := l.expandPath(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, file := range files {
			c, err := l.Load(file)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			cases = append(cases, c)
		}
	}

	return cases, errs
}

func (l *Loader) expandPath(path string) ([]string, error) {
	resolved := path
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(filepath.Join(l.basePath, path))
		if err != nil {
			return nil, err
		}
		resolved = abs
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to stat case path %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return []string{resolved}, nil
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(resolved, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	slices.Sort(files)
	return files, nil
}

// resolvePath resolves a file path relative to the loader's basePath.
// If the path is absolute, it is returned as-is.
func (l *Loader) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}

	resolvedPath := filepath.Join(l.basePath, path)

	if _, err := os.Stat(resolvedPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("case file does not exist: %s", resolvedPath)
		}
		return "", fmt.Errorf("failed to stat case file %s: %w", resolvedPath, err)
	}

	return resolvedPath, nil
}

// DefaultCasePath returns the default directory for case files.
func DefaultCasePath() string {
	return "cases"
}
