package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/alexandremahdhaoui/virtcase/pkg/scenario"
)

var errLoadCases = errors.New("failed to load cases")

// selection narrows the loaded cases.
type selection struct {
	tags  []string
	match []string
}

// casePaths returns paths, or the configured case directories, or the default one.
func casePaths(cfg *Config, paths []string) []string {
	if len(paths) > 0 {
		return paths
	}
	if len(cfg.CaseDirs) > 0 {
		return cfg.CaseDirs
	}
	return []string{scenario.DefaultCasePath()}
}

// loadInstances loads, expands and selects cases. Every load error is written to
// errOut; any of them fails the command.
func loadInstances(cfg *Config, paths []string, sel selection, errOut io.Writer) ([]scenario.Instance, error) {
	cases, errs := scenario.NewLoader("").LoadMultiple(casePaths(cfg, paths))
	for _, err := range errs {
		_, _ = fmt.Fprintf(errOut, "%v\n", err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %d error(s)", errLoadCases, len(errs))
	}

	instances := scenario.ExpandAll(cases)
	instances = scenario.Filter(instances, sel.tags)
	instances = scenario.Match(instances, sel.match)
	return instances, nil
}
