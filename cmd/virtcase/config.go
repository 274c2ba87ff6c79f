package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "VIRTCASE_CONFIG_PATH"

	DriverVirsh   = "virsh"
	DriverLibvirt = "libvirt"

	RestarterSystemd = "systemd"
	RestarterCommand = "command"
	RestarterNone    = "none"
)

var errInvalidConfig = errors.New("invalid configuration")

// Config is used to configure virtcase.
//
// Every field is optional; DefaultConfig holds the values used for unset fields.
type Config struct {
	// URI is the libvirt connection URI.
	URI string `json:"uri"`
	// Driver selects how domains are managed: "virsh" (default) shells out to virsh,
	// "libvirt" talks to libvirtd through the C bindings.
	Driver string `json:"driver"`
	// VirshPath is the virsh binary.
	VirshPath string `json:"virshPath"`
	// Sudo runs every host command through "sudo -E".
	Sudo bool `json:"sudo"`
	// CommandTimeout bounds every host command.
	CommandTimeout string `json:"commandTimeout"`

	// StateDir holds the domain snapshots of running and crashed runs.
	StateDir string `json:"stateDir"`
	// ArtifactDir receives one directory per run with case logs and reports.
	ArtifactDir string `json:"artifactDir"`
	// CaseDirs are loaded when no path is given on the command line.
	CaseDirs []string `json:"caseDirs"`

	// ParamsFile is a key = value file of params shared by every case.
	ParamsFile string `json:"paramsFile"`
	// Params are shared by every case and win over ParamsFile.
	Params map[string]string `json:"params"`

	// Restore configures how domains are put back after a case.
	Restore struct {
		// Start starts a restored domain again when it was running at snapshot time.
		Start *bool `json:"start"`
		// KeepNVRAM keeps the nvram file when undefining the edited definition.
		KeepNVRAM bool `json:"keepNVRAM"`
	} `json:"restore"`

	// SSH is used to log into guests.
	SSH struct {
		User           string `json:"user"`
		Password       string `json:"password"`
		PrivateKeyPath string `json:"privateKeyPath"`
		Port           string `json:"port"`
	} `json:"ssh"`

	// Restarter restarts libvirt daemons after a configuration file edit: "systemd"
	// (default), "command" or "none".
	Restarter string `json:"restarter"`

	// Report configures the reports written after a run.
	Report struct {
		// Dir defaults to the artifact directory.
		Dir string `json:"dir"`
		// Formats defaults to json and text.
		Formats []string `json:"formats"`
		// MetricsTextfile is a path for the node exporter textfile collector.
		MetricsTextfile string `json:"metricsTextfile"`
	} `json:"report"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}

	if c.URI == "" {
		c.URI = "qemu:///system"
	}
	if c.Driver == "" {
		c.Driver = DriverVirsh
	}
	if c.VirshPath == "" {
		c.VirshPath = "virsh"
	}
	if c.CommandTimeout == "" {
		c.CommandTimeout = "5m"
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(home, ".virtcase", "state")
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = filepath.Join(home, ".virtcase", "artifacts")
	}
	if c.Restore.Start == nil {
		start := true
		c.Restore.Start = &start
	}
	if c.SSH.User == "" {
		c.SSH.User = "root"
	}
	if c.Restarter == "" {
		c.Restarter = RestarterSystemd
	}
	if c.Report.Dir == "" {
		c.Report.Dir = c.ArtifactDir
	}
	if len(c.Report.Formats) == 0 {
		c.Report.Formats = []string{"json", "text"}
	}
}

// Validate checks the enumerated fields and durations.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{DriverVirsh, DriverLibvirt}, c.Driver) {
		errs = append(errs, fmt.Errorf("driver must be %q or %q, got %q", DriverVirsh, DriverLibvirt, c.Driver))
	}
	if !slices.Contains([]string{RestarterSystemd, RestarterCommand, RestarterNone}, c.Restarter) {
		errs = append(errs, fmt.Errorf("restarter must be %q, %q or %q, got %q",
			RestarterSystemd, RestarterCommand, RestarterNone, c.Restarter))
	}
	if _, err := c.commandTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("commandTimeout: %w", err))
	}
	for _, f := range c.Report.Formats {
		if f != "json" && f != "text" {
			errs = append(errs, fmt.Errorf("report format must be json or text, got %q", f))
		}
	}
	if len(errs) > 0 {
		return errors.Join(append(errs, errInvalidConfig)...)
	}
	return nil
}

func (c *Config) commandTimeout() (time.Duration, error) {
	return time.ParseDuration(c.CommandTimeout)
}

// loadConfig loads the configuration from path, or from the file specified in the
// VIRTCASE_CONFIG_PATH environment variable when path is empty. Without either,
// the defaults are used.
func loadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvKey)
	}
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Parse YAML (uses json tags)
	config := &Config{}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
