package scenario

import "time"

// Case is a test case loaded from YAML.
type Case struct {
	// Name is the case name. Expanded instances are named "name.variant1.variant2".
	Name string `yaml:"name"`

	// Description explains what the case validates
	Description string `yaml:"description,omitempty"`

	// Tags are labels for categorizing and filtering cases
	Tags []string `yaml:"tags,omitempty"`

	// VM is the main domain of the case. It becomes the main_vm param unless the
	// params already set one.
	VM string `yaml:"vm,omitempty"`

	// Params seed the parameter dictionary of every instance.
	Params map[string]string `yaml:"params,omitempty"`

	// Variants is a list of groups; one instance is produced per combination of one
	// variant from each group.
	Variants [][]Variant `yaml:"variants,omitempty"`

	// Steps run in order; the case stops at the first step that returns an error.
	Steps []Step `yaml:"steps"`

	// Timeout bounds the case body. Cleanup has its own timeout (cleanup_timeout).
	Timeout DurationString `yaml:"timeout,omitempty"`

	// Source is the file the case was loaded from.
	Source string `yaml:"-"`
}

// Variant overrides params for one branch of a variants group.
type Variant struct {
	Name   string            `yaml:"name"`
	Tags   []string          `yaml:"tags,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Step holds exactly one action.
type Step struct {
	// Name is shown in logs and error messages instead of the step index.
	Name string `yaml:"name,omitempty"`

	Snapshot  *SnapshotStep   `yaml:"snapshot,omitempty"`
	XML       *XMLStep        `yaml:"xml,omitempty"`
	Sync      *SyncStep       `yaml:"sync,omitempty"`
	Define    *DefineStep     `yaml:"define,omitempty"`
	Virsh     *VirshStep      `yaml:"virsh,omitempty"`
	Start     *DomainStep     `yaml:"start,omitempty"`
	Destroy   *DomainStep     `yaml:"destroy,omitempty"`
	Check     *CheckStep      `yaml:"check,omitempty"`
	Guest     *GuestStep      `yaml:"guest,omitempty"`
	Monitor   *MonitorStep    `yaml:"monitor,omitempty"`
	Disk      *DiskStep       `yaml:"disk,omitempty"`
	Conf      *ConfStep       `yaml:"conf,omitempty"`
	Sleep     *DurationString `yaml:"sleep,omitempty"`
	Provision *ProvisionStep  `yaml:"provision,omitempty"`
	Network   *NetworkStep    `yaml:"network,omitempty"`
}

// Step kinds.
const (
	KindSnapshot  = "snapshot"
	KindXML       = "xml"
	KindSync      = "sync"
	KindDefine    = "define"
	KindVirsh     = "virsh"
	KindStart     = "start"
	KindDestroy   = "destroy"
	KindCheck     = "check"
	KindGuest     = "guest"
	KindMonitor   = "monitor"
	KindDisk      = "disk"
	KindConf      = "conf"
	KindSleep     = "sleep"
	KindProvision = "provision"
	KindNetwork   = "network"
)

// Kinds returns the kinds set on the step. A valid step has exactly one.
func (s Step) Kinds() []string {
	var kinds []string
	add := func(set bool, kind string) {
		if set {
			kinds = append(kinds, kind)
		}
	}
	add(s.Snapshot != nil, KindSnapshot)
	add(s.XML != nil, KindXML)
	add(s.Sync != nil, KindSync)
	add(s.Define != nil, KindDefine)
	add(s.Virsh != nil, KindVirsh)
	add(s.Start != nil, KindStart)
	add(s.Destroy != nil, KindDestroy)
	add(s.Check != nil, KindCheck)
	add(s.Guest != nil, KindGuest)
	add(s.Monitor != nil, KindMonitor)
	add(s.Disk != nil, KindDisk)
	add(s.Conf != nil, KindConf)
	add(s.Sleep != nil, KindSleep)
	add(s.Provision != nil, KindProvision)
	add(s.Network != nil, KindNetwork)
	return kinds
}

// Kind returns the single kind of the step, or "" when it has none or several.
func (s Step) Kind() string {
	kinds := s.Kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// SnapshotStep backs up the persistent definition of VM (main_vm by default).
type SnapshotStep struct {
	VM string `yaml:"vm,omitempty"`
}

// XMLStep edits the working copy of VM. Fields are applied in declaration order.
// Numeric fields are strings so that they can reference params.
type XMLStep struct {
	VM             string            `yaml:"vm,omitempty"`
	SetVCPU        string            `yaml:"set_vcpu,omitempty"`
	SetCurrentVCPU string            `yaml:"set_current_vcpu,omitempty"`
	SetMemory      string            `yaml:"set_memory,omitempty"`
	SetCurrentMem  string            `yaml:"set_current_memory,omitempty"`
	SetCPUMode     string            `yaml:"set_cpu_mode,omitempty"`
	SetCPUModel    string            `yaml:"set_cpu_model,omitempty"`
	CPUFeatures    map[string]string `yaml:"cpu_features,omitempty"`
	Features       map[string]string `yaml:"features,omitempty"`
	Machine        string            `yaml:"machine,omitempty"`
	OnCrash        string            `yaml:"on_crash,omitempty"`
	OnReboot       string            `yaml:"on_reboot,omitempty"`
	OnPoweroff     string            `yaml:"on_poweroff,omitempty"`
	DiskSource     *DiskSourceEdit   `yaml:"disk_source,omitempty"`
	RemoveDevices  []string          `yaml:"remove_devices,omitempty"`
	AddDevices     []string          `yaml:"add_devices,omitempty"`
	Replace        []Replacement     `yaml:"replace,omitempty"`
}

// DiskSourceEdit points a disk at another file.
type DiskSourceEdit struct {
	Target string `yaml:"target"`
	Path   string `yaml:"path"`
}

// Replacement is a plain-text substitution on the rendered XML.
type Replacement struct {
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

// SyncStep writes the working copy of VM back to libvirt.
type SyncStep struct {
	VM string `yaml:"vm,omitempty"`
	// StatusError expects the define to be rejected. Empty falls back to the
	// status_error param.
	StatusError string `yaml:"status_error,omitempty"`
}

// DefineStep defines a domain from inline XML or a file.
type DefineStep struct {
	XML         string `yaml:"xml,omitempty"`
	File        string `yaml:"file,omitempty"`
	StatusError string `yaml:"status_error,omitempty"`
	// Undefine registers a cleanup undefining the new domain.
	Undefine bool `yaml:"undefine,omitempty"`
}

// VirshStep runs a virsh subcommand.
type VirshStep struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	// StatusError expects a non-zero exit. Empty falls back to the status_error param.
	StatusError string `yaml:"status_error,omitempty"`
	// Expect must appear in the output.
	Expect string `yaml:"expect,omitempty"`
	// ExpectNot must not appear in the output.
	ExpectNot string `yaml:"expect_not,omitempty"`
	// ExpectError is a regular expression the stderr of an expected failure must match.
	ExpectError string `yaml:"expect_error,omitempty"`
	// Save stores the trimmed stdout in the named param.
	Save string `yaml:"save,omitempty"`
}

// DomainStep names a domain, main_vm by default.
type DomainStep struct {
	VM string `yaml:"vm,omitempty"`
}

// Check types.
const (
	CheckQemuCmdline = "qemu_cmdline"
	CheckDmesg       = "dmesg"
	CheckFile        = "file"
	CheckProcess     = "process"
	CheckXML         = "xml"
	CheckState       = "state"
)

// CheckStep runs a host-side check.
type CheckStep struct {
	Type        string `yaml:"type"`
	VM          string `yaml:"vm,omitempty"`
	Path        string `yaml:"path,omitempty"`
	Contains    string `yaml:"contains,omitempty"`
	NotContains string `yaml:"not_contains,omitempty"`
	// Pattern is a regular expression.
	Pattern string `yaml:"pattern,omitempty"`
	// State is the expected domain state for the state check.
	State string `yaml:"state,omitempty"`
	// Running is used by the process check; defaults to true.
	Running *bool `yaml:"running,omitempty"`
	// Timeout retries the check until it passes or the timeout expires.
	Timeout  DurationString `yaml:"timeout,omitempty"`
	Interval DurationString `yaml:"interval,omitempty"`
}

// GuestStep runs a command in the guest over SSH.
type GuestStep struct {
	VM          string         `yaml:"vm,omitempty"`
	Command     string         `yaml:"command"`
	Expect      string         `yaml:"expect,omitempty"`
	ExpectNot   string         `yaml:"expect_not,omitempty"`
	StatusError string         `yaml:"status_error,omitempty"`
	Timeout     DurationString `yaml:"timeout,omitempty"`
	Save        string         `yaml:"save,omitempty"`
}

// MonitorStep starts, waits on or stops a log monitor. Start, Wait and Stop are
// mutually exclusive.
type MonitorStep struct {
	// ID distinguishes several monitors in one case.
	ID       string   `yaml:"id,omitempty"`
	Start    string   `yaml:"start,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
	// Pattern is shorthand for a single entry in Patterns.
	Pattern   string         `yaml:"pattern,omitempty"`
	FromStart bool           `yaml:"from_start,omitempty"`
	Wait      string         `yaml:"wait,omitempty"`
	Timeout   DurationString `yaml:"timeout,omitempty"`
	Stop      bool           `yaml:"stop,omitempty"`
	// Absent fails the stop when any pattern matched.
	Absent bool `yaml:"absent,omitempty"`
}

// Disk actions.
const (
	DiskCreate = "create"
	DiskResize = "resize"
	DiskRemove = "remove"
	DiskInfo   = "info"
)

// DiskStep drives qemu-img.
type DiskStep struct {
	Action  string `yaml:"action"`
	Path    string `yaml:"path"`
	Size    string `yaml:"size,omitempty"`
	Format  string `yaml:"format,omitempty"`
	Backing string `yaml:"backing,omitempty"`
	// ExpectFormat checks the format reported by info.
	ExpectFormat string `yaml:"expect_format,omitempty"`
	// Keep skips the removal cleanup registered by create.
	Keep bool `yaml:"keep,omitempty"`
}

// ConfStep edits a libvirt daemon configuration file for the duration of the case.
type ConfStep struct {
	File  string            `yaml:"file"`
	Set   map[string]string `yaml:"set,omitempty"`
	Unset []string          `yaml:"unset,omitempty"`
	// Service is restarted after the edit and again after the restore.
	Service string `yaml:"service,omitempty"`
}

// ProvisionStep creates a disposable guest torn down at cleanup.
type ProvisionStep struct {
	Name        string   `yaml:"name"`
	BaseImage   string   `yaml:"base_image"`
	DiskSize    string   `yaml:"disk_size,omitempty"`
	MemoryMiB   string   `yaml:"memory_mib,omitempty"`
	VCPUs       string   `yaml:"vcpus,omitempty"`
	NetworkMode string   `yaml:"network_mode,omitempty"`
	Network     string   `yaml:"network,omitempty"`
	User        string   `yaml:"user,omitempty"`
	Password    string   `yaml:"password,omitempty"`
	SSHKeys     []string `yaml:"ssh_keys,omitempty"`
	GuestAgent  bool     `yaml:"guest_agent,omitempty"`
	Start       bool     `yaml:"start,omitempty"`
}

// NetworkStep makes sure a libvirt network exists for the case. A network the step
// defines is removed at cleanup unless Keep is set.
type NetworkStep struct {
	Name string `yaml:"name"`
	// Mode is nat (default), isolated or bridge.
	Mode      string `yaml:"mode,omitempty"`
	Bridge    string `yaml:"bridge,omitempty"`
	Address   string `yaml:"address,omitempty"`
	Netmask   string `yaml:"netmask,omitempty"`
	DHCPStart string `yaml:"dhcp_start,omitempty"`
	DHCPEnd   string `yaml:"dhcp_end,omitempty"`
	Keep      bool   `yaml:"keep,omitempty"`
	// Save stores the bridge libvirt attached the network to in the named param.
	Save string `yaml:"save,omitempty"`
}

// DurationString is a wrapper for time.Duration that supports YAML unmarshaling.
type DurationString string

// Duration parses the DurationString into a time.Duration.
func (d DurationString) Duration() (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(string(d))
}
