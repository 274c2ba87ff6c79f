package scenario

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/virtcase/pkg/params"
)

// ValidationError represents a validation error with detailed context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Validate validates a Case and returns detailed validation errors.
func Validate(c *Case) error {
	var errs ValidationErrors

	if c.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "name is required"})
	} else if !validName.MatchString(c.Name) {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("invalid name '%s', must match %s", c.Name, validName),
		})
	}

	if len(c.Steps) == 0 {
		errs = append(errs, ValidationError{Field: "steps", Message: "at least one step is required"})
	}

	if _, err := c.Timeout.Duration(); err != nil {
		errs = append(errs, ValidationError{Field: "timeout", Message: fmt.Sprintf("invalid duration format: %v", err)})
	}

	errs = append(errs, validateVariants(c.Variants)...)

	for i, step := range c.Steps {
		errs = append(errs, validateStep(step, i)...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateVariants(groups [][]Variant) ValidationErrors {
	var errs ValidationErrors
	for i, group := range groups {
		prefix := fmt.Sprintf("variants[%d]", i)
		if len(group) == 0 {
			errs = append(errs, ValidationError{Field: prefix, Message: "variant group is empty"})
			continue
		}
		names := make(map[string]bool)
		for j, v := range group {
			field := fmt.Sprintf("%s[%d].name", prefix, j)
			switch {
			case v.Name == "":
				errs = append(errs, ValidationError{Field: field, Message: "variant name is required"})
			case !validName.MatchString(v.Name):
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("invalid variant name '%s', must match %s", v.Name, validName),
				})
			case names[v.Name]:
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("duplicate variant name '%s'", v.Name),
				})
			}
			names[v.Name] = true
		}
	}
	return errs
}

// validateStep validates a single step.
func validateStep(step Step, index int) ValidationErrors {
	var errs ValidationErrors
	prefix := fmt.Sprintf("steps[%d]", index)

	kinds := step.Kinds()
	switch len(kinds) {
	case 0:
		return ValidationErrors{{Field: prefix, Message: "step has no action"}}
	case 1:
	default:
		return ValidationErrors{{
			Field:   prefix,
			Message: fmt.Sprintf("step has several actions: %s", strings.Join(kinds, ", ")),
		}}
	}

	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: prefix + "." + field, Message: fmt.Sprintf(format, args...)})
	}
	checkBool := func(field, v string) {
		if v == "" || strings.Contains(v, "${") {
			return
		}
		if _, err := params.ParseBool(v); err != nil {
			add(field, "invalid boolean '%s'", v)
		}
	}
	checkDuration := func(field string, d DurationString) {
		if strings.Contains(string(d), "${") {
			return
		}
		if _, err := d.Duration(); err != nil {
			add(field, "invalid duration format: %v", err)
		}
	}
	checkRegexp := func(field, pattern string) {
		if pattern == "" || strings.Contains(pattern, "${") {
			return
		}
		if _, err := regexp.Compile(pattern); err != nil {
			add(field, "invalid regular expression: %v", err)
		}
	}

	switch {
	case step.Sync != nil:
		checkBool("sync.status_error", step.Sync.StatusError)

	case step.Define != nil:
		if (step.Define.XML == "") == (step.Define.File == "") {
			add("define", "exactly one of xml or file is required")
		}
		checkBool("define.status_error", step.Define.StatusError)

	case step.Virsh != nil:
		if step.Virsh.Command == "" {
			add("virsh.command", "virsh command is required")
		}
		checkBool("virsh.status_error", step.Virsh.StatusError)
		checkRegexp("virsh.expect_error", step.Virsh.ExpectError)

	case step.XML != nil:
		if step.XML.DiskSource != nil && step.XML.DiskSource.Target == "" {
			add("xml.disk_source.target", "disk target is required")
		}
		for k, v := range step.XML.Features {
			checkBool("xml.features."+k, v)
		}
		for i, r := range step.XML.Replace {
			if r.Old == "" {
				add(fmt.Sprintf("xml.replace[%d].old", i), "text to replace is required")
			}
		}

	case step.Check != nil:
		errs = append(errs, validateCheck(step.Check, prefix+".check")...)
		checkDuration("check.timeout", step.Check.Timeout)
		checkDuration("check.interval", step.Check.Interval)
		checkRegexp("check.pattern", step.Check.Pattern)

	case step.Guest != nil:
		if step.Guest.Command == "" {
			add("guest.command", "guest command is required")
		}
		checkBool("guest.status_error", step.Guest.StatusError)
		checkDuration("guest.timeout", step.Guest.Timeout)

	case step.Monitor != nil:
		m := step.Monitor
		set := 0
		for _, b := range []bool{m.Start != "", m.Wait != "", m.Stop} {
			if b {
				set++
			}
		}
		if set != 1 {
			add("monitor", "exactly one of start, wait or stop is required")
		}
		for i, p := range m.Patterns {
			checkRegexp(fmt.Sprintf("monitor.patterns[%d]", i), p)
		}
		checkRegexp("monitor.pattern", m.Pattern)
		checkRegexp("monitor.wait", m.Wait)
		checkDuration("monitor.timeout", m.Timeout)

	case step.Disk != nil:
		errs = append(errs, validateDisk(step.Disk, prefix+".disk")...)

	case step.Conf != nil:
		if step.Conf.File == "" {
			add("conf.file", "configuration file is required")
		}
		if len(step.Conf.Set) == 0 && len(step.Conf.Unset) == 0 {
			add("conf", "at least one of set or unset is required")
		}

	case step.Sleep != nil:
		checkDuration("sleep", *step.Sleep)

	case step.Provision != nil:
		if step.Provision.Name == "" {
			add("provision.name", "guest name is required")
		}
		if step.Provision.BaseImage == "" {
			add("provision.base_image", "base image is required")
		}
		if mode := step.Provision.NetworkMode; mode != "" && mode != "network" && mode != "bridge" && mode != "user" {
			add("provision.network_mode", "invalid network mode '%s', must be one of: network, bridge, user", mode)
		}

	case step.Network != nil:
		n := step.Network
		if n.Name == "" {
			add("network.name", "network name is required")
		}
		switch n.Mode {
		case "", "nat", "isolated":
		case "bridge":
			if n.Bridge == "" {
				add("network.bridge", "bridge is required for network mode 'bridge'")
			}
		default:
			if !strings.Contains(n.Mode, "${") {
				add("network.mode", "invalid network mode '%s', must be one of: nat, isolated, bridge", n.Mode)
			}
		}
		if (n.DHCPStart == "") != (n.DHCPEnd == "") {
			add("network", "dhcp_start and dhcp_end must be set together")
		}
	}

	return errs
}

func validateCheck(c *CheckStep, prefix string) ValidationErrors {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: prefix + field, Message: msg})
	}

	switch c.Type {
	case "":
		add(".type", "check type is required")
	case CheckQemuCmdline, CheckXML:
		if c.Contains == "" && c.NotContains == "" && c.Pattern == "" {
			add("", fmt.Sprintf("one of contains, not_contains or pattern is required for check type '%s'", c.Type))
		}
	case CheckDmesg:
		if c.Pattern == "" && c.Contains == "" && c.NotContains == "" {
			add("", "one of pattern, contains or not_contains is required for check type 'dmesg'")
		}
	case CheckFile:
		if c.Path == "" {
			add(".path", "path is required for check type 'file'")
		}
	case CheckProcess:
		if c.Pattern == "" {
			add(".pattern", "pattern is required for check type 'process'")
		}
	case CheckState:
		if c.State == "" {
			add(".state", "state is required for check type 'state'")
		}
	default:
		add(".type", fmt.Sprintf("invalid check type '%s', must be one of: %s", c.Type,
			strings.Join([]string{CheckQemuCmdline, CheckDmesg, CheckFile, CheckProcess, CheckXML, CheckState}, ", ")))
	}

	return errs
}

func validateDisk(d *DiskStep, prefix string) ValidationErrors {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: prefix + field, Message: msg})
	}

	if d.Path == "" {
		add(".path", "disk path is required")
	}
	switch d.Action {
	case DiskCreate:
		if d.Size == "" && d.Backing == "" {
			add(".size", "size is required when creating a disk without a backing file")
		}
	case DiskResize:
		if d.Size == "" {
			add(".size", "size is required for resize")
		}
	case DiskRemove, DiskInfo:
	case "":
		add(".action", "disk action is required")
	default:
		add(".action", fmt.Sprintf("invalid disk action '%s', must be one of: create, resize, remove, info", d.Action))
	}

	return errs
}
