package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/virtcase/pkg/process"
)

var (
	errReadFile    = errors.New("failed to read file")
	errQemuPID     = errors.New("failed to find qemu process of domain")
	errRunDmesg    = errors.New("failed to read kernel ring buffer")
	errRunPgrep    = errors.New("failed to list processes")
	errInvalidPath = errors.New("invalid file path")
)

const (
	DefaultQemuRunDir = "/run/libvirt/qemu"
	DefaultProcDir    = "/proc"
)

// Host inspects the hypervisor host. Files that cannot be read directly are read
// through the runner, which may carry sudo.
type Host struct {
	Runner  process.Runner
	RunDir  string
	ProcDir string
}

// NewHost returns a Host using the default libvirt and proc locations.
func NewHost(runner process.Runner) *Host {
	return &Host{
		Runner:  runner,
		RunDir:  DefaultQemuRunDir,
		ProcDir: DefaultProcDir,
	}
}

func (h *Host) readFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrPermission) || h.Runner == nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), errReadFile)
	}

	res, runErr := h.Runner.Run(ctx, "cat", path)
	if runErr != nil {
		return nil, errors.Join(runErr, fmt.Errorf("path=%s", path), errReadFile)
	}
	if !res.Ok() {
		return nil, errors.Join(err, errors.New(res.StderrText()), fmt.Errorf("path=%s", path), errReadFile)
	}
	return []byte(res.Stdout), nil
}

// QemuPID returns the pid libvirt recorded for the running domain.
func (h *Host) QemuPID(ctx context.Context, name string) (int, error) {
	data, err := h.readFile(ctx, filepath.Join(h.RunDir, name+".pid"))
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("vmName=%s", name), errQemuPID)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("vmName=%s", name), errQemuPID)
	}
	return pid, nil
}

// QemuCmdline returns the argv of the qemu process running the domain.
func (h *Host) QemuCmdline(ctx context.Context, name string) ([]string, error) {
	pid, err := h.QemuPID(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := h.readFile(ctx, filepath.Join(h.ProcDir, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s pid=%d", name, pid), errQemuPID)
	}

	var argv []string
	for _, arg := range bytes.Split(bytes.TrimRight(data, "\x00"), []byte{0}) {
		argv = append(argv, string(arg))
	}
	return argv, nil
}

// QemuCmdlineContains checks the space-joined qemu argv for s.
func (h *Host) QemuCmdlineContains(ctx context.Context, name, s string) error {
	argv, err := h.QemuCmdline(ctx, name)
	if err != nil {
		return err
	}
	line := strings.Join(argv, " ")
	if !strings.Contains(line, s) {
		return fail("qemu_cmdline", fmt.Sprintf("%q", s), truncate(line), "domain %s", name)
	}
	return nil
}

// QemuCmdlineNotContains checks that the qemu argv does not contain s.
func (h *Host) QemuCmdlineNotContains(ctx context.Context, name, s string) error {
	argv, err := h.QemuCmdline(ctx, name)
	if err != nil {
		return err
	}
	line := strings.Join(argv, " ")
	if strings.Contains(line, s) {
		return fail("qemu_cmdline", fmt.Sprintf("no %q", s), truncate(line), "domain %s", name)
	}
	return nil
}

// DmesgOptions filters kernel messages.
type DmesgOptions struct {
	// Level keeps the messages of the listed priorities, e.g. "err,warn".
	Level string
	// Since skips the first lines, as returned by DmesgMark. It counts messages of
	// every level.
	Since int
}

var dmesgLevels = []string{"emerg", "alert", "crit", "err", "warn", "notice", "info", "debug"}

// Dmesg returns the kernel messages selected by opts.
func (h *Host) Dmesg(ctx context.Context, opts DmesgOptions) ([]string, error) {
	args := []string{}
	if opts.Level != "" {
		// dmesg --level would shift the lines counted by Since.
		args = append(args, "--decode")
	}
	res, err := h.Runner.Run(ctx, "dmesg", args...)
	if err != nil {
		return nil, errors.Join(err, errRunDmesg)
	}
	if !res.Ok() {
		return nil, errors.Join(errors.New(res.StderrText()), errRunDmesg)
	}

	lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	if opts.Since > 0 {
		if opts.Since >= len(lines) {
			return nil, nil
		}
		lines = lines[opts.Since:]
	}
	if opts.Level != "" {
		lines = filterDmesgLevel(lines, strings.Split(opts.Level, ","))
	}
	return lines, nil
}

// filterDmesgLevel keeps the "facility:level : message" lines printed by dmesg
// --decode whose level is listed, without their prefix. Continuation lines follow
// the line before them.
func filterDmesgLevel(lines, levels []string) []string {
	var out []string
	keep := false
	for _, l := range lines {
		facility, rest, ok := strings.Cut(l, ":")
		level, msg, ok2 := strings.Cut(rest, ":")
		level = strings.TrimSpace(level)
		if !ok || !ok2 || strings.ContainsAny(strings.TrimSpace(facility), " [") ||
			!slices.Contains(dmesgLevels, level) {
			if keep {
				out = append(out, l)
			}
			continue
		}
		keep = slices.Contains(levels, level)
		if keep {
			out = append(out, strings.TrimLeft(msg, " "))
		}
	}
	return out
}

// DmesgMark returns the current number of kernel messages, to be used as
// DmesgOptions.Since.
func (h *Host) DmesgMark(ctx context.Context) (int, error) {
	lines, err := h.Dmesg(ctx, DmesgOptions{})
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// DmesgContains checks that a kernel message matches pattern.
func (h *Host) DmesgContains(ctx context.Context, pattern string, opts DmesgOptions) error {
	matched, err := h.dmesgMatches(ctx, pattern, opts)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return fail("dmesg", pattern, "no match", "")
	}
	return nil
}

// DmesgNotContains checks that no kernel message matches pattern, e.g. "Call Trace".
func (h *Host) DmesgNotContains(ctx context.Context, pattern string, opts DmesgOptions) error {
	matched, err := h.dmesgMatches(ctx, pattern, opts)
	if err != nil {
		return err
	}
	if len(matched) > 0 {
		return fail("dmesg", "no "+pattern, truncate(strings.Join(matched, "\n")), "")
	}
	return nil
}

func (h *Host) dmesgMatches(ctx context.Context, pattern string, opts DmesgOptions) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	lines, err := h.Dmesg(ctx, opts)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range lines {
		if re.MatchString(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// FileExists checks that path exists.
func (h *Host) FileExists(ctx context.Context, path string) error {
	if path == "" {
		return errInvalidPath
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrPermission) {
		return errors.Join(err, fmt.Errorf("path=%s", path), errReadFile)
	} else if errors.Is(err, os.ErrPermission) && h.Runner != nil {
		res, runErr := h.Runner.Run(ctx, "test", "-e", path)
		if runErr != nil {
			return errors.Join(runErr, fmt.Errorf("path=%s", path), errReadFile)
		}
		if res.Ok() {
			return nil
		}
	}
	return fail("file_exists", path, "missing", "")
}

// FileContains checks that the content of path matches pattern.
func (h *Host) FileContains(ctx context.Context, path, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	data, err := h.readFile(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return fail("file_contains", pattern, "missing file", "path %s", path)
	} else if err != nil {
		return err
	}
	if !re.Match(data) {
		return fail("file_contains", pattern, "no match", "path %s", path)
	}
	return nil
}

// FileNotContains checks that the content of path does not match pattern. A missing
// file passes.
func (h *Host) FileNotContains(ctx context.Context, path, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	data, err := h.readFile(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if loc := re.FindIndex(data); loc != nil {
		return fail("file_not_contains", "no match", string(data[loc[0]:loc[1]]), "path %s", path)
	}
	return nil
}

// ProcessRunning checks that a process whose command line matches pattern exists.
func (h *Host) ProcessRunning(ctx context.Context, pattern string) error {
	pids, err := h.pgrep(ctx, pattern)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return fail("process_running", pattern, "no process", "")
	}
	return nil
}

// ProcessNotRunning checks that no process command line matches pattern.
func (h *Host) ProcessNotRunning(ctx context.Context, pattern string) error {
	pids, err := h.pgrep(ctx, pattern)
	if err != nil {
		return err
	}
	if len(pids) > 0 {
		return fail("process_not_running", "no process", strings.Join(pids, ","), "pattern %s", pattern)
	}
	return nil
}

func (h *Host) pgrep(ctx context.Context, pattern string) ([]string, error) {
	res, err := h.Runner.Run(ctx, "pgrep", "-f", pattern)
	if err != nil {
		return nil, errors.Join(err, errRunPgrep)
	}
	switch res.ExitStatus {
	case 0:
		return strings.Fields(res.Stdout), nil
	case 1:
		return nil, nil
	}
	return nil, errors.Join(errors.New(res.StderrText()), errRunPgrep)
}
