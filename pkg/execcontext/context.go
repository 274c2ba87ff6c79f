// Package execcontext carries the environment and command prefix (e.g. "sudo -E")
// that every host or guest command of a case is executed with.
package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	if envs == nil {
		envs = map[string]string{}
	}
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty returns a Context that runs commands as-is.
func Empty() Context {
	return New(nil, nil)
}

// Sudo returns a Context running every command through "sudo -E".
func Sudo(envs map[string]string) Context {
	return New(envs, []string{"sudo", "-E"})
}

// Merge returns a new Context with the envs of both contexts (b wins) and the
// command prefix of b if set, otherwise the prefix of a.
func Merge(a, b Context) Context {
	envs := a.Envs()
	maps.Copy(envs, b.Envs())
	prepend := b.PrependCmd()
	if len(prepend) == 0 {
		prepend = a.PrependCmd()
	}
	return New(envs, prepend)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// ApplyToCmd sets the environment of cmd and rewrites it so that it runs behind the
// command prefix of ctx.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	envs := ctx.Envs()
	if len(envs) > 0 {
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		for _, k := range sortedKeys(envs) {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, envs[k]))
		}
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
	if tmpCmd.Err != nil {
		cmd.Err = tmpCmd.Err
	}
}

// FormatCmd renders the command as a single shell line, suitable for logs and for
// remote execution over SSH.
func FormatCmd(ctx Context, cmd ...string) string {
	parts := make([]string, 0, len(cmd)+4)

	envs := ctx.Envs()
	for _, k := range sortedKeys(envs) {
		parts = append(parts, fmt.Sprintf("%s=%s", k, Quote(envs[k])))
	}

	for _, s := range ctx.PrependCmd() {
		parts = append(parts, quoteArg(s))
	}

	for _, s := range cmd {
		parts = append(parts, quoteArg(s))
	}

	return strings.Join(parts, " ")
}

var unquottable = map[string]struct{}{
	"&&":   {},
	"||":   {},
	";":    {},
	"|":    {},
	"&":    {},
	">":    {},
	"2>&1": {},
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func quoteArg(s string) string {
	if _, ok := unquottable[s]; ok {
		return s
	}
	return Quote(s)
}

// Quote single-quotes s for a POSIX shell unless it only holds safe characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}
