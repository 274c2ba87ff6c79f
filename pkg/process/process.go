// Package process runs host commands and captures their outcome as a Result.
//
// A non-zero exit status is reported through Result.ExitStatus, never as an error:
// most cases assert on failing commands on purpose. Run only returns an error when
// the command could not be started or was interrupted by its context.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/execcontext"
)

var (
	errStartCommand   = errors.New("failed to start command")
	errCommandTimeout = errors.New("command timed out")
)

const defaultTimeout = 5 * time.Minute

// Result is the outcome of a finished command.
type Result struct {
	Command    string        `json:"command"`
	ExitStatus int           `json:"exitStatus"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Duration   time.Duration `json:"duration"`
}

// Ok reports whether the command exited with status 0.
func (r *Result) Ok() bool {
	return r.ExitStatus == 0
}

// Output returns stdout followed by stderr, trimmed.
func (r *Result) Output() string {
	return strings.TrimSpace(r.Stdout + r.Stderr)
}

// StdoutText returns the trimmed stdout.
func (r *Result) StdoutText() string {
	return strings.TrimSpace(r.Stdout)
}

// StderrText returns the trimmed stderr.
func (r *Result) StderrText() string {
	return strings.TrimSpace(r.Stderr)
}

func (r *Result) String() string {
	return fmt.Sprintf("command=%q exit_status=%d stdout=%q stderr=%q",
		r.Command, r.ExitStatus, r.StdoutText(), r.StderrText())
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) (*Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return f(ctx, name, args...)
}

// LocalRunner runs commands on the local host.
type LocalRunner struct {
	execCtx execcontext.Context
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a LocalRunner.
type Option func(*LocalRunner)

// WithTimeout bounds every command. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *LocalRunner) {
		r.timeout = d
	}
}

// WithLogger sets the logger used to trace commands.
func WithLogger(l *slog.Logger) Option {
	return func(r *LocalRunner) {
		r.logger = l
	}
}

// NewLocalRunner returns a Runner executing commands behind execCtx.
func NewLocalRunner(execCtx execcontext.Context, opts ...Option) *LocalRunner {
	if execCtx == nil {
		execCtx = execcontext.Empty()
	}
	r := &LocalRunner{
		execCtx: execCtx,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	execcontext.ApplyToCmd(r.execCtx, cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := &Result{
		Command: execcontext.FormatCmd(r.execCtx, append([]string{name}, args...)...),
	}

	r.logger.Debug("running command", "command", result.Command)
	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return result, errors.Join(ctx.Err(), fmt.Errorf("command=%q", result.Command), errCommandTimeout)
		case errors.As(err, &exitErr):
			result.ExitStatus = exitErr.ExitCode()
		default:
			return result, errors.Join(err, fmt.Errorf("command=%q", result.Command), errStartCommand)
		}
	}

	r.logger.Debug("command finished",
		"command", result.Command,
		"exitStatus", result.ExitStatus,
		"duration", result.Duration.String(),
	)

	return result, nil
}

// RunShell runs a command line through "sh -c".
func RunShell(ctx context.Context, r Runner, line string) (*Result, error) {
	return r.Run(ctx, "sh", "-c", line)
}
