// Package testcase runs a single case: the case body, then its cleanups, then the
// restoration of every domain snapshotted during the case.
package testcase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/virtcase/internal/util/logging"
	"github.com/alexandremahdhaoui/virtcase/pkg/backup"
	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
	"github.com/alexandremahdhaoui/virtcase/pkg/driver"
	"github.com/alexandremahdhaoui/virtcase/pkg/guest"
	"github.com/alexandremahdhaoui/virtcase/pkg/libvirtconf"
	"github.com/alexandremahdhaoui/virtcase/pkg/params"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/provision"
	"github.com/alexandremahdhaoui/virtcase/pkg/virsh"
	"github.com/hashicorp/go-multierror"
)

const defaultCleanupTimeout = 5 * time.Minute

// LoginFunc opens a session to a guest.
type LoginFunc func(ctx context.Context, vmName string, p params.Params) (guest.Session, error)

// Env is what a case can act on.
type Env struct {
	RunID       string
	Driver      driver.Domain
	Virsh       *virsh.Virsh
	Backup      *backup.Manager
	Runner      process.Runner
	Host        *checks.Host
	Provisioner *provision.Provisioner
	Restarter   libvirtconf.ServiceRestarter
	Login       LoginFunc
	// WorkDir receives disks and seeds of provisioned guests.
	WorkDir     string
	ArtifactDir string
	Logger      *slog.Logger
}

// RunFunc is the body of a case.
type RunFunc func(ctx context.Context, t *T, p params.Params, env *Env) error

// T is handed to a running case.
type T struct {
	name        string
	params      params.Params
	logger      *slog.Logger
	artifactDir string

	mu       sync.Mutex
	cleanups []func(ctx context.Context) error
}

// Name returns the case name.
func (t *T) Name() string {
	return t.name
}

// Params returns the case parameters.
func (t *T) Params() params.Params {
	return t.params
}

// Logger returns the case logger.
func (t *T) Logger() *slog.Logger {
	return t.logger
}

// Log logs at info level.
func (t *T) Log(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// ArtifactDir returns a directory for files the case wants to keep. It may be empty.
func (t *T) ArtifactDir() string {
	return t.artifactDir
}

// Cleanup registers fn to run after the case body, most recently registered first.
// Cleanups run even when the case fails, panics or is interrupted.
func (t *T) Cleanup(fn func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanups = append(t.cleanups, fn)
}

// Fail returns a FAIL outcome.
func (t *T) Fail(format string, args ...any) error {
	return Fail(format, args...)
}

// Error returns an ERROR outcome.
func (t *T) Error(format string, args ...any) error {
	return Error(format, args...)
}

// Cancel returns a CANCEL outcome.
func (t *T) Cancel(format string, args ...any) error {
	return Cancel(format, args...)
}

// Skip is Cancel.
func (t *T) Skip(format string, args ...any) error {
	return Cancel(format, args...)
}

func (t *T) runCleanups(ctx context.Context) error {
	t.mu.Lock()
	fns := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()

	var result *multierror.Error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := safeCleanup(ctx, fns[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func safeCleanup(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Result is the record of one executed case.
type Result struct {
	Name          string            `json:"name"`
	Status        Status            `json:"status"`
	Message       string            `json:"message,omitempty"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime"`
	Duration      time.Duration     `json:"duration"`
	Params        map[string]string `json:"params,omitempty"`
	CleanupErrors []string          `json:"cleanupErrors,omitempty"`
	LogFile       string            `json:"logFile,omitempty"`
}

// Run executes fn and always runs its cleanups and restores its snapshots, on a
// context that outlives ctx and is bounded by the cleanup_timeout param.
func Run(ctx context.Context, name string, fn RunFunc, p params.Params, env *Env) *Result {
	if p == nil {
		p = params.New(nil)
	}
	res := &Result{
		Name:      name,
		StartTime: time.Now(),
		Params:    p.Copy(),
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var closeLog func()
	logger, res.LogFile, closeLog = caseLogger(logger, env.ArtifactDir, name)
	defer closeLog()
	logger = logger.With("case", name)

	t := &T{
		name:        name,
		params:      p,
		logger:      logger,
		artifactDir: caseArtifactDir(env.ArtifactDir, name),
	}

	logger.Info("case started")
	err := safeRun(ctx, fn, t, p, env)
	res.Status, res.Message = classify(err, err != nil && ctx.Err() != nil)

	cleanupTimeout, tErr := p.GetDuration(params.KeyCleanupTimeout, defaultCleanupTimeout)
	if tErr != nil {
		logger.Warn("invalid cleanup timeout, using default", "error", tErr.Error())
		cleanupTimeout = defaultCleanupTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var cleanupErr error
	if err := t.runCleanups(cctx); err != nil {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	if env.Backup != nil {
		if err := env.Backup.RestoreAll(cctx); err != nil {
			cleanupErr = errors.Join(cleanupErr, err)
		}
	}

	if cleanupErr != nil {
		res.CleanupErrors = splitErrors(cleanupErr)
		logger.Error("cleanup failed", "error", cleanupErr.Error())
		if res.Status == StatusPass || res.Status == StatusCancel {
			res.Status = StatusError
			res.Message = fmt.Sprintf("cleanup failed: %v", cleanupErr)
		}
	}

	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	attrs := []any{"status", res.Status, "duration", res.Duration.String()}
	if res.Message != "" {
		attrs = append(attrs, "message", res.Message)
	}
	logger.Info("case finished", attrs...)
	return res
}

func safeRun(ctx context.Context, fn RunFunc, t *T, p params.Params, env *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("case panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = &Outcome{Status: StatusError, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return fn(ctx, t, p, env)
}

func splitErrors(err error) []string {
	var me *multierror.Error
	if errors.As(err, &me) {
		out := make([]string, 0, len(me.Errors))
		for _, e := range me.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func caseArtifactDir(root, name string) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, name)
}

// caseLogger tees logger into <artifactDir>/<name>/case.log when an artifact
// directory is configured.
func caseLogger(logger *slog.Logger, root, name string) (*slog.Logger, string, func()) {
	dir := caseArtifactDir(root, name)
	if dir == "" {
		return logger, "", func() {}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("failed to create case artifact directory", "path", dir, "error", err.Error())
		return logger, "", func() {}
	}

	path := filepath.Join(dir, "case.log")
	f, err := os.Create(path)
	if err != nil {
		logger.Warn("failed to create case log", "path", path, "error", err.Error())
		return logger, "", func() {}
	}

	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(logging.Tee(logger.Handler(), fileHandler)), path, func() { _ = f.Close() }
}
