/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ExitInterrupted is the exit code of a run stopped by a signal.
const ExitInterrupted = 130

// GracefulShutdown owns the context of a run. The first SIGTERM or SIGINT cancels it
// so that the running case can restore its domains. Signal handling is then released:
// a second signal terminates the process immediately.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once         sync.Once
	shuttingDown atomic.Bool
	wg           *sync.WaitGroup

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a new GracefulShutdown struct with a custom exit function.
// This is primarily useful for testing where os.Exit() would terminate the test process.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	// stop also unregisters the handler.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   stop,
		name:     name,
		wg:       &sync.WaitGroup{},
		exitFunc: exitFunc,
	}

	go func() {
		<-ctx.Done()
		stop()
		if gs.shuttingDown.Load() {
			return
		}
		slog.Warn("interrupted, restoring domains before exiting; signal again to abort", "name", name)
	}()

	return gs
}

// New creates a new GracefulShutdown struct initializing a sync.WaitGroup and a new context.Context cancelable by a
// CancelFunc, a SIGTERM or SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// Interrupted reports whether the context was cancelled, by a signal or CancelFunc.
func (s *GracefulShutdown) Interrupted() bool {
	return s.ctx.Err() != nil
}

// Shutdown cancels the context, waits for the wait group and exits. Only the first call
// has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Info("shutting down", "name", s.name, "exitCode", exitCode)

		s.shuttingDown.Store(true)
		s.cancel()
		s.wg.Wait()
		s.exitFunc(exitCode)
	})
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the wait group of the graceful shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}
