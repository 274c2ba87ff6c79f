// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/virtcase/pkg/process"
)

// Response is returned when a call matches Prefix.
type Response struct {
	// Prefix is matched against the space-joined command line.
	Prefix string
	Result process.Result
	Err    error
	// Times limits how often the response is used. Zero means unlimited.
	Times int

	used int
}

// FakeRunner records every call and answers with the first matching Response.
// Calls without a matching response succeed with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	responses []*Response
	calls     []string
}

// NewFakeRunner returns a FakeRunner answering with responses in order.
func NewFakeRunner(responses ...Response) *FakeRunner {
	f := &FakeRunner{}
	for _, r := range responses {
		f.Expect(r)
	}
	return f
}

// Expect appends a response.
func (f *FakeRunner) Expect(r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := r
	f.responses = append(f.responses, &resp)
}

// Run implements process.Runner.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (*process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)

	for _, r := range f.responses {
		if !strings.HasPrefix(line, r.Prefix) {
			continue
		}
		if r.Times > 0 && r.used >= r.Times {
			continue
		}
		r.used++
		res := r.Result
		res.Command = line
		return &res, r.Err
	}

	return &process.Result{Command: line}, nil
}

// Calls returns the command lines run so far.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Called reports whether a call starting with prefix was made.
func (f *FakeRunner) Called(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Failure builds a Result with the given exit status and stderr.
func Failure(status int, format string, args ...any) process.Result {
	return process.Result{ExitStatus: status, Stderr: fmt.Sprintf(format, args...)}
}

// Success builds a Result with the given stdout.
func Success(stdout string) process.Result {
	return process.Result{Stdout: stdout}
}
