// Package checks holds the assertions cases make about command output, domain XML
// and host state.
//
// A check returns nil when it passes and a *CheckError when the observed state is not
// the expected one. Any other error means the check could not be carried out.
package checks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/alexandremahdhaoui/virtcase/pkg/vmxml"
)

// ErrCheckFailed matches every *CheckError.
var ErrCheckFailed = errors.New("check failed")

// CheckError describes a failed check.
type CheckError struct {
	Check    string
	Expected string
	Actual   string
	Message  string
}

func (e *CheckError) Error() string {
	msg := fmt.Sprintf("%s: expected %s, got %s", e.Check, e.Expected, e.Actual)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is makes errors.Is(err, ErrCheckFailed) true.
func (e *CheckError) Is(target error) bool {
	return target == ErrCheckFailed
}

// IsFailure reports whether err carries a *CheckError.
func IsFailure(err error) bool {
	var ce *CheckError
	return errors.As(err, &ce)
}

func fail(check, expected, actual, format string, args ...any) error {
	return &CheckError{
		Check:    check,
		Expected: expected,
		Actual:   actual,
		Message:  fmt.Sprintf(format, args...),
	}
}

// ExpectStatus checks a command against the status_error convention: when
// statusError is set the command must fail, otherwise it must succeed.
func ExpectStatus(res *process.Result, statusError bool) error {
	switch {
	case statusError && res.Ok():
		return fail("status", "non-zero exit status", "0",
			"command %q succeeded but was expected to fail: %s", res.Command, res.StdoutText())
	case !statusError && !res.Ok():
		return fail("status", "exit status 0", fmt.Sprint(res.ExitStatus),
			"command %q failed: %s", res.Command, res.StderrText())
	}
	return nil
}

// OutputContains checks that stdout or stderr contains s.
func OutputContains(res *process.Result, s string) error {
	if !strings.Contains(res.Output(), s) {
		return fail("output_contains", fmt.Sprintf("%q", s), truncate(res.Output()), "command %q", res.Command)
	}
	return nil
}

// OutputNotContains checks that neither stdout nor stderr contains s.
func OutputNotContains(res *process.Result, s string) error {
	if strings.Contains(res.Output(), s) {
		return fail("output_not_contains", fmt.Sprintf("no %q", s), truncate(res.Output()), "command %q", res.Command)
	}
	return nil
}

// OutputMatches checks stdout and stderr against a regular expression.
func OutputMatches(res *process.Result, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	if !re.MatchString(res.Output()) {
		return fail("output_matches", pattern, truncate(res.Output()), "command %q", res.Command)
	}
	return nil
}

// ExpectedErrorMatches checks that the command failed with stderr matching pattern.
func ExpectedErrorMatches(res *process.Result, pattern string) error {
	if err := ExpectStatus(res, true); err != nil {
		return err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	if !re.MatchString(res.Stderr) {
		return fail("expected_error", pattern, truncate(res.StderrText()), "command %q", res.Command)
	}
	return nil
}

// XMLContains checks that the rendered domain XML contains s.
func XMLContains(x *vmxml.VMXML, s string) error {
	if !x.Contains(s) {
		return fail("xml_contains", fmt.Sprintf("%q", s), "absent", "domain %s", x.Name())
	}
	return nil
}

// XMLNotContains checks that the rendered domain XML does not contain s.
func XMLNotContains(x *vmxml.VMXML, s string) error {
	if x.Contains(s) {
		return fail("xml_not_contains", fmt.Sprintf("no %q", s), "present", "domain %s", x.Name())
	}
	return nil
}

// XMLMatches checks the rendered domain XML against a regular expression.
func XMLMatches(x *vmxml.VMXML, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	if !re.MatchString(x.String()) {
		return fail("xml_matches", pattern, "no match", "domain %s", x.Name())
	}
	return nil
}

// Eventually calls fn every interval until it returns nil or ctx is done, in which
// case the last error of fn is returned.
func Eventually(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-ticker.C:
		}
	}
}

const maxActual = 512

func truncate(s string) string {
	if len(s) <= maxActual {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%q...", s[:maxActual])
}
