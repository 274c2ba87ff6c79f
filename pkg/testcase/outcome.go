package testcase

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/virtcase/pkg/checks"
)

// Status is the verdict of a case.
type Status string

const (
	StatusPass   Status = "PASS"
	StatusFail   Status = "FAIL"
	StatusError  Status = "ERROR"
	StatusCancel Status = "CANCEL"
)

// Statuses lists every status in report order.
var Statuses = []Status{StatusPass, StatusFail, StatusError, StatusCancel}

// Ok reports whether the status does not fail a run.
func (s Status) Ok() bool {
	return s == StatusPass || s == StatusCancel
}

// Outcome ends a case early with an explicit status.
//
//	FAIL   the behavior under test is wrong.
//	ERROR  the case could not exercise the behavior (setup, environment).
//	CANCEL a precondition is not met, e.g. a missing binary or feature.
type Outcome struct {
	Status  Status
	Message string
	Err     error
}

func (o *Outcome) Error() string {
	if o.Err != nil && o.Message == "" {
		return fmt.Sprintf("%s: %v", o.Status, o.Err)
	}
	return fmt.Sprintf("%s: %s", o.Status, o.Message)
}

func (o *Outcome) Unwrap() error {
	return o.Err
}

func newOutcome(s Status, format string, args ...any) *Outcome {
	return &Outcome{Status: s, Message: fmt.Sprintf(format, args...)}
}

// Fail returns a FAIL outcome.
func Fail(format string, args ...any) error {
	return newOutcome(StatusFail, format, args...)
}

// Error returns an ERROR outcome.
func Error(format string, args ...any) error {
	return newOutcome(StatusError, format, args...)
}

// Cancel returns a CANCEL outcome.
func Cancel(format string, args ...any) error {
	return newOutcome(StatusCancel, format, args...)
}

// Check turns a check result into an outcome: a failed check is a FAIL, any other
// error an ERROR.
func Check(err error) error {
	if err == nil {
		return nil
	}
	var o *Outcome
	if errors.As(err, &o) {
		return err
	}
	if checks.IsFailure(err) {
		return &Outcome{Status: StatusFail, Message: err.Error(), Err: err}
	}
	return &Outcome{Status: StatusError, Message: err.Error(), Err: err}
}

// classify maps the error returned by a case to its status and message.
func classify(err error, interrupted bool) (Status, string) {
	if err == nil {
		return StatusPass, ""
	}
	if interrupted {
		return StatusError, fmt.Sprintf("interrupted: %v", err)
	}

	var o *Outcome
	if errors.As(err, &o) {
		msg := o.Message
		if msg == "" && o.Err != nil {
			msg = o.Err.Error()
		}
		return o.Status, msg
	}
	if checks.IsFailure(err) {
		return StatusFail, err.Error()
	}
	return StatusError, err.Error()
}
