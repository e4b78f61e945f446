// Package clierr carries process exit codes through cobra's error returns.
package clierr

import (
	"errors"
	"fmt"
)

// Exit codes of the harness process
const (
	CodeOK       = 0
	CodeFailed   = 1
	CodeHarness  = 2
	CodeCanceled = 130
)

// ExitCoder is an error that knows its exit code
type ExitCoder interface {
	error
	ExitCode() int
}

// ExitError is an error with an explicit process exit code.
// A nil cause with an empty message is a silent exit: the command already
// reported the outcome.
type ExitError struct {
	code  int
	msg   string
	cause error
}

func (e *ExitError) Error() string {
	switch {
	case e.cause == nil:
		return e.msg
	case e.msg == "":
		return e.cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.msg, e.cause)
}

func (e *ExitError) ExitCode() int { return e.code }

func (e *ExitError) Unwrap() error { return e.cause }

// Silent reports whether there is nothing left to print
func (e *ExitError) Silent() bool { return e.msg == "" && e.cause == nil }

// New creates an ExitError with a message
func New(code int, msg string) error {
	return &ExitError{code: normalize(code), msg: msg}
}

// Newf is a formatted variant of New
func Newf(code int, format string, args ...any) error {
	return &ExitError{code: normalize(code), msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches an exit code to cause
func Wrap(code int, msg string, cause error) error {
	if cause == nil {
		return New(code, msg)
	}
	return &ExitError{code: normalize(code), msg: msg, cause: cause}
}

// Exit returns a silent error carrying code, or nil for CodeOK
func Exit(code int) error {
	if code == CodeOK {
		return nil
	}
	return &ExitError{code: code}
}

// ExitCodeOf extracts the exit code of err. Errors without one are usage or
// setup errors and map to CodeHarness.
func ExitCodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return CodeHarness
}

// IsSilent reports whether err only carries an exit code
func IsSilent(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee) && ee.Silent()
}

func normalize(code int) int {
	if code <= 0 {
		return CodeFailed
	}
	return code
}
