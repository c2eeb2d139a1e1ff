// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the standardized error definition for the kernel core.
package errors

import (
	goerrors "errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents an errno with a descriptive message.
//
// Errors are compared by identity with the sentinels in package linuxerr.
// An Error returned by Annotate keeps pointing at the sentinel it was
// derived from, so it still matches under errors.Is and linuxerr.Equals.
type Error struct {
	errno   unix.Errno
	message string

	// origin is the sentinel this error was annotated from, or nil if it is
	// a sentinel itself.
	origin *Error
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Origin returns the sentinel e was derived from.
func (e *Error) Origin() *Error {
	if e.origin != nil {
		return e.origin
	}
	return e
}

// Is implements errors.Is. e matches its origin sentinel, any error
// annotated from the same sentinel and the bare unix.Errno it carries.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t != nil && e.Origin() == t.Origin()
	case unix.Errno:
		return e.errno == t
	default:
		return false
	}
}

// Annotate prefixes err with a description of the operation that failed.
// If err is or wraps an *Error the result is an *Error with the same errno
// and origin; otherwise it is a wrapping error.
func Annotate(err error, format string, v ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, v...)
	var e *Error
	if !goerrors.As(err, &e) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return &Error{
		errno:   e.errno,
		message: what + ": " + err.Error(),
		origin:  e.Origin(),
	}
}
