// Copyright 2025 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as *errors.Error
// values.
package linuxerr

import (
	goerrors "errors"

	"github.com/h4sh5/kerla/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errors used by the execution-context core.
var (
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENOMEM = errors.New(unix.ENOMEM, "cannot allocate memory")
)

// Equals compares an *errors.Error to any error. It unwraps err, so a
// wrapped or annotated linuxerr value still matches.
func Equals(e *errors.Error, err error) bool {
	if e == nil {
		return err == nil
	}
	return goerrors.Is(err, e)
}

// ToUnix translates err to a unix.Errno. ok is false if err does not carry
// one.
func ToUnix(err error) (errno unix.Errno, ok bool) {
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target.Errno(), true
	}
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
