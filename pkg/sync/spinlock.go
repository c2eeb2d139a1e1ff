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

package sync

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed acquisition attempts after which a
// waiter yields the processor.
const spinsBeforeYield = 64

// SpinLock is a busy-waiting lock protecting a value of type T.
//
// The protected value is only reachable through the guard returned by Lock,
// so it cannot be touched without holding the lock.
type SpinLock[T any] struct {
	locked atomic.Bool
	value  T
}

// NewSpinLock returns a SpinLock protecting v.
func NewSpinLock[T any](v T) *SpinLock[T] {
	return &SpinLock[T]{value: v}
}

// SpinLockGuard is the proof that a SpinLock is held. A guard is single-use:
// once Unlock has been called it must not be used again.
type SpinLockGuard[T any] struct {
	lock     *SpinLock[T]
	released bool
}

// Lock acquires l, spinning until it is available.
func (l *SpinLock[T]) Lock() *SpinLockGuard[T] {
	for spins := 0; !l.locked.CompareAndSwap(false, true); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
	return &SpinLockGuard[T]{lock: l}
}

// TryLock acquires l if it is not held.
func (l *SpinLock[T]) TryLock() (*SpinLockGuard[T], bool) {
	if !l.locked.CompareAndSwap(false, true) {
		return nil, false
	}
	return &SpinLockGuard[T]{lock: l}, true
}

// IsLocked reports whether l is currently held. It is only meaningful for
// assertions and tests.
func (l *SpinLock[T]) IsLocked() bool {
	return l.locked.Load()
}

// Value returns the protected value.
func (g *SpinLockGuard[T]) Value() *T {
	if g.released {
		panic(fmt.Sprintf("use of released guard for lock %p", g.lock))
	}
	return &g.lock.value
}

// Unlock releases the lock.
func (g *SpinLockGuard[T]) Unlock() {
	if g.released {
		panic(fmt.Sprintf("double release of lock %p", g.lock))
	}
	g.released = true
	if !g.lock.locked.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("unlock of unlocked lock %p", g.lock))
	}
}

// Released reports whether Unlock has been called on g.
func (g *SpinLockGuard[T]) Released() bool {
	return g.released
}
