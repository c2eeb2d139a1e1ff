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
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestSpinLockGuard(t *testing.T) {
	l := NewSpinLock(41)
	g := l.Lock()
	if !l.IsLocked() {
		t.Fatalf("lock not held after Lock")
	}
	if _, ok := l.TryLock(); ok {
		t.Fatalf("TryLock succeeded on a held lock")
	}
	*g.Value()++
	g.Unlock()
	if l.IsLocked() || !g.Released() {
		t.Fatalf("lock still held after Unlock")
	}

	g2, ok := l.TryLock()
	if !ok {
		t.Fatalf("TryLock failed on a free lock")
	}
	defer g2.Unlock()
	if got := *g2.Value(); got != 42 {
		t.Errorf("protected value: got %d, want 42", got)
	}
}

func TestSpinLockDoubleUnlockPanics(t *testing.T) {
	g := NewSpinLock(struct{}{}).Lock()
	g.Unlock()
	defer func() {
		if recover() == nil {
			t.Errorf("second Unlock did not panic")
		}
	}()
	g.Unlock()
}

func TestSpinLockValueAfterReleasePanics(t *testing.T) {
	g := NewSpinLock(0).Lock()
	g.Unlock()
	defer func() {
		if recover() == nil {
			t.Errorf("Value on a released guard did not panic")
		}
	}()
	g.Value()
}

func TestSpinLockContention(t *testing.T) {
	const (
		workers = 8
		iters   = 1000
	)
	l := NewSpinLock(0)
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for j := 0; j < iters; j++ {
				g := l.Lock()
				*g.Value()++
				g.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	g := l.Lock()
	defer g.Unlock()
	if got, want := *g.Value(), workers*iters; got != want {
		t.Errorf("counter: got %d, want %d", got, want)
	}
}
