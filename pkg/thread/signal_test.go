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

package thread

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/ring0"
	"github.com/h4sh5/kerla/pkg/ring0/sim"
	"github.com/h4sh5/kerla/pkg/sync"
)

const (
	handlerIP = 0x402000
	handlerSP = 0x7ffffffd0000
)

// lockObserver records whether a lock was held when the direct signal
// entry was reached.
type lockObserver struct {
	*sim.Machine
	lock          *sync.SpinLock[Thread]
	heldAtHandoff bool
}

func (o *lockObserver) JumpToDirectSignalEntry(mem frame.Memory, rsp hostarch.Addr) {
	o.heldAtHandoff = o.lock.IsLocked()
	o.Machine.JumpToDirectSignalEntry(mem, rsp)
}

func TestSelfSignalReleasesLock(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	lock := sync.NewSpinLock(*tm.p.NewIdleThread())
	obs := &lockObserver{Machine: tm.m, lock: lock}
	tm.p.HW = obs

	guard := lock.Lock()
	tm.p.SetSignalEntry(guard, handlerIP, handlerSP, 1, 2, 3, true)

	if obs.heldAtHandoff {
		t.Errorf("lock was held when control reached the signal handler")
	}
	if lock.IsLocked() || !guard.Released() {
		t.Errorf("lock not released after self delivery")
	}
	if tm.m.Stats.Jumps != 1 {
		t.Errorf("Jumps: got %d, want 1", tm.m.Stats.Jumps)
	}
	want := sim.Regs{
		Rip:    handlerIP,
		Rsp:    handlerSP,
		Rflags: ring0.UserFlagsSet,
		Rdi:    1,
		Rsi:    2,
		Rdx:    3,
		Cs:     uint64(ring0.Ucode64),
		Ss:     uint64(ring0.Udata),
	}
	if diff := cmp.Diff(want, tm.m.Regs); diff != "" {
		t.Errorf("handler registers mismatch (-want +got):\n%s", diff)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("second release of the guard did not panic")
		}
	}()
	guard.Unlock()
}

func TestSignalPushRecoversPriorSP(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	lock := sync.NewSpinLock(*tm.p.NewUserThread(0x401000, 0x7ffffffde000, tm.stack(t)))

	guard := lock.Lock()
	th := guard.Value()
	prior := th.RSP()
	tm.p.SetSignalEntry(guard, handlerIP, handlerSP, 7, 8, 9, false)
	if guard.Released() || !lock.IsLocked() {
		t.Errorf("guard released by non-self delivery")
	}
	guard.Unlock()

	if got, want := th.RSP(), prior-frame.PendingSignalWords*hostarch.WordSize; got != want {
		t.Errorf("RSP: got %v, want %v", got, want)
	}
	r := frame.NewReader(tm.mf, th.RSP())
	footer := frame.PopSwitchFooter(r)
	sig := frame.PopSignalFrame(r)
	if r.SP() != prior {
		t.Errorf("popping %d words reached %v, want prior %v", frame.PendingSignalWords, r.SP(), prior)
	}
	wantFooter := frame.SwitchFooter{Rip: uint64(sim.DefaultEntries.SignalHandlerEntry), Rflags: ring0.KernelFlagsSet}
	if diff := cmp.Diff(wantFooter, footer); diff != "" {
		t.Errorf("footer mismatch (-want +got):\n%s", diff)
	}
	wantSig := frame.SignalFrame{Rdx: 9, Rsi: 8, Rdi: 7, Rflags: 0x202, Rip: handlerIP, Rsp: handlerSP}
	if diff := cmp.Diff(wantSig, sig); diff != "" {
		t.Errorf("signal layer mismatch (-want +got):\n%s", diff)
	}

	l, err := frame.Decode(tm.mf, th.RSP(), &tm.p.Entries)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if l.Kind != frame.PendingSignal || l.Words() != frame.PendingSignalWords+frame.UserStartWords {
		t.Errorf("Decode: got %v spanning %d words", l.Kind, l.Words())
	}

	tm.p.SwitchThread(tm.cpu, tm.idle, th)
	if tm.m.Regs.Rip != handlerIP || tm.m.Regs.Rsp != handlerSP || tm.m.Regs.Rdi != 7 || !tm.m.UserMode() {
		t.Errorf("thread did not resume in the handler: %+v", tm.m.Regs)
	}
}

func TestSignalDeliveryInvariants(t *testing.T) {
	for _, tc := range []struct {
		name   string
		state  State
		isSelf bool
	}{
		{"self delivery to a suspended thread", Suspended, true},
		{"pushed delivery to a running thread", Running, false},
		{"pushed delivery to a retired thread", Retired, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestMachine(t, newMemoryFile(t, 16), 0)
			th := tm.p.NewKernelThread(0xffffffff81000000, tm.stack(t))
			th.state = tc.state
			guard := sync.NewSpinLock(*th).Lock()
			defer func() {
				if recover() == nil {
					t.Errorf("did not panic")
				}
			}()
			tm.p.SetSignalEntry(guard, handlerIP, handlerSP, 0, 0, 0, tc.isSelf)
		})
	}
}
