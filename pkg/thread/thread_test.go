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
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/log"
	"github.com/h4sh5/kerla/pkg/pgalloc"
	"github.com/h4sh5/kerla/pkg/ring0"
	"github.com/h4sh5/kerla/pkg/ring0/sim"
)

const testXCR0 = ring0.XCR0x87 | ring0.XCR0SSE | ring0.XCR0AVX

// testMachine is one simulated CPU with its boot flow as the idle thread.
type testMachine struct {
	p    *Platform
	mf   *pgalloc.MemoryFile
	m    *sim.Machine
	cpu  *ring0.CPU
	idle *Thread
	boot hostarch.Addr
}

func newMemoryFile(t *testing.T, pages int) *pgalloc.MemoryFile {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: pages})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Close() })
	return mf
}

func newTestMachine(t *testing.T, mf *pgalloc.MemoryFile, id int) *testMachine {
	t.Helper()
	boot, err := mf.Allocate(1, pgalloc.Stack)
	if err != nil {
		t.Fatalf("Allocate boot stack failed: %v", err)
	}
	m := sim.NewMachine(mf, sim.DefaultEntries, testXCR0, boot.PageTop())
	p, err := NewPlatform(mf, mf, sim.DefaultEntries, m)
	if err != nil {
		t.Fatalf("NewPlatform failed: %v", err)
	}
	p.VerifyFrames = true
	return &testMachine{
		p:    p,
		mf:   mf,
		m:    m,
		cpu:  ring0.NewCPU(id),
		idle: p.NewIdleThread(),
		boot: boot.PageTop(),
	}
}

// stack allocates a page and returns its top.
func (tm *testMachine) stack(t *testing.T) hostarch.Addr {
	t.Helper()
	addr, err := tm.mf.Allocate(1, pgalloc.Stack)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	return addr.PageTop()
}

func popWords(mem frame.Memory, sp hostarch.Addr, n int) []uint64 {
	r := frame.NewReader(mem, sp)
	words := make([]uint64, n)
	for i := range words {
		words[i] = r.Pop()
	}
	return words
}

func TestKernelThreadFrame(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	const ip = 0xffffffff81234000
	sp := tm.stack(t)

	th := tm.p.NewKernelThread(ip, sp)
	if got, want := th.RSP(), sp-frame.KernelStartWords*hostarch.WordSize; got != want {
		t.Errorf("RSP: got %v, want %v", got, want)
	}
	want := []uint64{ring0.KernelFlagsSet, 0, 0, 0, 0, 0, 0, uint64(sim.DefaultEntries.KthreadEntry), ip}
	if diff := cmp.Diff(want, popWords(tm.mf, th.RSP(), frame.KernelStartWords)); diff != "" {
		t.Errorf("kernel start words mismatch (-want +got):\n%s", diff)
	}
	if _, ok := th.XsaveArea(); ok {
		t.Errorf("kernel thread has an xsave area")
	}
	if th.State() != Fresh {
		t.Errorf("State: got %v, want %v", th.State(), Fresh)
	}
}

func TestUserThreadFrame(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	const (
		ip = 0x401000
		sp = 0x7ffffffde000
	)
	kernelSP := tm.stack(t)

	th := tm.p.NewUserThread(ip, sp, kernelSP)
	if got, want := th.RSP(), kernelSP-frame.UserStartWords*hostarch.WordSize; got != want {
		t.Errorf("RSP: got %v, want %v", got, want)
	}
	r := frame.NewReader(tm.mf, th.RSP())
	footer := frame.PopSwitchFooter(r)
	wantFooter := frame.SwitchFooter{Rip: uint64(sim.DefaultEntries.UserlandEntry), Rflags: ring0.KernelFlagsSet}
	if diff := cmp.Diff(wantFooter, footer); diff != "" {
		t.Errorf("footer mismatch (-want +got):\n%s", diff)
	}
	iret := frame.PopIretFrame(r)
	wantIret := frame.IretFrame{Rip: ip, Cs: 0x33, Rflags: 0x202, Rsp: sp, Ss: 0x2b}
	if diff := cmp.Diff(wantIret, iret); diff != "" {
		t.Errorf("trap return mismatch (-want +got):\n%s", diff)
	}
	if r.SP() != kernelSP {
		t.Errorf("frame ended at %v, want %v", r.SP(), kernelSP)
	}
	area, ok := th.XsaveArea()
	if !ok {
		t.Fatalf("user thread has no xsave area")
	}
	if !area.IsPageAligned() || !tm.mf.Contains(area) {
		t.Errorf("xsave area %v is not an arena page", area)
	}
	if got := tm.mf.AllocatedKind(pgalloc.ExtendedState); got != 1 {
		t.Errorf("extended-state pages: got %d, want 1", got)
	}
}

func TestUserThreadEntersUserMode(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	th := tm.p.NewUserThread(0x401000, 0x7ffffffde000, tm.stack(t))
	tm.p.SwitchThread(tm.cpu, tm.idle, th)

	if !tm.m.UserMode() {
		t.Fatalf("machine is not in user mode after resuming a user start frame")
	}
	if tm.m.Regs.Rip != 0x401000 || tm.m.Regs.Rsp != 0x7ffffffde000 || tm.m.Regs.Rflags != ring0.UserFlagsSet {
		t.Errorf("user registers: got %+v", tm.m.Regs)
	}
}

func TestIdleThread(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	if tm.idle.State() != Running {
		t.Errorf("idle State: got %v, want %v", tm.idle.State(), Running)
	}
	if tm.idle.RSP() != 0 {
		t.Errorf("idle RSP: got %v, want 0", tm.idle.RSP())
	}
}

func TestForkFrame(t *testing.T) {
	for _, tc := range []struct {
		name string
		f    ring0.SyscallFrame
	}{
		{name: "zero"},
		{
			name: "all ones",
			f: ring0.SyscallFrame{
				Rip: ^uint64(0), Rsp: ^uint64(0), Rflags: ^uint64(0),
				Rbx: ^uint64(0), Rdx: ^uint64(0), Rsi: ^uint64(0), Rdi: ^uint64(0), Rbp: ^uint64(0),
				R8: ^uint64(0), R9: ^uint64(0), R10: ^uint64(0),
				R12: ^uint64(0), R13: ^uint64(0), R14: ^uint64(0), R15: ^uint64(0),
			},
		},
		{
			name: "mixed",
			f: ring0.SyscallFrame{
				Rip: 0x401234, Rsp: 0x7ffffffde000, Rflags: 0x246,
				Rax: 57, Rbx: 0xb, Rcx: 0x401234, Rdx: 0xd, Rsi: 0x5, Rdi: 0x1, Rbp: 0x7ffffffde100,
				R8: 0x8, R9: 0x9, R10: 0xa, R11: 0x246,
				R12: 0xc, R13: 0xd, R14: 0xe, R15: 0xf,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestMachine(t, newMemoryFile(t, 16), 0)
			tm.idle.SetFSBase(0x7f0000001000)
			f := tc.f

			child, err := tm.p.Fork(tm.idle, &f)
			if err != nil {
				t.Fatalf("Fork failed: %v", err)
			}
			if got := child.FSBase(); got != 0x7f0000001000 {
				t.Errorf("FSBase: got %#x, want %#x", got, 0x7f0000001000)
			}
			if _, ok := child.XsaveArea(); !ok {
				t.Errorf("child has no xsave area")
			}
			if got, want := uint64(child.RSP())%hostarch.PageSize, uint64(hostarch.PageSize-frame.ForkStartWords*hostarch.WordSize); got != want {
				t.Errorf("RSP page offset: got %#x, want %#x", got, want)
			}

			r := frame.NewReader(tm.mf, child.RSP())
			gotFooter := frame.PopSwitchFooter(r)
			gotChild := frame.PopForkChildFrame(r)
			gotIret := frame.PopIretFrame(r)
			wantFooter := frame.SwitchFooter{
				Rip: uint64(sim.DefaultEntries.ForkedChildEntry),
				Rbp: f.Rbp, Rbx: f.Rbx, R12: f.R12, R13: f.R13, R14: f.R14, R15: f.R15,
				Rflags: ring0.KernelFlagsSet,
			}
			wantChild := frame.ForkChildFrame{
				Rdx: f.Rdx, Rdi: f.Rdi, Rsi: f.Rsi, R8: f.R8, R9: f.R9, R10: f.R10,
				Rcx: f.Rip, R11: f.Rflags,
			}
			wantIret := frame.IretFrame{Rip: f.Rip, Cs: 0x33, Rflags: f.Rflags, Rsp: f.Rsp, Ss: 0x2b}
			if diff := cmp.Diff(wantFooter, gotFooter); diff != "" {
				t.Errorf("footer mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(wantChild, gotChild); diff != "" {
				t.Errorf("fork child mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(wantIret, gotIret); diff != "" {
				t.Errorf("trap return mismatch (-want +got):\n%s", diff)
			}
			if r.SP()%hostarch.PageSize != 0 {
				t.Errorf("fork frame does not end at the kernel stack top: %v", r.SP())
			}
		})
	}
}

func TestForkChildResumes(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	parent := tm.p.NewUserThread(0x401000, 0x7ffffffde000, tm.stack(t))
	tm.p.SwitchThread(tm.cpu, tm.idle, parent)

	tm.m.Regs.Rax = 57
	tm.m.Regs.Rdi = 0x11
	tm.m.Regs.Rsi = 0x22
	tm.m.Regs.Rdx = 0x33
	tm.m.Regs.Rbx = 0x44
	tm.m.Regs.R12 = 0x55
	tm.m.Regs.Rflags = 0x246
	for i := range tm.m.Extended {
		tm.m.Extended[i] = 0xa5
	}
	f := tm.m.Trap(tm.cpu)

	child, err := tm.p.Fork(parent, f)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	area, _ := child.XsaveArea()
	n := sim.ExtendedStateSize(testXCR0)
	for i, b := range tm.mf.Bytes(area, n) {
		if b != 0xa5 {
			t.Fatalf("child xsave byte %d: got %#x, want 0xa5", i, b)
		}
	}

	tm.p.SwitchThread(tm.cpu, parent, child)
	want := sim.Regs{
		Rip:    0x401000,
		Rsp:    0x7ffffffde000,
		Rflags: 0x246,
		Rax:    0,
		Rbx:    0x44,
		Rcx:    0x401000,
		Rdx:    0x33,
		Rsi:    0x22,
		Rdi:    0x11,
		R11:    0x246,
		R12:    0x55,
		Cs:     0x33,
		Ss:     0x2b,
	}
	if diff := cmp.Diff(want, tm.m.Regs); diff != "" {
		t.Errorf("child registers mismatch (-want +got):\n%s", diff)
	}
	for i, b := range tm.m.Extended[:n] {
		if b != 0xa5 {
			t.Fatalf("restored extended byte %d: got %#x, want 0xa5", i, b)
		}
	}
}

func TestSwitchSymmetry(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	spA, spB := tm.stack(t), tm.stack(t)
	a := tm.p.NewKernelThread(0xffffffff81000000, spA)
	b := tm.p.NewKernelThread(0xffffffff82000000, spB)

	tm.p.SwitchThread(tm.cpu, tm.idle, a)
	if tm.m.Regs.Rip != 0xffffffff81000000 || tm.m.Regs.Rsp != uint64(spA) {
		t.Fatalf("after first switch into a: rip=%#x rsp=%#x", tm.m.Regs.Rip, tm.m.Regs.Rsp)
	}
	if tm.idle.State() != Suspended || a.State() != Running {
		t.Errorf("states: idle %v, a %v", tm.idle.State(), a.State())
	}
	if got := tm.cpu.SyscallStack(); got != a.SyscallStackTop() {
		t.Errorf("syscall stack: got %v, want %v", got, a.SyscallStackTop())
	}
	if got := tm.cpu.InterruptStack(); got != a.InterruptStackTop() {
		t.Errorf("interrupt stack: got %v, want %v", got, a.InterruptStackTop())
	}

	a.SetFSBase(0xaaaa)
	b.SetFSBase(0xbbbb)
	tm.m.Regs.Rbx, tm.m.Regs.Rbp, tm.m.Regs.R12, tm.m.Regs.R15 = 1, 2, 3, 4
	saved := tm.m.Regs

	tm.p.SwitchThread(tm.cpu, a, b)
	if tm.m.Regs.Rip != 0xffffffff82000000 {
		t.Errorf("b did not start at its entry: rip=%#x", tm.m.Regs.Rip)
	}
	if tm.m.FSBase != 0xbbbb {
		t.Errorf("FSBase after switch into b: got %#x", tm.m.FSBase)
	}

	tm.p.SwitchThread(tm.cpu, b, a)
	saved.Rip = uint64(sim.SwitchReturn)
	if diff := cmp.Diff(saved, tm.m.Regs); diff != "" {
		t.Errorf("registers of a after round trip mismatch (-want +got):\n%s", diff)
	}
	if tm.m.FSBase != 0xaaaa {
		t.Errorf("FSBase after switch back into a: got %#x", tm.m.FSBase)
	}
	if a.State() != Running || b.State() != Suspended {
		t.Errorf("states: a %v, b %v", a.State(), b.State())
	}

	tm.p.SwitchThread(tm.cpu, a, tm.idle)
	if tm.m.Regs.Rsp != uint64(tm.boot) {
		t.Errorf("boot flow resumed with rsp %#x, want %v", tm.m.Regs.Rsp, tm.boot)
	}
}

func TestSwitchPoisonsUserRSP(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	u := tm.p.NewUserThread(0x401000, 0x7ffffffde000, tm.stack(t))
	tm.p.SwitchThread(tm.cpu, tm.idle, u)
	tm.m.Trap(tm.cpu)
	if got := tm.cpu.UserRSP(); got != 0x7ffffffde000 {
		t.Fatalf("UserRSP after trap: got %#x", got)
	}
	tm.p.SwitchThread(tm.cpu, u, tm.idle)
	defer func() {
		if recover() == nil {
			t.Errorf("UserRSP after switch did not panic")
		}
	}()
	tm.cpu.UserRSP()
}

func TestSwitchExtendedState(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	u1 := tm.p.NewUserThread(0x401000, 0x7ffffffde000, tm.stack(t))
	u2 := tm.p.NewUserThread(0x402000, 0x7ffffffce000, tm.stack(t))
	n := sim.ExtendedStateSize(testXCR0)

	tm.p.SwitchThread(tm.cpu, tm.idle, u1)
	if diff := cmp.Diff(sim.Stats{XCR0Reads: 1, XRstors: 1, Switches: 1}, tm.m.Stats); diff != "" {
		t.Errorf("stats after idle -> u1 mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < n; i++ {
		tm.m.Extended[i] = 0x5a
	}
	tm.m.Trap(tm.cpu)

	tm.p.SwitchThread(tm.cpu, u1, u2)
	area1, _ := u1.XsaveArea()
	if got := tm.mf.Bytes(area1, n); got[0] != 0x5a || got[n-1] != 0x5a {
		t.Errorf("u1 extended state not saved")
	}
	if tm.m.Extended[0] != 0 {
		t.Errorf("u2 extended state not restored: %#x", tm.m.Extended[0])
	}
	tm.m.Trap(tm.cpu)

	tm.p.SwitchThread(tm.cpu, u2, u1)
	if tm.m.Extended[0] != 0x5a || tm.m.Extended[n-1] != 0x5a {
		t.Errorf("u1 extended state not restored")
	}
	for i, b := range tm.mf.Bytes(area1, n) {
		if b != 0x5a {
			t.Fatalf("u1 xsave byte %d changed by the round trip: %#x", i, b)
		}
	}
	if tm.cpu.SyscallStack() != u1.SyscallStackTop() || tm.cpu.InterruptStack() != u1.InterruptStackTop() {
		t.Errorf("transition state %v does not point at u1's stacks", tm.cpu)
	}
	if diff := cmp.Diff(sim.Stats{XCR0Reads: 1, XSaves: 2, XRstors: 3, Switches: 3}, tm.m.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestSwitchSkipsAbsentExtendedState(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	a := tm.p.NewKernelThread(0xffffffff81000000, tm.stack(t))
	b := tm.p.NewKernelThread(0xffffffff82000000, tm.stack(t))

	tm.p.SwitchThread(tm.cpu, tm.idle, a)
	tm.p.SwitchThread(tm.cpu, a, b)
	tm.p.SwitchThread(tm.cpu, b, a)
	if diff := cmp.Diff(sim.Stats{XCR0Reads: 1, Switches: 3}, tm.m.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if got := tm.p.XCR0(); got != testXCR0 {
		t.Errorf("XCR0: got %#x, want %#x", got, testXCR0)
	}
}

func TestSwitchInvariants(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(tm *testMachine, t *testing.T)
	}{
		{
			name: "from a thread that is not running",
			fn: func(tm *testMachine, t *testing.T) {
				a := tm.p.NewKernelThread(0xffffffff81000000, tm.stack(t))
				b := tm.p.NewKernelThread(0xffffffff82000000, tm.stack(t))
				tm.p.SwitchThread(tm.cpu, a, b)
			},
		},
		{
			name: "into a running thread",
			fn: func(tm *testMachine, t *testing.T) {
				tm.p.SwitchThread(tm.cpu, tm.idle, tm.p.NewIdleThread())
			},
		},
		{
			name: "into itself",
			fn: func(tm *testMachine, t *testing.T) {
				tm.p.SwitchThread(tm.cpu, tm.idle, tm.idle)
			},
		},
		{
			name: "into a retired thread",
			fn: func(tm *testMachine, t *testing.T) {
				a := tm.p.NewKernelThread(0xffffffff81000000, tm.stack(t))
				a.Release(tm.mf)
				tm.p.SwitchThread(tm.cpu, tm.idle, a)
			},
		},
		{
			name: "into a malformed frame",
			fn: func(tm *testMachine, t *testing.T) {
				sp := tm.stack(t)
				a := tm.p.NewKernelThread(0xffffffff81000000, sp)
				tm.mf.WriteUint64(a.RSP(), ring0.UserFlagsSet)
				tm.p.SwitchThread(tm.cpu, tm.idle, a)
			},
		},
		{
			name: "release of a running thread",
			fn: func(tm *testMachine, t *testing.T) {
				tm.idle.Release(tm.mf)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestMachine(t, newMemoryFile(t, 16), 0)
			defer func() {
				if recover() == nil {
					t.Errorf("did not panic")
				}
			}()
			tc.fn(tm, t)
		})
	}
}

func TestRelease(t *testing.T) {
	tm := newTestMachine(t, newMemoryFile(t, 16), 0)
	before := tm.mf.Allocated()
	u := tm.p.NewUserThread(0x401000, 0x7ffffffde000, tm.stack(t))
	if got := tm.mf.Allocated() - before; got != 4 {
		t.Errorf("user thread pages: got %d, want 4 (kernel stack, interrupt, syscall, xsave)", got)
	}
	u.Release(tm.mf)
	if got := tm.mf.Allocated() - before; got != 1 {
		t.Errorf("pages after release: got %d, want 1 (caller's kernel stack)", got)
	}
	if u.State() != Retired {
		t.Errorf("State: got %v, want %v", u.State(), Retired)
	}
}

// logLine is the part of a JSON log line the thread tests look at.
type logLine struct {
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields"`
}

// captureDebugLog sends the global log to a buffer as JSON at debug level
// until the test ends.
func captureDebugLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := log.Log()
	log.SetTarget(log.JSONEmitter{Writer: &log.Writer{Next: &buf}})
	log.SetLevel(log.Debug)
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	})
	return &buf
}

func parseLog(t *testing.T, buf *bytes.Buffer) []logLine {
	t.Helper()
	var lines []logLine
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var l logLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("Unmarshal(%q) failed: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	return lines
}

func TestLogFields(t *testing.T) {
	buf := captureDebugLog(t)
	tm := newTestMachine(t, newMemoryFile(t, 16), 5)
	u := tm.p.NewUserThread(0x401000, 0x7ffffffde000, tm.stack(t))
	prev, next := tm.idle.String(), u.String()
	tm.p.SwitchThread(tm.cpu, tm.idle, u)

	var created, switched *logLine
	lines := parseLog(t, buf)
	for i := range lines {
		l := &lines[i]
		switch {
		case l.Msg == "New thread" && l.Fields["kind"] == "user":
			created = l
		case l.Msg == "Switching threads":
			switched = l
		}
	}
	if created == nil || switched == nil {
		t.Fatalf("missing construction or switch line in %+v", lines)
	}
	if created.Fields["ip"] != "0x401000" || created.Fields["sp"] != "0x7ffffffde000" {
		t.Errorf("construction fields: %v", created.Fields)
	}
	want := map[string]any{"cpu": float64(5), "prev": prev, "next": next}
	if diff := cmp.Diff(want, switched.Fields); diff != "" {
		t.Errorf("switch fields mismatch (-want +got):\n%s", diff)
	}
}
