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

// Package thread implements the saved execution context of a kernel thread
// and the switch between two such contexts.
//
// A Thread is created by one of the Platform constructors, each of which
// hand-builds the initial frame its first resumption will consume (see
// package frame), and is later resumed by SwitchThread. Lifecycle:
//
//	Fresh -> Running <-> Suspended -> Retired
//
// Both transitions between Running and Suspended happen only inside
// SwitchThread, one of each per call.
package thread

import (
	"fmt"

	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/pgalloc"
)

// Hardware is the instruction-level boundary of the switcher. None of its
// methods may be called with preemption enabled.
type Hardware interface {
	// XCR0 reads the extended control register selecting the state
	// components XSave and XRstor operate on.
	XCR0() uint64

	// XSave stores the live extended register state into area.
	XSave(area hostarch.Addr, mask uint64)

	// XRstor loads area into the live extended registers.
	XRstor(area hostarch.Addr, mask uint64)

	// WriteFSBase loads the thread-local base register.
	WriteFSBase(base uint64)

	// SwitchThread is do_switch_thread: it pushes a switch footer for the
	// current flow, stores the stack pointer to *prevRSP, loads *nextRSP
	// and pops the footer found there. It returns when the saved flow is
	// switched back in.
	SwitchThread(prevRSP, nextRSP *uint64)

	// JumpToDirectSignalEntry loads rsp, whose words live in mem, and
	// jumps to the direct signal handler entry. On real hardware it does
	// not return.
	JumpToDirectSignalEntry(mem frame.Memory, rsp hostarch.Addr)
}

// Platform binds the constructors and the switcher to the machine they run
// on.
type Platform struct {
	// Pages supplies kernel stacks and extended-state areas.
	Pages pgalloc.Allocator

	// Mem is the kernel memory stacks live in.
	Mem frame.Memory

	// Entries is the entry primitive table embedded in built frames.
	Entries frame.Entries

	// HW is the instruction-level boundary.
	HW Hardware

	// VerifyFrames makes SwitchThread decode every frame it resumes and
	// abort on a malformed one.
	VerifyFrames bool

	// xcr0 is the extended-state mask, read from HW once by NewPlatform.
	xcr0 uint64
}

// NewPlatform returns a Platform, validating the entry table. It reads the
// extended-state mask from hw once; XCR0 is not reprogrammed afterwards.
func NewPlatform(pages pgalloc.Allocator, mem frame.Memory, entries frame.Entries, hw Hardware) (*Platform, error) {
	if err := entries.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entry table: %w", err)
	}
	return &Platform{
		Pages:   pages,
		Mem:     mem,
		Entries: entries,
		HW:      hw,
		xcr0:    hw.XCR0(),
	}, nil
}

// XCR0 returns the extended-state mask XSave and XRstor are issued with.
func (p *Platform) XCR0() uint64 {
	return p.xcr0
}

// State is the lifecycle state of a Thread.
type State int

const (
	// Fresh threads have been constructed and never run.
	Fresh State = iota

	// Suspended threads have a valid saved stack pointer.
	Suspended

	// Running threads are executing on some CPU; their saved stack pointer
	// is stale.
	Running

	// Retired threads have released their pages.
	Retired
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Suspended:
		return "suspended"
	case Running:
		return "running"
	case Retired:
		return "retired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// KernelStackSize is the size of each per-thread landing stack.
const KernelStackSize = hostarch.PageSize

// Thread is the saved machine state of one schedulable context.
//
// A Thread is not safe for concurrent use. Cross-CPU mutation (signal
// delivery) must hold the thread's sync.SpinLock.
type Thread struct {
	// rsp is the saved stack pointer. It is only valid while the thread is
	// not running.
	rsp uint64

	// fsbase is loaded into FS_BASE on every switch in.
	fsbase uint64

	// xsaveArea is the extended-state buffer, or nil for threads that never
	// use the vector registers.
	xsaveArea *hostarch.Addr

	// interruptStack and syscallStack are the pages traps land on.
	interruptStack hostarch.Addr
	syscallStack   hostarch.Addr

	// kernelStack is the page the initial frame was built on when the
	// thread owns it (forked children), or zero.
	kernelStack hostarch.Addr

	state State
}

// RSP returns the saved stack pointer.
func (t *Thread) RSP() hostarch.Addr {
	return hostarch.Addr(t.rsp)
}

// FSBase returns the thread-local base.
func (t *Thread) FSBase() uint64 {
	return t.fsbase
}

// SetFSBase sets the thread-local base loaded on the next switch in.
func (t *Thread) SetFSBase(v uint64) {
	t.fsbase = v
}

// XsaveArea returns the extended-state buffer, if the thread has one.
func (t *Thread) XsaveArea() (hostarch.Addr, bool) {
	if t.xsaveArea == nil {
		return 0, false
	}
	return *t.xsaveArea, true
}

// InterruptStackTop returns the initial stack pointer of the interrupt
// stack.
func (t *Thread) InterruptStackTop() hostarch.Addr {
	return t.interruptStack + KernelStackSize
}

// SyscallStackTop returns the initial stack pointer of the syscall stack.
func (t *Thread) SyscallStackTop() hostarch.Addr {
	return t.syscallStack + KernelStackSize
}

// State returns the lifecycle state.
func (t *Thread) State() State {
	return t.state
}

// String implements fmt.Stringer.String.
func (t *Thread) String() string {
	return fmt.Sprintf("thread{%s rsp:%#x fsbase:%#x xsave:%t}", t.state, t.rsp, t.fsbase, t.xsaveArea != nil)
}

// Release returns the thread's pages to pages and retires it. The thread
// must not be running.
func (t *Thread) Release(pages pgalloc.Allocator) {
	if t.state == Running || t.state == Retired {
		panic(fmt.Sprintf("release of %v", t))
	}
	pages.Free(t.interruptStack, 1)
	pages.Free(t.syscallStack, 1)
	if t.xsaveArea != nil {
		pages.Free(*t.xsaveArea, 1)
		t.xsaveArea = nil
	}
	if t.kernelStack != 0 {
		pages.Free(t.kernelStack, 1)
		t.kernelStack = 0
	}
	t.rsp = 0
	t.state = Retired
}

// checkResumable panics if a switch into t is illegal.
func (t *Thread) checkResumable() {
	switch {
	case t.state != Fresh && t.state != Suspended:
		panic(fmt.Sprintf("switch into %v", t))
	case t.rsp == 0:
		panic(fmt.Sprintf("switch into %v that has never been suspended", t))
	}
}
