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

// Package sim provides a software x86-64 CPU for exercising thread contexts
// without privileged hardware.
//
// A Machine implements the instruction-level boundary of package thread and
// interprets the entry primitives built frames jump into: what would be an
// assembly routine on a real kernel is a Go method here, operating on the
// same words in the same memory.
package sim

import (
	"fmt"

	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/pgalloc"
	"github.com/h4sh5/kerla/pkg/ring0"
)

// Addresses of the simulated entry primitives and of the instruction
// following the switch call. They live in the canonical kernel text region.
const (
	textBase hostarch.Addr = 0xffffffff80100000

	// SwitchReturn is the return address do_switch_thread pushes.
	SwitchReturn = textBase + 0x000

	// SyscallEntry is where trap entry leaves a thread.
	SyscallEntry = textBase + 0x100
)

// DefaultEntries is the entry primitive table of the simulated kernel text.
var DefaultEntries = frame.Entries{
	KthreadEntry:             textBase + 0x200,
	UserlandEntry:            textBase + 0x300,
	ForkedChildEntry:         textBase + 0x400,
	SignalHandlerEntry:       textBase + 0x500,
	DirectSignalHandlerEntry: textBase + 0x600,
}

// Regs is the general purpose register file.
type Regs struct {
	Rip    uint64
	Rsp    uint64
	Rflags uint64
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rbp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Cs     uint64
	Ss     uint64
}

// Stats counts the hardware operations a Machine has performed.
type Stats struct {
	XCR0Reads int
	XSaves    int
	XRstors   int
	Switches  int
	Jumps     int
}

// Extended state component offsets in the standard xsave layout.
const (
	legacyAndHeaderSize = 576
	avxEnd              = 832
	avx512End           = 2688
)

// ExtendedStateSize returns the number of bytes of the xsave image covered
// by mask.
func ExtendedStateSize(mask uint64) int {
	switch {
	case mask&ring0.XCR0AVX512 != 0:
		return avx512End
	case mask&ring0.XCR0AVX != 0:
		return avxEnd
	case mask != 0:
		return legacyAndHeaderSize
	default:
		return 0
	}
}

// Machine is one simulated CPU. A Machine is not safe for concurrent use;
// distinct Machines may share a MemoryFile.
type Machine struct {
	mem     *pgalloc.MemoryFile
	entries frame.Entries
	xcr0    uint64

	// Regs is the live register file.
	Regs Regs

	// FSBase is the live thread-local base.
	FSBase uint64

	// Extended is the live extended register image.
	Extended [avx512End]byte

	// Stats is updated by every hardware operation.
	Stats Stats
}

// NewMachine returns a Machine in kernel mode with its stack at stack,
// using the given entry table and XCR0 value.
func NewMachine(mem *pgalloc.MemoryFile, entries frame.Entries, xcr0 uint64, stack hostarch.Addr) *Machine {
	return &Machine{
		mem:     mem,
		entries: entries,
		xcr0:    xcr0,
		Regs: Regs{
			Rip:    uint64(SwitchReturn),
			Rsp:    uint64(stack),
			Rflags: ring0.KernelFlagsSet,
			Cs:     uint64(ring0.Kcode),
			Ss:     uint64(ring0.Kdata),
		},
	}
}

// UserMode reports whether the machine is executing at user privilege.
func (m *Machine) UserMode() bool {
	return m.Regs.Cs&ring0.UserRPL == ring0.UserRPL
}

// XCR0 implements thread.Hardware.XCR0.
func (m *Machine) XCR0() uint64 {
	m.Stats.XCR0Reads++
	return m.xcr0
}

// XSave implements thread.Hardware.XSave.
func (m *Machine) XSave(area hostarch.Addr, mask uint64) {
	m.Stats.XSaves++
	n := ExtendedStateSize(mask)
	copy(m.mem.Bytes(area, n), m.Extended[:n])
}

// XRstor implements thread.Hardware.XRstor.
func (m *Machine) XRstor(area hostarch.Addr, mask uint64) {
	m.Stats.XRstors++
	n := ExtendedStateSize(mask)
	copy(m.Extended[:n], m.mem.Bytes(area, n))
}

// WriteFSBase implements thread.Hardware.WriteFSBase.
func (m *Machine) WriteFSBase(base uint64) {
	m.FSBase = base
}

// SwitchThread implements thread.Hardware.SwitchThread.
func (m *Machine) SwitchThread(prevRSP, nextRSP *uint64) {
	if m.UserMode() {
		panic(fmt.Sprintf("thread switch in user mode at %#x", m.Regs.Rip))
	}
	m.Stats.Switches++

	w := frame.NewWriter(m.mem, hostarch.Addr(m.Regs.Rsp), frame.SwitchFooterWords)
	saved := frame.SwitchFooter{
		Rip:    uint64(SwitchReturn),
		Rbp:    m.Regs.Rbp,
		Rbx:    m.Regs.Rbx,
		R12:    m.Regs.R12,
		R13:    m.Regs.R13,
		R14:    m.Regs.R14,
		R15:    m.Regs.R15,
		Rflags: m.Regs.Rflags,
	}
	saved.Push(w)
	*prevRSP = uint64(w.SP())

	r := frame.NewReader(m.mem, hostarch.Addr(*nextRSP))
	f := frame.PopSwitchFooter(r)
	m.Regs.Rflags = f.Rflags
	m.Regs.R15 = f.R15
	m.Regs.R14 = f.R14
	m.Regs.R13 = f.R13
	m.Regs.R12 = f.R12
	m.Regs.Rbx = f.Rbx
	m.Regs.Rbp = f.Rbp
	m.Regs.Rip = f.Rip
	m.Regs.Rsp = uint64(r.SP())
	m.enter(r)
}

// JumpToDirectSignalEntry implements thread.Hardware.JumpToDirectSignalEntry.
func (m *Machine) JumpToDirectSignalEntry(mem frame.Memory, rsp hostarch.Addr) {
	m.Stats.Jumps++
	m.Regs.Rsp = uint64(rsp)
	m.Regs.Rip = uint64(m.entries.DirectSignalHandlerEntry)
	m.enter(frame.NewReader(mem, rsp))
}

// enter runs the entry primitive at RIP, if any, consuming its layers from
// r.
func (m *Machine) enter(r *frame.Reader) {
	switch hostarch.Addr(m.Regs.Rip) {
	case m.entries.KthreadEntry:
		e := frame.PopKernelEntry(r)
		m.Regs.Rsp = uint64(r.SP())
		m.Regs.Rip = e.Entry
	case m.entries.UserlandEntry:
		m.iret(r)
	case m.entries.ForkedChildEntry:
		f := frame.PopForkChildFrame(r)
		m.Regs.Rdx = f.Rdx
		m.Regs.Rdi = f.Rdi
		m.Regs.Rsi = f.Rsi
		m.Regs.R8 = f.R8
		m.Regs.R9 = f.R9
		m.Regs.R10 = f.R10
		m.Regs.Rcx = f.Rcx
		m.Regs.R11 = f.R11
		m.Regs.Rax = 0
		m.iret(r)
	case m.entries.SignalHandlerEntry, m.entries.DirectSignalHandlerEntry:
		f := frame.PopSignalFrame(r)
		m.Regs.Rdx = f.Rdx
		m.Regs.Rsi = f.Rsi
		m.Regs.Rdi = f.Rdi
		m.Regs.Rflags = f.Rflags
		m.Regs.Rip = f.Rip
		m.Regs.Rsp = f.Rsp
		m.Regs.Cs = uint64(ring0.Ucode64)
		m.Regs.Ss = uint64(ring0.Udata)
	}
}

func (m *Machine) iret(r *frame.Reader) {
	f := frame.PopIretFrame(r)
	m.Regs.Rip = f.Rip
	m.Regs.Cs = f.Cs
	m.Regs.Rflags = f.Rflags
	m.Regs.Rsp = f.Rsp
	m.Regs.Ss = f.Ss
}

// Trap enters the kernel from user mode as the syscall instruction does:
// the user RSP is saved in cpu's local slot, the stack moves to cpu's
// syscall stack and the user RIP and RFLAGS move to RCX and R11. It returns
// the captured register frame.
func (m *Machine) Trap(cpu *ring0.CPU) *ring0.SyscallFrame {
	if !m.UserMode() {
		panic(fmt.Sprintf("trap from kernel mode at %#x", m.Regs.Rip))
	}
	f := &ring0.SyscallFrame{
		Rip:    m.Regs.Rip,
		Rsp:    m.Regs.Rsp,
		Rflags: m.Regs.Rflags,
		Rax:    m.Regs.Rax,
		Rbx:    m.Regs.Rbx,
		Rcx:    m.Regs.Rip,
		Rdx:    m.Regs.Rdx,
		Rsi:    m.Regs.Rsi,
		Rdi:    m.Regs.Rdi,
		Rbp:    m.Regs.Rbp,
		R8:     m.Regs.R8,
		R9:     m.Regs.R9,
		R10:    m.Regs.R10,
		R11:    m.Regs.Rflags,
		R12:    m.Regs.R12,
		R13:    m.Regs.R13,
		R14:    m.Regs.R14,
		R15:    m.Regs.R15,
	}
	cpu.SaveUserRSP(m.Regs.Rsp)
	m.Regs.Rcx = m.Regs.Rip
	m.Regs.R11 = m.Regs.Rflags
	m.Regs.Rsp = uint64(cpu.SyscallStack())
	m.Regs.Rip = uint64(SyscallEntry)
	m.Regs.Rflags = ring0.KernelFlagsSet
	m.Regs.Cs = uint64(ring0.Kcode)
	m.Regs.Ss = uint64(ring0.Kdata)
	return f
}

// Sysret returns to user mode from the syscall entered by Trap that
// captured f, as the sysret instruction does after the kernel has reloaded
// the user stack: RIP and RFLAGS come from RCX and R11, RAX carries the
// return value.
func (m *Machine) Sysret(f *ring0.SyscallFrame) {
	if m.UserMode() {
		panic(fmt.Sprintf("sysret from user mode at %#x", m.Regs.Rip))
	}
	m.Regs.Rcx = f.Rcx
	m.Regs.R11 = f.R11
	m.Regs.Rip = f.Rcx
	m.Regs.Rflags = f.R11
	m.Regs.Rsp = f.Rsp
	m.Regs.Rax = f.Rax
	m.Regs.Cs = uint64(ring0.Ucode64)
	m.Regs.Ss = uint64(ring0.Udata)
}
