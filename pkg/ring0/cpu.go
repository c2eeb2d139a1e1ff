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

package ring0

import (
	"encoding/binary"
	"fmt"

	"github.com/h4sh5/kerla/pkg/hostarch"
)

// TaskState64 is a 64-bit task state structure.
type TaskState64 struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_              [2]uint32
	ist1Lo, ist1Hi uint32
	ist2Lo, ist2Hi uint32
	ist3Lo, ist3Hi uint32
	ist4Lo, ist4Hi uint32
	ist5Lo, ist5Hi uint32
	ist6Lo, ist6Hi uint32
	ist7Lo, ist7Hi uint32
	_              [2]uint32
	_              uint16
	ioPerm         uint16
}

// SetRSP0 sets the stack the CPU loads when a trap raises the privilege
// level to ring 0.
func (t *TaskState64) SetRSP0(top hostarch.Addr) {
	t.rsp0Lo = uint32(top)
	t.rsp0Hi = uint32(top >> 32)
}

// RSP0 returns the ring-0 trap stack.
func (t *TaskState64) RSP0() hostarch.Addr {
	return hostarch.Addr(t.rsp0Hi)<<32 | hostarch.Addr(t.rsp0Lo)
}

// CPULocal is the per-CPU block the syscall entry path addresses through GS.
type CPULocal struct {
	// SyscallStack is the stack top syscall entry switches to.
	SyscallStack hostarch.Addr

	// userRSP is the user stack pointer saved by the last trap entry, or
	// UserRSPPoison.
	userRSP uint64
}

// CPU is the per-core transition state: where the next trap taken on this
// core lands. It is written by the switcher with preemption disabled and
// read by the trap entry paths.
type CPU struct {
	// ID is the CPU number.
	ID int

	tss   TaskState64
	local CPULocal
}

// NewCPU returns the transition state of CPU id. The user RSP slot starts
// poisoned.
func NewCPU(id int) *CPU {
	c := &CPU{ID: id}
	// Block the entire I/O range; see Intel SDM vol1 section 18.5.2.
	c.tss.ioPerm = uint16(binary.Size(&c.tss))
	c.PoisonUserRSP()
	return c
}

// TSS returns the CPU's hardware task descriptor.
func (c *CPU) TSS() *TaskState64 {
	return &c.tss
}

// SetSyscallStack sets the stack the next syscall entry on this CPU will
// run on.
func (c *CPU) SetSyscallStack(top hostarch.Addr) {
	c.local.SyscallStack = top
}

// SyscallStack returns the stack the next syscall entry will run on.
func (c *CPU) SyscallStack() hostarch.Addr {
	return c.local.SyscallStack
}

// InterruptStack returns the stack the next hardware trap will run on.
func (c *CPU) InterruptStack() hostarch.Addr {
	return c.tss.RSP0()
}

// PoisonUserRSP fills the user RSP slot with UserRSPPoison.
func (c *CPU) PoisonUserRSP() {
	c.local.userRSP = UserRSPPoison
}

// SaveUserRSP records the user stack pointer on trap entry.
func (c *CPU) SaveUserRSP(rsp uint64) {
	c.local.userRSP = rsp
}

// UserRSP returns the user stack pointer captured by the last trap entry.
//
// It panics if no trap has been taken since the last switch.
func (c *CPU) UserRSP() uint64 {
	if c.local.userRSP == UserRSPPoison {
		panic(fmt.Sprintf("CPU %d: user RSP read before trap entry initialized it", c.ID))
	}
	return c.local.userRSP
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d{syscall: %v, interrupt: %v}", c.ID, c.SyscallStack(), c.InterruptStack())
}
