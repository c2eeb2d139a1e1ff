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

// Package ring0 holds the privileged per-CPU state the execution-context core
// reprograms on every switch, and the x86-64 constants the built frames carry.
package ring0

// Selector is a segment Selector.
type Selector uint16

// Segment indices and Selectors.
const (
	// Index into GDT array.
	_          = iota // Null descriptor first.
	_                 // Reserved (Linux is kernel 32).
	segKcode          // Kernel code (64-bit).
	segKdata          // Kernel data.
	segUcode32        // User code (32-bit).
	segUdata          // User data.
	segUcode64        // User code (64-bit).
	segTss            // Task segment descriptor.
	segTssHi          // Upper bits for TSS.
	segLast           // Last segment (terminal, not included).
)

// UserRPL is the requested privilege level of user selectors.
const UserRPL = 3

// Selectors.
const (
	Kcode   Selector = segKcode << 3
	Kdata   Selector = segKdata << 3
	Udata   Selector = (segUdata << 3) | UserRPL
	Ucode64 Selector = (segUcode64 << 3) | UserRPL
)

// RFLAGS bits.
const (
	_RFLAGS_AC       = 1 << 18
	_RFLAGS_NT       = 1 << 14
	_RFLAGS_IOPL     = 3 << 12
	_RFLAGS_DF       = 1 << 10
	_RFLAGS_IF       = 1 << 9
	_RFLAGS_STEP     = 1 << 8
	_RFLAGS_RESERVED = 1 << 1
)

const (
	// KernelFlagsSet is the RFLAGS value the constructors give every
	// cooperative-switch frame: interrupts disabled, so only
	// do_switch_thread may consume it.
	KernelFlagsSet = _RFLAGS_RESERVED

	// UserFlagsSet are always set in userspace. Frames carrying these flags
	// are consumed only by the trap-return path.
	UserFlagsSet = _RFLAGS_RESERVED | _RFLAGS_IF

	// KernelFlagsClear should always be clear in the kernel.
	KernelFlagsClear = _RFLAGS_IF | _RFLAGS_NT | _RFLAGS_IOPL
)

// KernelFlagsValid reports whether rflags is a legal kernel RFLAGS value:
// the reserved bit set and every bit of KernelFlagsClear clear. Arithmetic
// and direction flags may hold anything.
func KernelFlagsValid(rflags uint64) bool {
	return rflags&_RFLAGS_RESERVED != 0 && rflags&KernelFlagsClear == 0
}

// InterruptsEnabled returns true if rflags has IF set.
func InterruptsEnabled(rflags uint64) bool {
	return rflags&_RFLAGS_IF != 0
}

// UserRSPPoison is stored in the CPU-local user stack pointer slot on every
// switch. Trap entry overwrites it before it is read; reading it means that
// invariant was broken.
const UserRSPPoison = 0xbaad_5a5a_5b5b_baad
