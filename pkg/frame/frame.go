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

// Package frame implements the stack frame layouts the execution-context
// core hand-builds for the low-level resumption paths.
//
// Every layer is pushed onto a downward-growing stack in the reverse of the
// order its consumer pops it. The consumers are fixed:
//
//   - do_switch_thread pops a switch footer (RFLAGS, R15, R14, R13, R12,
//     RBX, RBP) and returns through its RIP slot.
//   - iret pops a trap-return frame (RIP, CS, RFLAGS, RSP, SS).
//   - the entry primitives named in Entries pop the layer they were built
//     for and fall through to the next one.
//
// Frames are written through a Writer, which is bounded by the number of
// words the caller declares up front, so no layer can run past its region.
package frame

import (
	"fmt"

	"github.com/h4sh5/kerla/pkg/hostarch"
)

// Memory is word-addressable kernel memory.
type Memory interface {
	// ReadUint64 reads the word at addr.
	ReadUint64(addr hostarch.Addr) uint64

	// WriteUint64 writes the word at addr.
	WriteUint64(addr hostarch.Addr, v uint64)
}

// Entries is the table of entry primitives built frames land on. They are
// only ever reached through the addresses embedded in frames.
type Entries struct {
	// KthreadEntry pops the kernel entry point and jumps to it.
	KthreadEntry hostarch.Addr

	// UserlandEntry performs the first iret of a user thread.
	UserlandEntry hostarch.Addr

	// ForkedChildEntry restores the fork child layer, zeroes RAX and irets.
	ForkedChildEntry hostarch.Addr

	// SignalHandlerEntry restores a signal layer reached through a switch.
	SignalHandlerEntry hostarch.Addr

	// DirectSignalHandlerEntry restores a signal layer the current thread
	// jumped to directly.
	DirectSignalHandlerEntry hostarch.Addr
}

// Validate returns an error if any entry is unset or two entries alias.
func (e *Entries) Validate() error {
	seen := make(map[hostarch.Addr]string)
	for _, ent := range []struct {
		name string
		addr hostarch.Addr
	}{
		{"kthread_entry", e.KthreadEntry},
		{"userland_entry", e.UserlandEntry},
		{"forked_child_entry", e.ForkedChildEntry},
		{"signal_handler_entry", e.SignalHandlerEntry},
		{"direct_signal_handler_entry", e.DirectSignalHandlerEntry},
	} {
		if ent.addr == 0 {
			return fmt.Errorf("entry %s is not set", ent.name)
		}
		if other, ok := seen[ent.addr]; ok {
			return fmt.Errorf("entries %s and %s share address %v", other, ent.name, ent.addr)
		}
		seen[ent.addr] = ent.name
	}
	return nil
}

// Name returns the name of the entry at addr, or "" if addr is not one.
func (e *Entries) Name(addr hostarch.Addr) string {
	switch addr {
	case e.KthreadEntry:
		return "kthread_entry"
	case e.UserlandEntry:
		return "userland_entry"
	case e.ForkedChildEntry:
		return "forked_child_entry"
	case e.SignalHandlerEntry:
		return "signal_handler_entry"
	case e.DirectSignalHandlerEntry:
		return "direct_signal_handler_entry"
	default:
		return ""
	}
}

// Writer pushes words onto a downward-growing stack in Memory.
type Writer struct {
	mem   Memory
	top   hostarch.Addr
	sp    hostarch.Addr
	limit hostarch.Addr
}

// NewWriter returns a Writer whose stack starts at top and may hold at most
// words words. top must be word aligned.
func NewWriter(mem Memory, top hostarch.Addr, words int) *Writer {
	if top%hostarch.WordSize != 0 {
		panic(fmt.Sprintf("unaligned stack top %v", top))
	}
	size := hostarch.Addr(words) * hostarch.WordSize
	if words < 0 || words*hostarch.WordSize > hostarch.PageSize || size > top {
		panic(fmt.Sprintf("invalid frame capacity %d words below %v", words, top))
	}
	return &Writer{
		mem:   mem,
		top:   top,
		sp:    top,
		limit: top - size,
	}
}

// Push pushes v. Exceeding the declared capacity is a logic error.
func (w *Writer) Push(v uint64) {
	if w.sp-hostarch.WordSize < w.limit {
		panic(fmt.Sprintf("frame overrun below %v (stack top %v)", w.limit, w.top))
	}
	w.sp -= hostarch.WordSize
	w.mem.WriteUint64(w.sp, v)
}

// SP returns the current stack pointer, i.e. the address of the last word
// pushed.
func (w *Writer) SP() hostarch.Addr {
	return w.sp
}

// Len returns the number of words pushed.
func (w *Writer) Len() int {
	return int((w.top - w.sp) / hostarch.WordSize)
}

// Reader pops words off a stack in Memory, in the order a consumer would.
type Reader struct {
	mem Memory
	sp  hostarch.Addr
}

// NewReader returns a Reader positioned at sp.
func NewReader(mem Memory, sp hostarch.Addr) *Reader {
	return &Reader{mem: mem, sp: sp}
}

// Pop pops one word.
func (r *Reader) Pop() uint64 {
	v := r.mem.ReadUint64(r.sp)
	r.sp += hostarch.WordSize
	return v
}

// SP returns the current stack pointer.
func (r *Reader) SP() hostarch.Addr {
	return r.sp
}

// ScratchWords is the capacity of a Scratch buffer.
const ScratchWords = 8

// scratchBase is the address Scratch words are numbered from. Scratch is its
// own Memory, so the value only needs to be non-zero and aligned.
const scratchBase hostarch.Addr = 0x1000

// Scratch is a small stack buffer outside any thread's stack, used to stage
// a frame for a direct, non-returning transfer.
type Scratch struct {
	words [ScratchWords]uint64
}

// Top returns the initial stack pointer of s.
func (s *Scratch) Top() hostarch.Addr {
	return scratchBase + ScratchWords*hostarch.WordSize
}

func (s *Scratch) index(addr hostarch.Addr) int {
	if addr < scratchBase || addr >= s.Top() || addr%hostarch.WordSize != 0 {
		panic(fmt.Sprintf("scratch access at %v outside [%v, %v)", addr, hostarch.Addr(scratchBase), s.Top()))
	}
	return int((addr - scratchBase) / hostarch.WordSize)
}

// ReadUint64 implements Memory.ReadUint64.
func (s *Scratch) ReadUint64(addr hostarch.Addr) uint64 {
	return s.words[s.index(addr)]
}

// WriteUint64 implements Memory.WriteUint64.
func (s *Scratch) WriteUint64(addr hostarch.Addr, v uint64) {
	s.words[s.index(addr)] = v
}
