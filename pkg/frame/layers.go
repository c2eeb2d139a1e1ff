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

package frame

import (
	"fmt"
)

// Field is one named word of a layer, for display.
type Field struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// Layer is one decoded frame layer.
type Layer interface {
	// Name returns the layer's name.
	Name() string

	// Fields returns the layer's words in pop order.
	Fields() []Field
}

// Layer sizes, in words.
const (
	SwitchFooterWords = 8
	KernelEntryWords  = 1
	IretFrameWords    = 5
	ForkChildWords    = 8
	SignalFrameWords  = 6
)

// Sizes of complete layer stacks, in words.
const (
	// KernelStartWords is a footer and the kernel entry point.
	KernelStartWords = SwitchFooterWords + KernelEntryWords

	// UserStartWords is a footer and a trap-return frame.
	UserStartWords = SwitchFooterWords + IretFrameWords

	// ForkStartWords is a footer, the fork child layer and a trap-return
	// frame.
	ForkStartWords = SwitchFooterWords + ForkChildWords + IretFrameWords

	// PendingSignalWords is what signal delivery adds atop an existing
	// frame: a footer and a signal layer.
	PendingSignalWords = SwitchFooterWords + SignalFrameWords
)

// SwitchFooter is the layer do_switch_thread saves and restores.
type SwitchFooter struct {
	Rip    uint64
	Rbp    uint64
	Rbx    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rflags uint64
}

// Push pushes f.
func (f *SwitchFooter) Push(w *Writer) {
	w.Push(f.Rip)
	w.Push(f.Rbp)
	w.Push(f.Rbx)
	w.Push(f.R12)
	w.Push(f.R13)
	w.Push(f.R14)
	w.Push(f.R15)
	w.Push(f.Rflags)
}

// PopSwitchFooter pops a switch footer.
func PopSwitchFooter(r *Reader) SwitchFooter {
	var f SwitchFooter
	f.Rflags = r.Pop()
	f.R15 = r.Pop()
	f.R14 = r.Pop()
	f.R13 = r.Pop()
	f.R12 = r.Pop()
	f.Rbx = r.Pop()
	f.Rbp = r.Pop()
	f.Rip = r.Pop()
	return f
}

// Name implements Layer.Name.
func (*SwitchFooter) Name() string { return "switch footer" }

// Fields implements Layer.Fields.
func (f *SwitchFooter) Fields() []Field {
	return []Field{
		{"rflags", f.Rflags},
		{"r15", f.R15},
		{"r14", f.R14},
		{"r13", f.R13},
		{"r12", f.R12},
		{"rbx", f.Rbx},
		{"rbp", f.Rbp},
		{"rip", f.Rip},
	}
}

// KernelEntry is the entry point kthread_entry jumps to.
type KernelEntry struct {
	Entry uint64
}

// Push pushes e.
func (e *KernelEntry) Push(w *Writer) {
	w.Push(e.Entry)
}

// PopKernelEntry pops a kernel entry layer.
func PopKernelEntry(r *Reader) KernelEntry {
	return KernelEntry{Entry: r.Pop()}
}

// Name implements Layer.Name.
func (*KernelEntry) Name() string { return "kernel entry" }

// Fields implements Layer.Fields.
func (e *KernelEntry) Fields() []Field {
	return []Field{{"entry", e.Entry}}
}

// IretFrame is the trap-return layer consumed by iret.
type IretFrame struct {
	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
}

// Push pushes f.
func (f *IretFrame) Push(w *Writer) {
	w.Push(f.Ss)
	w.Push(f.Rsp)
	w.Push(f.Rflags)
	w.Push(f.Cs)
	w.Push(f.Rip)
}

// PopIretFrame pops a trap-return frame.
func PopIretFrame(r *Reader) IretFrame {
	var f IretFrame
	f.Rip = r.Pop()
	f.Cs = r.Pop()
	f.Rflags = r.Pop()
	f.Rsp = r.Pop()
	f.Ss = r.Pop()
	return f
}

// Name implements Layer.Name.
func (*IretFrame) Name() string { return "trap return" }

// Fields implements Layer.Fields.
func (f *IretFrame) Fields() []Field {
	return []Field{
		{"rip", f.Rip},
		{"cs", f.Cs},
		{"rflags", f.Rflags},
		{"rsp", f.Rsp},
		{"ss", f.Ss},
	}
}

// ForkChildFrame holds the syscall argument registers forked_child_entry
// reloads before the child's trap return. syscall leaves the user RIP in RCX
// and the user RFLAGS in R11.
type ForkChildFrame struct {
	Rdx uint64
	Rdi uint64
	Rsi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	Rcx uint64
	R11 uint64
}

// Push pushes f.
func (f *ForkChildFrame) Push(w *Writer) {
	w.Push(f.R11)
	w.Push(f.Rcx)
	w.Push(f.R10)
	w.Push(f.R9)
	w.Push(f.R8)
	w.Push(f.Rsi)
	w.Push(f.Rdi)
	w.Push(f.Rdx)
}

// PopForkChildFrame pops a fork child layer.
func PopForkChildFrame(r *Reader) ForkChildFrame {
	var f ForkChildFrame
	f.Rdx = r.Pop()
	f.Rdi = r.Pop()
	f.Rsi = r.Pop()
	f.R8 = r.Pop()
	f.R9 = r.Pop()
	f.R10 = r.Pop()
	f.Rcx = r.Pop()
	f.R11 = r.Pop()
	return f
}

// Name implements Layer.Name.
func (*ForkChildFrame) Name() string { return "fork child" }

// Fields implements Layer.Fields.
func (f *ForkChildFrame) Fields() []Field {
	return []Field{
		{"rdx", f.Rdx},
		{"rdi", f.Rdi},
		{"rsi", f.Rsi},
		{"r8", f.R8},
		{"r9", f.R9},
		{"r10", f.R10},
		{"rcx", f.Rcx},
		{"r11", f.R11},
	}
}

// SignalFrame is the layer the signal entry primitives restore: the three
// handler arguments, then the user RFLAGS, RIP and RSP.
type SignalFrame struct {
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rflags uint64
	Rip    uint64
	Rsp    uint64
}

// NewSignalFrame returns the signal layer resuming at ip on sp with handler
// arguments arg1, arg2 and arg3 in RDI, RSI and RDX.
func NewSignalFrame(ip, sp, arg1, arg2, arg3, rflags uint64) SignalFrame {
	return SignalFrame{
		Rdx:    arg3,
		Rsi:    arg2,
		Rdi:    arg1,
		Rflags: rflags,
		Rip:    ip,
		Rsp:    sp,
	}
}

// Push pushes f.
func (f *SignalFrame) Push(w *Writer) {
	w.Push(f.Rsp)
	w.Push(f.Rip)
	w.Push(f.Rflags)
	w.Push(f.Rdi)
	w.Push(f.Rsi)
	w.Push(f.Rdx)
}

// PopSignalFrame pops a signal layer.
func PopSignalFrame(r *Reader) SignalFrame {
	var f SignalFrame
	f.Rdx = r.Pop()
	f.Rsi = r.Pop()
	f.Rdi = r.Pop()
	f.Rflags = r.Pop()
	f.Rip = r.Pop()
	f.Rsp = r.Pop()
	return f
}

// Name implements Layer.Name.
func (*SignalFrame) Name() string { return "signal" }

// Fields implements Layer.Fields.
func (f *SignalFrame) Fields() []Field {
	return []Field{
		{"rdx", f.Rdx},
		{"rsi", f.Rsi},
		{"rdi", f.Rdi},
		{"rflags", f.Rflags},
		{"rip", f.Rip},
		{"rsp", f.Rsp},
	}
}

// String formats a layer on one line.
func String(l Layer) string {
	s := l.Name() + "{"
	for i, f := range l.Fields() {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%#x", f.Name, f.Value)
	}
	return s + "}"
}
