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
	"fmt"
	"time"

	"github.com/h4sh5/kerla/pkg/cleanup"
	"github.com/h4sh5/kerla/pkg/errors"
	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/log"
	"github.com/h4sh5/kerla/pkg/pgalloc"
	"github.com/h4sh5/kerla/pkg/ring0"
)

// allocWarning reports allocation failures without flooding the log when
// the arena is exhausted.
var allocWarning = log.BasicRateLimitedLogger(time.Second)

// allocPage allocates one page of kind, registering its release with cu.
func (p *Platform) allocPage(cu *cleanup.Cleanup, kind pgalloc.Kind, what string) (hostarch.Addr, error) {
	addr, err := p.Pages.Allocate(1, kind)
	if err != nil {
		err = errors.Annotate(err, "allocating %s page", what)
		allocWarning.Warningf("Thread construction failed: %v", err)
		return 0, err
	}
	cu.Add(func() { p.Pages.Free(addr, 1) })
	return addr, nil
}

// allocStacks allocates the interrupt and syscall stacks of t.
func (p *Platform) allocStacks(cu *cleanup.Cleanup, t *Thread) error {
	var err error
	if t.interruptStack, err = p.allocPage(cu, pgalloc.Stack, "interrupt stack"); err != nil {
		return err
	}
	if t.syscallStack, err = p.allocPage(cu, pgalloc.Stack, "syscall stack"); err != nil {
		return err
	}
	return nil
}

// allocXsave allocates the extended-state area of t.
func (p *Platform) allocXsave(cu *cleanup.Cleanup, t *Thread) error {
	area, err := p.allocPage(cu, pgalloc.ExtendedState, "xsave")
	if err != nil {
		return err
	}
	t.xsaveArea = &area
	return nil
}

// debugNew logs the construction of t with fields describing it.
func debugNew(kind string, t *Thread, fields log.Fields) {
	if !log.IsLogging(log.Debug) {
		return
	}
	fields["kind"] = kind
	fields["thread"] = t.String()
	log.WithFields(fields).Debugf("New thread")
}

// mustThread panics on constructor failure.
func mustThread(t *Thread, err error) *Thread {
	if err != nil {
		panic(fmt.Sprintf("thread construction failed: %v", err))
	}
	return t
}

// NewKernelThread returns a thread that starts executing ip in kernel mode
// with its stack at sp. It panics if its stacks cannot be allocated.
func (p *Platform) NewKernelThread(ip, sp hostarch.Addr) *Thread {
	return mustThread(p.TryNewKernelThread(ip, sp))
}

// TryNewKernelThread is NewKernelThread returning linuxerr.ENOMEM instead of
// panicking.
func (p *Platform) TryNewKernelThread(ip, sp hostarch.Addr) (*Thread, error) {
	t := &Thread{}
	cu := cleanup.Cleanup{}
	defer cu.Clean()
	if err := p.allocStacks(&cu, t); err != nil {
		return nil, err
	}

	w := frame.NewWriter(p.Mem, sp, frame.KernelStartWords)
	entry := frame.KernelEntry{Entry: uint64(ip)}
	entry.Push(w)
	footer := frame.SwitchFooter{
		Rip:    uint64(p.Entries.KthreadEntry),
		Rflags: ring0.KernelFlagsSet,
	}
	footer.Push(w)
	t.rsp = uint64(w.SP())

	cu.Release()
	debugNew("kernel", t, log.Fields{"ip": ip.String()})
	return t, nil
}

// NewUserThread returns a thread that enters user mode at ip with user stack
// sp. Its start frame is built on kernelSP. It panics if its stacks or its
// extended-state area cannot be allocated.
func (p *Platform) NewUserThread(ip, sp, kernelSP hostarch.Addr) *Thread {
	return mustThread(p.TryNewUserThread(ip, sp, kernelSP))
}

// TryNewUserThread is NewUserThread returning linuxerr.ENOMEM instead of
// panicking.
func (p *Platform) TryNewUserThread(ip, sp, kernelSP hostarch.Addr) (*Thread, error) {
	t := &Thread{}
	cu := cleanup.Cleanup{}
	defer cu.Clean()
	if err := p.allocStacks(&cu, t); err != nil {
		return nil, err
	}
	if err := p.allocXsave(&cu, t); err != nil {
		return nil, err
	}

	w := frame.NewWriter(p.Mem, kernelSP, frame.UserStartWords)
	iret := frame.IretFrame{
		Rip:    uint64(ip),
		Cs:     uint64(ring0.Ucode64),
		Rflags: ring0.UserFlagsSet,
		Rsp:    uint64(sp),
		Ss:     uint64(ring0.Udata),
	}
	iret.Push(w)
	footer := frame.SwitchFooter{
		Rip:    uint64(p.Entries.UserlandEntry),
		Rflags: ring0.KernelFlagsSet,
	}
	footer.Push(w)
	t.rsp = uint64(w.SP())

	cu.Release()
	debugNew("user", t, log.Fields{"ip": ip.String(), "sp": sp.String()})
	return t, nil
}

// NewIdleThread returns the thread standing for the boot flow of a CPU. It
// is already running and has no frame; it becomes resumable once the CPU
// first switches away from it.
func (p *Platform) NewIdleThread() *Thread {
	return mustThread(p.TryNewIdleThread())
}

// TryNewIdleThread is NewIdleThread returning linuxerr.ENOMEM instead of
// panicking.
func (p *Platform) TryNewIdleThread() (*Thread, error) {
	t := &Thread{state: Running}
	cu := cleanup.Cleanup{}
	defer cu.Clean()
	if err := p.allocStacks(&cu, t); err != nil {
		return nil, err
	}
	cu.Release()
	debugNew("idle", t, log.Fields{})
	return t, nil
}

// Fork returns the child of parent, which is in the system call captured by
// f. The child returns from that system call with RAX zero and every other
// user register, including RIP, RSP and RFLAGS, as captured.
//
// If parent has an extended-state area, the child's is filled from the live
// extended registers, which belong to parent since it must be running.
//
// Any allocation failure returns linuxerr.ENOMEM with nothing leaked.
func (p *Platform) Fork(parent *Thread, f *ring0.SyscallFrame) (*Thread, error) {
	if parent.state != Running {
		panic(fmt.Sprintf("fork of %v", parent))
	}
	child := &Thread{fsbase: parent.fsbase}
	cu := cleanup.Cleanup{}
	defer cu.Clean()
	if err := p.allocXsave(&cu, child); err != nil {
		return nil, err
	}
	var err error
	if child.kernelStack, err = p.allocPage(&cu, pgalloc.Stack, "kernel stack"); err != nil {
		return nil, err
	}
	if err := p.allocStacks(&cu, child); err != nil {
		return nil, err
	}
	if parent.xsaveArea != nil {
		p.HW.XSave(*child.xsaveArea, p.xcr0)
	}

	w := frame.NewWriter(p.Mem, child.kernelStack+KernelStackSize, frame.ForkStartWords)
	iret := frame.IretFrame{
		Rip:    f.Rip,
		Cs:     uint64(ring0.Ucode64),
		Rflags: f.Rflags,
		Rsp:    f.Rsp,
		Ss:     uint64(ring0.Udata),
	}
	iret.Push(w)
	regs := frame.ForkChildFrame{
		Rdx: f.Rdx,
		Rdi: f.Rdi,
		Rsi: f.Rsi,
		R8:  f.R8,
		R9:  f.R9,
		R10: f.R10,
		Rcx: f.Rip,
		R11: f.Rflags,
	}
	regs.Push(w)
	footer := frame.SwitchFooter{
		Rip:    uint64(p.Entries.ForkedChildEntry),
		Rbp:    f.Rbp,
		Rbx:    f.Rbx,
		R12:    f.R12,
		R13:    f.R13,
		R14:    f.R14,
		R15:    f.R15,
		Rflags: ring0.KernelFlagsSet,
	}
	footer.Push(w)
	child.rsp = uint64(w.SP())

	cu.Release()
	debugNew("fork", child, log.Fields{"parent": parent.String(), "ip": hostarch.Addr(f.Rip).String()})
	return child, nil
}
