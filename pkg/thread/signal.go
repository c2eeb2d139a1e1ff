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

	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/ring0"
	"github.com/h4sh5/kerla/pkg/sync"
)

// SetSignalEntry redirects the thread held by guard into a signal handler
// at ip on user stack sp, with arg1, arg2 and arg3 as its arguments.
//
// If isSelf, the thread is the one calling: the signal layer is built in a
// scratch buffer, the guard is released and control transfers directly to
// the handler. On real hardware the call does not return.
//
// Otherwise the thread is suspended and a signal layer plus switch footer
// are pushed atop its saved frame, so that its next resumption enters the
// handler. The guard remains held.
func (p *Platform) SetSignalEntry(guard *sync.SpinLockGuard[Thread], ip, sp, arg1, arg2, arg3 uint64, isSelf bool) {
	t := guard.Value()
	sig := frame.NewSignalFrame(ip, sp, arg1, arg2, arg3, ring0.UserFlagsSet)

	if isSelf {
		if t.state != Running {
			panic(fmt.Sprintf("self signal delivery to %v", t))
		}
		var scratch frame.Scratch
		w := frame.NewWriter(&scratch, scratch.Top(), frame.SignalFrameWords)
		sig.Push(w)
		p.handoff(guard, &scratch, w.SP())
		return
	}

	if t.state != Suspended && t.state != Fresh {
		panic(fmt.Sprintf("signal delivery to %v", t))
	}
	if t.rsp == 0 {
		panic(fmt.Sprintf("signal delivery to %v with no frame", t))
	}
	w := frame.NewWriter(p.Mem, hostarch.Addr(t.rsp), frame.PendingSignalWords)
	sig.Push(w)
	footer := frame.SwitchFooter{
		Rip:    uint64(p.Entries.SignalHandlerEntry),
		Rflags: ring0.KernelFlagsSet,
	}
	footer.Push(w)
	t.rsp = uint64(w.SP())
}

// handoff releases guard and transfers to the direct signal handler entry
// with its stack at rsp in mem. Nothing may touch the thread after the
// release.
func (p *Platform) handoff(guard *sync.SpinLockGuard[Thread], mem frame.Memory, rsp hostarch.Addr) {
	guard.Unlock()
	p.HW.JumpToDirectSignalEntry(mem, rsp)
}
