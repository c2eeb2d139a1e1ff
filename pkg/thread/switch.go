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
	"github.com/h4sh5/kerla/pkg/log"
	"github.com/h4sh5/kerla/pkg/ring0"
)

// SwitchThread suspends prev, which must be running on cpu, and resumes
// next. It returns when prev is switched back in.
//
// Preemption must be disabled.
func (p *Platform) SwitchThread(cpu *ring0.CPU, prev, next *Thread) {
	if prev == next {
		panic(fmt.Sprintf("switch from %v to itself", prev))
	}
	if prev.state != Running {
		panic(fmt.Sprintf("switch from %v", prev))
	}
	next.checkResumable()
	if p.VerifyFrames {
		if _, err := frame.Decode(p.Mem, next.RSP(), &p.Entries); err != nil {
			panic(fmt.Sprintf("switch into %v: %v", next, err))
		}
	}

	// Traps taken by next land on its own stacks.
	cpu.SetSyscallStack(next.SyscallStackTop())
	cpu.TSS().SetRSP0(next.InterruptStackTop())

	if prev.xsaveArea != nil {
		p.HW.XSave(*prev.xsaveArea, p.xcr0)
	}
	if next.xsaveArea != nil {
		p.HW.XRstor(*next.xsaveArea, p.xcr0)
	}

	cpu.PoisonUserRSP()
	p.HW.WriteFSBase(next.fsbase)

	if log.IsLogging(log.Debug) {
		log.WithFields(log.Fields{
			"cpu":  cpu.ID,
			"prev": prev.String(),
			"next": next.String(),
		}).Debugf("Switching threads")
	}
	prev.state = Suspended
	next.state = Running
	p.HW.SwitchThread(&prev.rsp, &next.rsp)
}
