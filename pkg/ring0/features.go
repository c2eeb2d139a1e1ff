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
	"github.com/h4sh5/kerla/pkg/sync"
	"golang.org/x/sys/cpu"
)

// XCR0 state-component bits.
const (
	XCR0x87      = 1 << 0
	XCR0SSE      = 1 << 1
	XCR0AVX      = 1 << 2
	XCR0Opmask   = 1 << 5
	XCR0ZMMHi256 = 1 << 6
	XCR0Hi16ZMM  = 1 << 7

	// XCR0AVX512 covers the three AVX-512 state components.
	XCR0AVX512 = XCR0Opmask | XCR0ZMMHi256 | XCR0Hi16ZMM
)

// Features are the extended-state capabilities of a CPU.
type Features struct {
	// XSAVE is set if the OS has enabled XSAVE (CR4.OSXSAVE).
	XSAVE bool

	// AVX and AVX512 report the vector register classes present.
	AVX    bool
	AVX512 bool
}

// XCR0 returns the state-component bitmap XSAVE/XRSTOR operate on for f.
// x87 and SSE are architecturally always enabled.
func (f Features) XCR0() uint64 {
	mask := uint64(XCR0x87 | XCR0SSE)
	if !f.XSAVE {
		return mask
	}
	if f.AVX {
		mask |= XCR0AVX
	}
	if f.AVX512 {
		mask |= XCR0AVX512
	}
	return mask
}

// HostFeatures returns the features of the CPU this process runs on. It is
// computed once.
var HostFeatures = sync.OnceValue(func() Features {
	return Features{
		XSAVE:  cpu.X86.HasOSXSAVE,
		AVX:    cpu.X86.HasAVX,
		AVX512: cpu.X86.HasAVX512F,
	}
})
