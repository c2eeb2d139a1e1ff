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
	"errors"
	"fmt"

	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/ring0"
)

// ErrMalformed is returned by Decode for a stack that does not hold a
// well-formed layer stack.
var ErrMalformed = errors.New("malformed frame")

// Kind identifies a complete layer stack by the footer on top of it.
type Kind int

const (
	// Switched is a footer saved by do_switch_thread itself; the thread
	// resumes inside the switch it was suspended in.
	Switched Kind = iota

	// KernelStart is a new kernel thread.
	KernelStart

	// UserStart is a new user thread.
	UserStart

	// ForkStart is a forked child.
	ForkStart

	// PendingSignal is a signal layer atop a prior frame.
	PendingSignal
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Switched:
		return "switched"
	case KernelStart:
		return "kernel-start"
	case UserStart:
		return "user-start"
	case ForkStart:
		return "fork-start"
	case PendingSignal:
		return "pending-signal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// maxSignalDepth bounds how many pending signal layers Decode follows.
const maxSignalDepth = 32

// Layout is a decoded layer stack.
type Layout struct {
	// SP is the stack pointer the layout was decoded from.
	SP hostarch.Addr

	// Kind is the kind of the outermost stack.
	Kind Kind

	// Layers are the layers in pop order.
	Layers []Layer

	// End is the address just past the last decoded word.
	End hostarch.Addr
}

// Words returns the number of words the layout spans.
func (l *Layout) Words() int {
	return int((l.End - l.SP) / hostarch.WordSize)
}

// Decode walks the layer stack at sp the way the resumption paths would and
// checks every layer against the protocol: cooperative footers must carry
// valid kernel flags (interrupts disabled, arithmetic flags free),
// trap-return frames must carry user selectors and enabled interrupts.
func Decode(mem Memory, sp hostarch.Addr, entries *Entries) (*Layout, error) {
	if sp == 0 || sp%hostarch.WordSize != 0 {
		return nil, fmt.Errorf("%w: invalid stack pointer %v", ErrMalformed, sp)
	}
	l := &Layout{SP: sp}
	r := NewReader(mem, sp)
	for depth := 0; ; depth++ {
		if depth == maxSignalDepth {
			return nil, fmt.Errorf("%w: more than %d nested signal layers", ErrMalformed, maxSignalDepth)
		}
		footer := PopSwitchFooter(r)
		if !ring0.KernelFlagsValid(footer.Rflags) {
			return nil, fmt.Errorf("%w: switch footer at %v has rflags %#x, want reserved bit set and %#x clear", ErrMalformed, r.SP()-SwitchFooterWords*hostarch.WordSize, footer.Rflags, ring0.KernelFlagsClear)
		}
		l.Layers = append(l.Layers, &footer)

		var kind Kind
		switch hostarch.Addr(footer.Rip) {
		case entries.KthreadEntry:
			kind = KernelStart
			e := PopKernelEntry(r)
			if e.Entry == 0 {
				return nil, fmt.Errorf("%w: kernel thread with nil entry point", ErrMalformed)
			}
			l.Layers = append(l.Layers, &e)
		case entries.UserlandEntry:
			kind = UserStart
			iret := PopIretFrame(r)
			if err := checkIret(&iret); err != nil {
				return nil, err
			}
			l.Layers = append(l.Layers, &iret)
		case entries.ForkedChildEntry:
			kind = ForkStart
			child := PopForkChildFrame(r)
			iret := PopIretFrame(r)
			if err := checkIret(&iret); err != nil {
				return nil, err
			}
			if child.Rcx != iret.Rip || child.R11 != iret.Rflags {
				return nil, fmt.Errorf("%w: fork child rcx/r11 (%#x/%#x) disagree with trap return rip/rflags (%#x/%#x)", ErrMalformed, child.Rcx, child.R11, iret.Rip, iret.Rflags)
			}
			l.Layers = append(l.Layers, &child, &iret)
		case entries.SignalHandlerEntry:
			kind = PendingSignal
			sig := PopSignalFrame(r)
			if !ring0.InterruptsEnabled(sig.Rflags) {
				return nil, fmt.Errorf("%w: signal layer resumes user mode with interrupts disabled (rflags %#x)", ErrMalformed, sig.Rflags)
			}
			l.Layers = append(l.Layers, &sig)
		case entries.DirectSignalHandlerEntry:
			return nil, fmt.Errorf("%w: direct signal entry is never reached through a switch", ErrMalformed)
		default:
			kind = Switched
		}
		if depth == 0 {
			l.Kind = kind
		}
		if kind != PendingSignal {
			break
		}
		// A signal layer sits atop the frame the thread was suspended with.
	}
	l.End = r.SP()
	return l, nil
}

func checkIret(f *IretFrame) error {
	if f.Cs != uint64(ring0.Ucode64) || f.Ss != uint64(ring0.Udata) {
		return fmt.Errorf("%w: trap return with cs/ss %#x/%#x, want user selectors %#x/%#x", ErrMalformed, f.Cs, f.Ss, ring0.Ucode64, ring0.Udata)
	}
	if !ring0.InterruptsEnabled(f.Rflags) {
		return fmt.Errorf("%w: trap return to user mode with interrupts disabled (rflags %#x)", ErrMalformed, f.Rflags)
	}
	return nil
}
