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

// Package pgalloc contains the page allocator the execution-context core
// draws kernel stacks and extended-state areas from.
package pgalloc

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
	"github.com/h4sh5/kerla/pkg/errors/linuxerr"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/log"
	"github.com/h4sh5/kerla/pkg/sync"
	"golang.org/x/sys/unix"
)

// Kind describes what an allocation is used for.
type Kind int

const (
	// Stack pages back kernel, interrupt and syscall stacks.
	Stack Kind = iota

	// ExtendedState pages back xsave areas.
	ExtendedState
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Stack:
		return "stack"
	case ExtendedState:
		return "extended-state"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Allocator is a page-granular allocation service.
type Allocator interface {
	// Allocate returns the page-aligned base address of n contiguous, zeroed
	// pages. It returns linuxerr.ENOMEM when the request cannot be
	// satisfied.
	Allocate(n int, kind Kind) (hostarch.Addr, error)

	// Free returns n pages starting at addr, as previously returned by
	// Allocate.
	Free(addr hostarch.Addr, n int)
}

// DefaultBase is the address the first page of a MemoryFile is mapped at by
// default: the start of the higher half.
const DefaultBase hostarch.Addr = 0xffff800000000000

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Base is the kernel address of the first page. Zero selects
	// DefaultBase.
	Base hostarch.Addr

	// Pages is the number of pages in the file.
	Pages int
}

// allocation is a live range in a MemoryFile.
type allocation struct {
	start hostarch.Addr
	pages int
	kind  Kind
}

func (a allocation) end() hostarch.Addr {
	return a.start + hostarch.Addr(a.pages)*hostarch.PageSize
}

// MemoryFile is a fixed-size arena of anonymous memory, addressed by kernel
// addresses starting at its base. It implements Allocator and provides the
// word accessors frames are built with.
//
// MemoryFile is safe for concurrent use.
type MemoryFile struct {
	base hostarch.Addr
	data []byte

	mu sync.Mutex

	// allocs is ordered by start address. Protected by mu.
	allocs *btree.BTreeG[allocation]

	// used is the number of allocated pages. Protected by mu.
	used int
}

// NewMemoryFile maps a new MemoryFile.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Pages <= 0 {
		return nil, fmt.Errorf("invalid memory file size: %d pages", opts.Pages)
	}
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	if !base.IsPageAligned() {
		return nil, fmt.Errorf("memory file base %v is not page aligned", base)
	}
	size := uint64(opts.Pages) * hostarch.PageSize
	if _, ok := base.AddLength(size); !ok {
		return nil, fmt.Errorf("memory file at %v with %d pages wraps the address space", base, opts.Pages)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d pages: %w", opts.Pages, err)
	}
	return &MemoryFile{
		base: base,
		data: data,
		allocs: btree.NewG(8, func(a, b allocation) bool {
			return a.start < b.start
		}),
	}, nil
}

// Close unmaps the file. No method may be called afterwards.
func (f *MemoryFile) Close() error {
	data := f.data
	f.data = nil
	return unix.Munmap(data)
}

// Base returns the address of the first page.
func (f *MemoryFile) Base() hostarch.Addr {
	return f.base
}

// Pages returns the total number of pages in the file.
func (f *MemoryFile) Pages() int {
	return len(f.data) / hostarch.PageSize
}

// Allocated returns the number of pages currently allocated.
func (f *MemoryFile) Allocated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// AllocatedKind returns the number of pages currently allocated as kind.
func (f *MemoryFile) AllocatedKind(kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	f.allocs.Ascend(func(a allocation) bool {
		if a.kind == kind {
			n += a.pages
		}
		return true
	})
	return n
}

// Allocate implements Allocator.Allocate with a first-fit search.
func (f *MemoryFile) Allocate(n int, kind Kind) (hostarch.Addr, error) {
	if n <= 0 {
		return 0, linuxerr.EINVAL
	}
	need := hostarch.Addr(n) * hostarch.PageSize
	end := f.base + hostarch.Addr(len(f.data))

	f.mu.Lock()
	defer f.mu.Unlock()

	cursor := f.base
	found := false
	f.allocs.Ascend(func(a allocation) bool {
		if a.start-cursor >= need {
			found = true
			return false
		}
		cursor = a.end()
		return true
	})
	if !found && end-cursor < need {
		log.Debugf("Memory file exhausted: %d of %d pages in use, %d %s pages requested", f.used, f.Pages(), n, kind)
		return 0, linuxerr.ENOMEM
	}

	f.allocs.ReplaceOrInsert(allocation{start: cursor, pages: n, kind: kind})
	f.used += n
	clear(f.slice(cursor, int(need)))
	return cursor, nil
}

// Free implements Allocator.Free.
func (f *MemoryFile) Free(addr hostarch.Addr, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.allocs.Get(allocation{start: addr})
	if !ok {
		panic(fmt.Sprintf("free of unallocated address %v", addr))
	}
	if a.pages != n {
		panic(fmt.Sprintf("free of %d pages at %v, allocated %d", n, addr, a.pages))
	}
	f.allocs.Delete(a)
	f.used -= n
}

// Contains returns true if the word at addr lies within the file.
func (f *MemoryFile) Contains(addr hostarch.Addr) bool {
	return addr >= f.base && addr-f.base <= hostarch.Addr(len(f.data)-hostarch.WordSize)
}

// slice returns the bytes [addr, addr+n). It panics on any out-of-range
// access: a stray pointer into kernel memory is a logic error.
func (f *MemoryFile) slice(addr hostarch.Addr, n int) []byte {
	if addr < f.base || n < 0 || uint64(addr-f.base)+uint64(n) > uint64(len(f.data)) {
		panic(fmt.Sprintf("access to [%v, +%#x) outside memory file [%v, +%#x)", addr, n, f.base, len(f.data)))
	}
	off := addr - f.base
	return f.data[off : off+hostarch.Addr(n)]
}

// Bytes returns the n bytes at addr. The slice aliases the file.
func (f *MemoryFile) Bytes(addr hostarch.Addr, n int) []byte {
	return f.slice(addr, n)
}

// ReadUint64 reads the little-endian word at addr, which must be 8-byte
// aligned.
func (f *MemoryFile) ReadUint64(addr hostarch.Addr) uint64 {
	checkAligned(addr)
	return binary.LittleEndian.Uint64(f.slice(addr, hostarch.WordSize))
}

// WriteUint64 writes v as a little-endian word at addr, which must be 8-byte
// aligned.
func (f *MemoryFile) WriteUint64(addr hostarch.Addr, v uint64) {
	checkAligned(addr)
	binary.LittleEndian.PutUint64(f.slice(addr, hostarch.WordSize), v)
}

func checkAligned(addr hostarch.Addr) {
	if addr%hostarch.WordSize != 0 {
		panic(fmt.Sprintf("misaligned word access at %v", addr))
	}
}
