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

// Package config describes a simulated machine: its CPUs, the arena kernel
// stacks are allocated from, and the entry primitive table.
//
// Configuration is read from TOML, for example:
//
//	cpus = 4
//	memory_pages = 512
//	verify_frames = true
//
//	[entries]
//	kthread_entry = "0xffffffff80100200"
package config

import (
	"fmt"
	"io"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/log"
	"github.com/h4sh5/kerla/pkg/pgalloc"
	"github.com/h4sh5/kerla/pkg/ring0"
	"github.com/h4sh5/kerla/pkg/ring0/sim"
)

const (
	// MaxCPUs is the largest supported CPU count.
	MaxCPUs = 256

	// PagesPerCPU is the number of pages each simulated CPU needs for its
	// boot stack, its idle thread and one kernel and one user thread.
	PagesPerCPU = 12
)

// Address is a kernel address. It is written as a string in TOML since
// kernel addresses do not fit TOML's signed integers.
type Address hostarch.Addr

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	*a = Address(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(a))), nil
}

// Entries is the [entries] table.
type Entries struct {
	KthreadEntry             Address `toml:"kthread_entry"`
	UserlandEntry            Address `toml:"userland_entry"`
	ForkedChildEntry         Address `toml:"forked_child_entry"`
	SignalHandlerEntry       Address `toml:"signal_handler_entry"`
	DirectSignalHandlerEntry Address `toml:"direct_signal_handler_entry"`
}

// Frame returns e as the table frames are built with.
func (e *Entries) Frame() frame.Entries {
	return frame.Entries{
		KthreadEntry:             hostarch.Addr(e.KthreadEntry),
		UserlandEntry:            hostarch.Addr(e.UserlandEntry),
		ForkedChildEntry:         hostarch.Addr(e.ForkedChildEntry),
		SignalHandlerEntry:       hostarch.Addr(e.SignalHandlerEntry),
		DirectSignalHandlerEntry: hostarch.Addr(e.DirectSignalHandlerEntry),
	}
}

// Config holds the machine configuration.
type Config struct {
	// CPUs is the number of simulated CPUs.
	CPUs int `toml:"cpus"`

	// MemoryPages is the size of the page arena.
	MemoryPages int `toml:"memory_pages"`

	// MemoryBase is the kernel address of the first arena page.
	MemoryBase Address `toml:"memory_base"`

	// XCR0 is the extended state mask. Zero derives it from the host.
	XCR0 uint64 `toml:"xcr0"`

	// VerifyFrames makes every switch decode the frame it resumes.
	VerifyFrames bool `toml:"verify_frames"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// Entries is the entry primitive table.
	Entries Entries `toml:"entries"`
}

// Default returns the default configuration: one CPU running the simulated
// kernel text.
func Default() *Config {
	e := sim.DefaultEntries
	return &Config{
		CPUs:         1,
		MemoryPages:  256,
		MemoryBase:   Address(pgalloc.DefaultBase),
		VerifyFrames: true,
		LogFormat:    "text",
		Entries: Entries{
			KthreadEntry:             Address(e.KthreadEntry),
			UserlandEntry:            Address(e.UserlandEntry),
			ForkedChildEntry:         Address(e.ForkedChildEntry),
			SignalHandlerEntry:       Address(e.SignalHandlerEntry),
			DirectSignalHandlerEntry: Address(e.DirectSignalHandlerEntry),
		},
	}
}

// Load reads the configuration at path over the defaults. Unknown keys are
// an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %q has unknown keys: %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		return fmt.Errorf("cpus must be in [1, %d], got %d", MaxCPUs, c.CPUs)
	}
	if need := c.CPUs * PagesPerCPU; c.MemoryPages < need {
		return fmt.Errorf("memory_pages must be at least %d for %d CPUs, got %d", need, c.CPUs, c.MemoryPages)
	}
	if !hostarch.Addr(c.MemoryBase).IsPageAligned() {
		return fmt.Errorf("memory_base %#x is not page aligned", uint64(c.MemoryBase))
	}
	if _, ok := hostarch.Addr(c.MemoryBase).AddLength(uint64(c.MemoryPages) * hostarch.PageSize); !ok {
		return fmt.Errorf("memory at %#x with %d pages wraps the address space", uint64(c.MemoryBase), c.MemoryPages)
	}
	if c.XCR0 != 0 && c.XCR0&(ring0.XCR0x87|ring0.XCR0SSE) != ring0.XCR0x87|ring0.XCR0SSE {
		return fmt.Errorf("xcr0 %#x lacks the x87 and SSE components", c.XCR0)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, must be text or json", c.LogFormat)
	}
	e := c.Entries.Frame()
	if err := e.Validate(); err != nil {
		return fmt.Errorf("entries: %w", err)
	}
	return nil
}

// EffectiveXCR0 returns the configured XCR0, or the host's if unset.
func (c *Config) EffectiveXCR0() uint64 {
	if c.XCR0 != 0 {
		return c.XCR0
	}
	return ring0.HostFeatures().XCR0()
}

// Write writes c as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Machine configuration:")
	log.Infof("\t\tcpus: %d", c.CPUs)
	log.Infof("\t\tmemory: %d pages at %#x", c.MemoryPages, uint64(c.MemoryBase))
	log.Infof("\t\txcr0: %#x", c.EffectiveXCR0())
	log.Infof("\t\tverify_frames: %t", c.VerifyFrames)
	log.Infof("\t\tlog_format: %s, debug: %t", c.LogFormat, c.Debug)
}
