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

package main

import (
	"fmt"

	"github.com/h4sh5/kerla/pkg/config"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/pgalloc"
	"github.com/h4sh5/kerla/pkg/ring0"
	"github.com/h4sh5/kerla/pkg/ring0/sim"
	"github.com/h4sh5/kerla/pkg/thread"
)

// simCPU is one simulated CPU, initially running its boot flow.
type simCPU struct {
	cpu  *ring0.CPU
	m    *sim.Machine
	p    *thread.Platform
	idle *thread.Thread
	boot hostarch.Addr
}

// system is the set of simulated CPUs sharing one page arena.
type system struct {
	mf   *pgalloc.MemoryFile
	cpus []*simCPU
}

// newSystem boots the machine described by conf.
func newSystem(conf *config.Config) (*system, error) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{
		Base:  hostarch.Addr(conf.MemoryBase),
		Pages: conf.MemoryPages,
	})
	if err != nil {
		return nil, err
	}
	s := &system{mf: mf}
	entries := conf.Entries.Frame()
	xcr0 := conf.EffectiveXCR0()
	for id := 0; id < conf.CPUs; id++ {
		boot, err := mf.Allocate(1, pgalloc.Stack)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("allocating boot stack of CPU %d: %w", id, err)
		}
		m := sim.NewMachine(mf, entries, xcr0, boot.PageTop())
		p, err := thread.NewPlatform(mf, mf, entries, m)
		if err != nil {
			s.Close()
			return nil, err
		}
		p.VerifyFrames = conf.VerifyFrames
		idle, err := p.TryNewIdleThread()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating idle thread of CPU %d: %w", id, err)
		}
		s.cpus = append(s.cpus, &simCPU{
			cpu:  ring0.NewCPU(id),
			m:    m,
			p:    p,
			idle: idle,
			boot: boot.PageTop(),
		})
	}
	return s, nil
}

// stack allocates a page and returns its top.
func (s *system) stack() (hostarch.Addr, error) {
	addr, err := s.mf.Allocate(1, pgalloc.Stack)
	if err != nil {
		return 0, err
	}
	return addr.PageTop(), nil
}

// Close unmaps the arena.
func (s *system) Close() {
	s.mf.Close()
}
