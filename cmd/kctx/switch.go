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
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/h4sh5/kerla/pkg/config"
	"github.com/h4sh5/kerla/pkg/log"
	"github.com/h4sh5/kerla/pkg/ring0"
	"golang.org/x/sync/errgroup"
)

// Switch implements subcommands.Command for the "switch" command.
type Switch struct {
	rounds int
	output string
}

// switchResult summarizes the switching done on one CPU.
type switchResult struct {
	CPU       int           `json:"cpu"`
	Switches  int           `json:"switches"`
	XCR0Reads int           `json:"xcr0_reads"`
	XSaves    int           `json:"xsaves"`
	XRstors   int           `json:"xrstors"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

type switchOutputFunc func(io.Writer, []switchResult) error

var switchOutputMap = map[string]switchOutputFunc{
	"table": switchTable,
	"json":  switchJSON,
}

// Name implements subcommands.Command.Name.
func (*Switch) Name() string {
	return "switch"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Switch) Synopsis() string {
	return "Run ping-pong thread switching on every simulated CPU."
}

// Usage implements subcommands.Command.Usage.
func (*Switch) Usage() string {
	return `switch [options] - Start a kernel and a user thread on each CPU and switch
between them. The user thread traps into the kernel before every switch out
and returns from that system call after every switch back in.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Switch) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.rounds, "rounds", 1000, "Round trips per CPU.")
	f.StringVar(&s.output, "o", "table", "Output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (s *Switch) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	out, ok := switchOutputMap[s.output]
	if !ok {
		return failure("Unsupported output format %q", s.output)
	}
	if s.rounds < 0 {
		return failure("Invalid round count %d", s.rounds)
	}
	sys, err := newSystem(conf)
	if err != nil {
		return failure("Error booting machine: %v", err)
	}
	defer sys.Close()

	results, err := runSwitch(ctx, sys, s.rounds)
	if err != nil {
		return failure("Error switching: %v", err)
	}
	if err := out(os.Stdout, results); err != nil {
		return failure("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// runSwitch runs rounds kernel/user round trips on every CPU of sys in
// parallel.
func runSwitch(ctx context.Context, sys *system, rounds int) ([]switchResult, error) {
	results := make([]switchResult, len(sys.cpus))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range sys.cpus {
		i, c := i, c
		ksp, err := sys.stack()
		if err != nil {
			return nil, err
		}
		usp, err := sys.stack()
		if err != nil {
			return nil, err
		}
		k, err := c.p.TryNewKernelThread(exampleKernelIP, ksp)
		if err != nil {
			return nil, err
		}
		u, err := c.p.TryNewUserThread(exampleUserIP, exampleUserSP, usp)
		if err != nil {
			return nil, err
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("CPU %d: %v", c.cpu.ID, r)
				}
			}()
			start := time.Now()
			c.p.SwitchThread(c.cpu, c.idle, k)
			// sc is u's pending syscall; nil until its first trap.
			var sc *ring0.SyscallFrame
			for r := 0; r < rounds; r++ {
				if err := ctx.Err(); err != nil {
					c.p.SwitchThread(c.cpu, k, c.idle)
					return err
				}
				c.p.SwitchThread(c.cpu, k, u)
				if sc != nil {
					c.m.Sysret(sc)
				}
				sc = c.m.Trap(c.cpu)
				c.p.SwitchThread(c.cpu, u, k)
			}
			c.p.SwitchThread(c.cpu, k, c.idle)
			if got := c.m.Regs.Rsp; got != uint64(c.boot) {
				return fmt.Errorf("CPU %d resumed its boot flow with rsp %#x, want %v", c.cpu.ID, got, c.boot)
			}
			k.Release(sys.mf)
			u.Release(sys.mf)

			results[i] = switchResult{
				CPU:       c.cpu.ID,
				Switches:  c.m.Stats.Switches,
				XCR0Reads: c.m.Stats.XCR0Reads,
				XSaves:    c.m.Stats.XSaves,
				XRstors:   c.m.Stats.XRstors,
				Elapsed:   time.Since(start),
			}
			log.Debugf("CPU %d: %d switches in %v", c.cpu.ID, c.m.Stats.Switches, results[i].Elapsed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func switchTable(w io.Writer, results []switchResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", "CPU", "SWITCHES", "XCR0", "XSAVE", "XRSTOR", "ELAPSED"); err != nil {
		return err
	}
	for _, r := range results {
		if _, err := fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%v\n", r.CPU, r.Switches, r.XCR0Reads, r.XSaves, r.XRstors, r.Elapsed); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func switchJSON(w io.Writer, results []switchResult) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(results)
}
