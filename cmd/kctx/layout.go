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

	"github.com/google/subcommands"
	"github.com/h4sh5/kerla/pkg/config"
	"github.com/h4sh5/kerla/pkg/frame"
	"github.com/h4sh5/kerla/pkg/hostarch"
	"github.com/h4sh5/kerla/pkg/ring0"
	"github.com/h4sh5/kerla/pkg/sync"
	"github.com/h4sh5/kerla/pkg/thread"
)

// Example values the sample frames are built from.
const (
	exampleKernelIP = 0xffffffff81000000
	exampleUserIP   = 0x401000
	exampleUserSP   = 0x7ffffffde000
	exampleHandler  = 0x402000
	exampleAltStack = 0x7ffffffd0000
)

// exampleSyscall is the system call the sample fork frame is built from.
var exampleSyscall = ring0.SyscallFrame{
	Rip:    exampleUserIP + 0x34,
	Rsp:    exampleUserSP - 0x100,
	Rflags: 0x246,
	Rax:    57,
	Rbx:    0xb,
	Rcx:    exampleUserIP + 0x34,
	Rdx:    0xd,
	Rsi:    0x5,
	Rdi:    0x1,
	Rbp:    exampleUserSP - 0x20,
	R8:     0x8,
	R9:     0x9,
	R10:    0xa,
	R11:    0x246,
}

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	kind   string
	output string
}

// layoutRow is one decoded stack word.
type layoutRow struct {
	Addr  string `json:"addr"`
	Layer string `json:"layer"`
	Field string `json:"field"`
	Value string `json:"value"`
	Entry string `json:"entry,omitempty"`
}

// layoutDoc is a decoded frame as rendered.
type layoutDoc struct {
	Kind  string      `json:"kind"`
	SP    string      `json:"sp"`
	Words int         `json:"words"`
	Rows  []layoutRow `json:"rows"`
}

type layoutOutputFunc func(io.Writer, *layoutDoc) error

var layoutOutputMap = map[string]layoutOutputFunc{
	"table": layoutTable,
	"json":  layoutJSON,
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "Build and decode the initial frame of a thread."
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [options] - Build the initial frame of a kernel, user, forked or
signalled thread on a simulated CPU and print it word by word, lowest address
first.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.kind, "kind", "kernel", "Frame to build (kernel, user, fork, signal).")
	f.StringVar(&l.output, "o", "table", "Output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	out, ok := layoutOutputMap[l.output]
	if !ok {
		return failure("Unsupported output format %q", l.output)
	}
	s, err := newSystem(conf)
	if err != nil {
		return failure("Error booting machine: %v", err)
	}
	defer s.Close()

	doc, err := buildLayout(s, l.kind)
	if err != nil {
		return failure("Error building %s frame: %v", l.kind, err)
	}
	if err := out(os.Stdout, doc); err != nil {
		return failure("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// buildThread constructs a thread of the given kind on the first CPU of s.
func buildThread(s *system, kind string) (*thread.Thread, error) {
	c := s.cpus[0]
	switch kind {
	case "kernel", "signal":
		sp, err := s.stack()
		if err != nil {
			return nil, err
		}
		t, err := c.p.TryNewKernelThread(exampleKernelIP, sp)
		if err != nil || kind == "kernel" {
			return t, err
		}
		guard := sync.NewSpinLock(*t).Lock()
		t = guard.Value()
		c.p.SetSignalEntry(guard, exampleHandler, exampleAltStack, 11, 0x7ffffffd1000, 0x7ffffffd2000, false)
		guard.Unlock()
		return t, nil
	case "user":
		sp, err := s.stack()
		if err != nil {
			return nil, err
		}
		return c.p.TryNewUserThread(exampleUserIP, exampleUserSP, sp)
	case "fork":
		f := exampleSyscall
		return c.p.Fork(c.idle, &f)
	default:
		return nil, fmt.Errorf("unknown frame kind %q", kind)
	}
}

// buildLayout builds a thread of the given kind and decodes its frame.
func buildLayout(s *system, kind string) (*layoutDoc, error) {
	t, err := buildThread(s, kind)
	if err != nil {
		return nil, err
	}
	entries := &s.cpus[0].p.Entries
	l, err := frame.Decode(s.mf, t.RSP(), entries)
	if err != nil {
		return nil, err
	}
	return &layoutDoc{
		Kind:  l.Kind.String(),
		SP:    l.SP.String(),
		Words: l.Words(),
		Rows:  layoutRows(l, entries),
	}, nil
}

// layoutRows flattens l into one row per word.
func layoutRows(l *frame.Layout, entries *frame.Entries) []layoutRow {
	var rows []layoutRow
	addr := l.SP
	for _, layer := range l.Layers {
		for _, field := range layer.Fields() {
			rows = append(rows, layoutRow{
				Addr:  addr.String(),
				Layer: layer.Name(),
				Field: field.Name,
				Value: fmt.Sprintf("%#x", field.Value),
				Entry: entries.Name(hostarch.Addr(field.Value)),
			})
			addr += hostarch.WordSize
		}
	}
	return rows
}

func layoutTable(w io.Writer, doc *layoutDoc) error {
	if _, err := fmt.Fprintf(w, "%s frame at %s (%d words):\n\n", doc.Kind, doc.SP, doc.Words); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", "ADDR", "LAYER", "FIELD", "VALUE", "ENTRY"); err != nil {
		return err
	}
	for _, r := range doc.Rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Addr, r.Layer, r.Field, r.Value, r.Entry); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func layoutJSON(w io.Writer, doc *layoutDoc) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(doc)
}
