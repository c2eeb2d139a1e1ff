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

// Binary kctx builds, decodes and switches thread execution contexts on a
// simulated x86-64 machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/h4sh5/kerla/pkg/config"
	"github.com/h4sh5/kerla/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine configuration. Defaults are used if unset.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	logFormat  = flag.String("log-format", "", "log format (text or json), overriding the configuration.")
	cpus       = flag.Int("cpus", 0, "number of simulated CPUs, overriding the configuration.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Layout), "")
	subcommands.Register(new(Switch), "")
	subcommands.Register(new(PrintConfig), "")

	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kctx: %v\n", err)
		os.Exit(2)
	}

	log.SetTarget(newEmitter(conf.LogFormat, os.Stderr))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	conf.Log()

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// loadConfig returns the configuration file, or the defaults, with the
// command line overrides applied.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *debug {
		conf.Debug = true
	}
	if *logFormat != "" {
		conf.LogFormat = *logFormat
	}
	if *cpus != 0 {
		conf.CPUs = *cpus
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	default:
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
	}
}

// failure reports a command error and returns the failing exit status.
func failure(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// PrintConfig implements subcommands.Command for the "config" command.
type PrintConfig struct{}

// Name implements subcommands.Command.Name.
func (*PrintConfig) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PrintConfig) Synopsis() string {
	return "Print the effective machine configuration."
}

// Usage implements subcommands.Command.Usage.
func (*PrintConfig) Usage() string {
	return `config - Print the effective machine configuration as TOML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*PrintConfig) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*PrintConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := conf.Write(os.Stdout); err != nil {
		return failure("Error writing config: %v", err)
	}
	return subcommands.ExitSuccess
}
