// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Procman package implements the command line of a server program and manages its process.

package procman

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexinfra/webrox/hemi"
)

// Opts describes the program.
type Opts struct {
	ProgramName  string // webrox
	ProgramTitle string // Webrox
	DebugLevel   int    // default debug level
	ConfigFile   string // default config file
}

const usage = `
%s (%s)
================================================================================

  %s [ACTION] [OPTIONS]

ACTION
------

  serve        # start as server (default)
  check        # check config file for syntax and semantic errors
  help         # show this message
  version      # show version info

  Only one action is allowed at a time.
  If ACTION is not specified, "serve" is used.

OPTIONS
-------

  -config <file>   # path to config file (default: %s)
  -debug  <level>  # debug level (default: %d, means disable. max: 2)
  -grace  <time>   # time allowed for in-flight requests on shutdown (default: 10s)

`

// Main runs the program and doesn't return.
func Main(opts *Opts) {
	os.Exit(Run(opts, os.Args[1:], os.Stdout))
}

// Run runs an action with args and returns the exit code.
func Run(opts *Opts, args []string, out io.Writer) int {
	flags := flag.NewFlagSet(opts.ProgramName, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	var (
		configFile = flags.String("config", opts.ConfigFile, "")
		debugLevel = flags.Int("debug", opts.DebugLevel, "")
		grace      = flags.Duration("grace", 10*time.Second, "")
	)
	action := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		action = args[0]
		args = args[1:]
	}
	if err := flags.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "[USE] %s\n", err.Error())
		return hemi.CodeUse
	}
	showUsage := func() {
		fmt.Fprintf(out, usage, opts.ProgramTitle, hemi.Version, opts.ProgramName, opts.ConfigFile, opts.DebugLevel)
	}

	switch action {
	case "help":
		showUsage()
		return 0
	case "version":
		fmt.Fprintln(out, hemi.Version)
		return 0
	case "check", "serve":
		hemi.SetDebugLevel(int32(*debugLevel))
		if *configFile == "" {
			fmt.Fprintln(os.Stderr, "[USE] -config is required")
			return hemi.CodeUse
		}
		stage, err := hemi.StageFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[USE] %s\n", err.Error())
			return hemi.CodeUse
		}
		if action == "check" { // dry run
			fmt.Fprintln(out, "PASS")
			return 0
		}
		return serve(stage, *grace)
	default:
		fmt.Fprintf(os.Stderr, "[USE] unknown action: %s\n", action)
		showUsage()
		return hemi.CodeUse
	}
}

func serve(stage *hemi.Stage, grace time.Duration) int {
	logger := stage.Logger()
	if err := stage.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "[ENV] %s\n", err.Error())
		return hemi.CodeEnv
	}
	logger.Info().Str("version", hemi.Version).Msg("server started")

	signals, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	failed := make(chan error, 1)
	go func() { failed <- stage.Wait() }()

	select {
	case <-signals.Done():
		logger.Info().Msg("signal received")
	case err := <-failed: // a runner failed
		if err != nil {
			logger.Error().Err(err).Msg("stage failed")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := stage.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(os.Stderr, "[ENV] %s\n", err.Error())
		return hemi.CodeEnv
	}
	return 0
}
