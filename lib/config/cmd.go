// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cmd"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/ghodss/yaml"
)

// DumpCommand prints the effective config (defaults included) as
// YAML. Unknown keys are reported on stderr but are not fatal.
var DumpCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, code := loadForCommand(prog, args, stdin, stderr, stderr, true)
	if cfg == nil {
		return code
	}
	out, err := yaml.Marshal(cfg)
	if err == nil {
		_, err = stdout.Write(out)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// CheckCommand validates the config. It exits 1 if the config is
// invalid, and also if anything was logged while loading it (e.g.,
// unknown keys).
var CheckCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logw := &watchWriter{Writer: stderr}
	cfg, code := loadForCommand(prog, args, stdin, stderr, logw, false)
	if cfg == nil {
		return code
	}
	if logw.wrote {
		return 1
	}
	return 0
})

// DumpDefaultsCommand prints the built-in default config.
var DumpDefaultsCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, err := stdout.Write(DefaultYAML); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// loadForCommand parses the -config flag and loads the config,
// logging to logw. It returns a nil config and the exit code if the
// command should stop.
func loadForCommand(prog string, args []string, stdin io.Reader, stderr, logw io.Writer, skipValidation bool) (*simcloud.Config, int) {
	loader := NewLoader(stdin, ctxlog.New(logw, "text", "info"))
	loader.SkipValidation = skipValidation
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return nil, code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, 1
	}
	return cfg, 0
}

// watchWriter notes whether anything was written through it.
type watchWriter struct {
	io.Writer
	wrote bool
}

func (w *watchWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.Writer.Write(p)
}
