// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// FlagSet is implemented by *flag.FlagSet and by rsc.io/getopt's
// *FlagSet.
type FlagSet interface {
	Init(string, flag.ErrorHandling)
	Args() []string
	NArg() int
	Parse([]string) error
	SetOutput(io.Writer)
	PrintDefaults()
}

// ParseFlags parses args into f, reporting problems on stderr.
//
// positional describes the accepted positional arguments for the
// usage message ("Usage: prog [options] positional"). If it is
// empty, positional arguments are rejected.
//
// When ok is false the caller should exit right away with exitCode:
// 0 after printing help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
		f.SetOutput(stderr)
		f.PrintDefaults()
		return false, 0
	}
	if err == nil && positional == "" && f.NArg() > 0 {
		err = fmt.Errorf("unrecognized command line arguments: %v", f.Args())
	} else if err != nil {
		err = fmt.Errorf("error parsing command line arguments: %w", err)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s (try -help)\n", err)
		return false, 2
	}
	return true, 0
}
