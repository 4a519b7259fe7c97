// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"time"

	"rsc.io/getopt"
)

type SimulateFlagValues struct {
	Output  string
	Timeout time.Duration
	Verbose bool
}

// SimulateFlagSet returns the flags accepted by "simcloud simulate".
// The caller adds the -config flag with config.Loader.SetupFlags.
func SimulateFlagSet() (*getopt.FlagSet, *SimulateFlagValues) {
	values := &SimulateFlagValues{Output: "-"}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.StringVar(&values.Output, "output", values.Output, "Write results to `file` or s3://bucket/key (\"-\" means stdout)")
	flags.Alias("o", "output")
	flags.DurationVar(&values.Timeout, "timeout", 0, "Interrupt the batch after this long (0 means no limit)")
	flags.Alias("t", "timeout")
	flags.BoolVar(&values.Verbose, "verbose", false, "Log debug messages on stderr")
	flags.Alias("v", "verbose")
	return flags, values
}

type ManageFlagValues struct {
	Format string
	URL    string
}

// ManageFlagSet returns the flags accepted by the management API
// client commands.
func ManageFlagSet() (*getopt.FlagSet, *ManageFlagValues) {
	values := &ManageFlagValues{Format: "json"}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.StringVar(&values.Format, "format", values.Format, "Output format: json or yaml")
	flags.Alias("f", "format")
	flags.StringVar(&values.URL, "url", "", "Manager management API `URL` (default is derived from Services.Manager.Listen)")
	flags.Alias("u", "url")
	return flags, values
}
