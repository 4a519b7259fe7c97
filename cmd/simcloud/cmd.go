// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cli"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cmd"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/config"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/registry"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simworker"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"worker":   simworker.Command,
		"registry": registry.Command,
		"simulate": simcloud.SimulateCommand,

		"get":       cli.Get,
		"interrupt": cli.Interrupt,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
