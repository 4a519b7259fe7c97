// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package simcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cli"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cmd"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/config"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/queue"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/httpserver"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// SimulateCommand runs one batch of jobs, read from a JSON array of
// payloads, and writes the results.
var SimulateCommand cmd.Handler = &simulateCommand{}

type simulateCommand struct {
	// If not nil, used instead of the configured discovery
	// driver and HTTP executor. Used in tests.
	newManager func(context.Context, *simcloud.Cluster, *prometheus.Registry) (*Manager, error)
}

func (sc *simulateCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "text", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags, values := cli.SimulateFlagSet()
	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags.FlagSet)
	if ok, code := cmd.ParseFlags(flags, prog, args, "batch.json", stderr); !ok {
		return code
	} else if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "Usage: %s [options] batch.json\n", prog)
		return 2
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}
	level := cluster.SystemLogs.LogLevel
	if values.Verbose {
		level = "debug"
	}
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, level)
	logger := log.WithField("ClusterID", cluster.ClusterID)

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	defer cancel()

	batch, err := readBatch(ctx, flags.Arg(0), stdin)
	if err != nil {
		return 1
	}

	reg := prometheus.NewRegistry()
	newManager := sc.newManager
	if newManager == nil {
		newManager = New
	}
	mgr, err := newManager(ctx, cluster, reg)
	if err != nil {
		return 1
	}
	defer mgr.Stop()

	if listen := cluster.Services.Manager.Listen; listen != "" {
		srv := &httpserver.Server{
			Server: http.Server{
				Handler: httpserver.AddRequestIDs(
					httpserver.LogRequests(logger, mgr)),
				BaseContext: func(net.Listener) context.Context { return ctx },
			},
			Addr: listen,
		}
		err = srv.Start()
		if err != nil {
			return 1
		}
		defer srv.Close()
		logger.WithField("Listen", srv.Addr).Info("management API listening")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigs)
		close(sigs)
	}()
	go func() {
		for sig := range sigs {
			logger.WithField("Signal", sig).Info("interrupting batch")
			mgr.Interrupt()
		}
	}()

	simCtx := ctx
	if values.Timeout > 0 {
		var simCancel context.CancelFunc
		simCtx, simCancel = context.WithTimeout(ctx, values.Timeout)
		defer simCancel()
	}
	results, err := mgr.Simulate(simCtx, batch)
	if err != nil {
		return 1
	}

	buf, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return 1
	}
	err = writeResults(ctx, values.Output, append(buf, '\n'), stdout)
	if err != nil {
		return 1
	}
	if n := countUnfinished(results); n > 0 {
		logger.WithFields(logrus.Fields{
			"Unfinished": n,
			"Jobs":       len(results),
		}).Warn("some jobs did not finish")
		return 1
	}
	return 0
}

func countUnfinished(results []queue.Result) int {
	n := 0
	for _, res := range results {
		if !res.Done {
			n++
		}
	}
	return n
}
