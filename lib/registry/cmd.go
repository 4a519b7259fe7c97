// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"context"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/service"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/prometheus/client_golang/prometheus"
)

var Command = service.Command(simcloud.ServiceNameRegistry, newHandler)

func newHandler(ctx context.Context, cluster *simcloud.Cluster, token string, reg *prometheus.Registry) service.Handler {
	timeout := cluster.Registry.PruningTimeout.Duration()
	r := newRegistry(ctxlog.FromContext(ctx), timeout, reg)
	go r.runPruner(ctx, timeout/2)
	return newRouter(r)
}
