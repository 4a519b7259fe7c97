// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package simworker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/service"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var Command = service.Command(simcloud.ServiceNameWorker, newHandlerOrErrorHandler)

func newHandlerOrErrorHandler(ctx context.Context, cluster *simcloud.Cluster, token string, reg *prometheus.Registry) service.Handler {
	sim, err := newSimulator(cluster.Worker)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, err)
	}
	sampler, err := newLoadSampler()
	if err != nil {
		return service.ErrorHandler(ctx, cluster, err)
	}
	h := newHandler(ctx, cluster, sim, sampler, reg)
	if cluster.Worker.RegistryURL != "" {
		listenAddr, ok := service.ListenAddrFromContext(ctx)
		if !ok {
			return service.ErrorHandler(ctx, cluster, errors.New("BUG: no address from service.ListenAddrFromContext"))
		}
		ep, err := advertisedEndpoint(cluster.Worker.AdvertiseAddress, listenAddr)
		if err != nil {
			return service.ErrorHandler(ctx, cluster, err)
		}
		rc, err := discovery.NewRegistryClient(cluster.Worker.RegistryURL, h.logger)
		if err != nil {
			return service.ErrorHandler(ctx, cluster, fmt.Errorf("Worker.RegistryURL: %w", err))
		}
		go registerLoop(ctx, rc, cluster.Manager.ServiceTag, ep, cluster.Worker.RegisterInterval.Duration())
	}
	return h
}

// advertisedEndpoint returns the endpoint to announce to the
// registry: the configured address (if any) and the port we listen
// on. An empty address tells the registry to use the address the
// announcement comes from.
func advertisedEndpoint(advertise, listenAddr string) (discovery.Endpoint, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return discovery.Endpoint{}, fmt.Errorf("listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 {
		return discovery.Endpoint{}, fmt.Errorf("listen address %q: cannot announce a worker without a fixed port", listenAddr)
	}
	return discovery.Endpoint{Address: advertise, Port: port}, nil
}

type registrar interface {
	Register(ctx context.Context, serviceTag string, ep discovery.Endpoint) error
}

// registerLoop announces the worker to the registry now and every
// interval until ctx is cancelled.
func registerLoop(ctx context.Context, rc registrar, tag string, ep discovery.Endpoint, interval time.Duration) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ServiceTag": tag,
		"Endpoint":   ep.String(),
	})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	registered := false
	for {
		err := rc.Register(ctx, tag, ep)
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("error registering worker")
			registered = false
		} else if err == nil && !registered {
			logger.Info("registered worker")
			registered = true
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
