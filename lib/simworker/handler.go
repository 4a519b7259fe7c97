// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package simworker implements the worker service: it runs
// simulation jobs on behalf of a manager, and reports how much load
// one job puts on the machine.
package simworker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/httpserver"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/dustin/go-humanize"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

type loadSample struct {
	CPU      float64 // percent busy
	Memory   float64 // percent in use
	MemTotal uint64  // bytes
}

type loadSampler interface {
	Sample(ctx context.Context, d time.Duration) (loadSample, error)
}

type handler struct {
	cluster   *simcloud.Cluster
	logger    logrus.FieldLogger
	simulator Simulator
	sampler   loadSampler
	mux       http.Handler

	// Capacity probes are serialized so they don't measure each
	// other's load.
	testMtx sync.Mutex

	mJobsRunning prometheus.Gauge
	mJobs        *prometheus.CounterVec
}

func newHandler(ctx context.Context, cluster *simcloud.Cluster, sim Simulator, sampler loadSampler, reg *prometheus.Registry) *handler {
	h := &handler{
		cluster:   cluster,
		logger:    ctxlog.FromContext(ctx),
		simulator: sim,
		sampler:   sampler,
	}
	h.registerMetrics(reg)
	mux := httprouter.New()
	mux.HandlerFunc("POST", simcloud.KindTest.Path(), h.handleTest)
	mux.HandlerFunc("POST", simcloud.KindSimulate.Path(), h.handleSimulate)
	h.mux = mux
	return h
}

func (h *handler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	h.mJobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Subsystem: "worker",
		Name:      "jobs_running",
		Help:      "Number of simulation jobs currently running.",
	})
	reg.MustRegister(h.mJobsRunning)
	h.mJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simcloud",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Number of simulation jobs finished, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(h.mJobs)
}

// ServeHTTP implements service.Handler.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (h *handler) CheckHealth() error {
	return nil
}

// Done implements service.Handler.
func (h *handler) Done() <-chan struct{} {
	return nil
}

// WrapListener implements service.ListenerWrapper. Each job uses
// one connection, so limiting connections limits concurrent jobs.
func (h *handler) WrapListener(ln net.Listener) net.Listener {
	if n := h.cluster.Worker.MaxConcurrentJobs; n > 0 {
		return netutil.LimitListener(ln, n)
	}
	return ln
}

func (h *handler) readRequest(w http.ResponseWriter, r *http.Request) (simcloud.JobRequest, bool) {
	var req simcloud.JobRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *handler) handleSimulate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}
	result, err := h.run(r.Context(), req.Payload)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(simcloud.JobResponse{Result: result})
}

func (h *handler) run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	h.mJobsRunning.Inc()
	defer h.mJobsRunning.Dec()
	t0 := time.Now()
	result, err := h.simulator.Run(ctx, payload)
	logger := ctxlog.FromContext(ctx).WithField("Duration", time.Since(t0))
	var appErr *simcloud.ApplicationError
	switch {
	case err == nil:
		h.mJobs.WithLabelValues("success").Inc()
		logger.Debug("simulation finished")
	case errors.As(err, &appErr):
		h.mJobs.WithLabelValues("application_error").Inc()
		logger.WithError(err).Info("simulation failed")
	default:
		h.mJobs.WithLabelValues("error").Inc()
		logger.WithError(err).Warn("error running simulation")
	}
	return result, err
}

// handleTest measures the machine's load at rest, then while running
// the probe payload once.
func (h *handler) handleTest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}
	h.testMtx.Lock()
	defer h.testMtx.Unlock()
	ctx := r.Context()
	window := h.cluster.Worker.LoadSampleTime.Duration()

	baseline, err := h.sampler.Sample(ctx, window)
	if err != nil {
		httpserver.Error(w, "error sampling baseline load: "+err.Error(), http.StatusInternalServerError)
		return
	}

	type runResult struct {
		err error
	}
	ran := make(chan runResult, 1)
	go func() {
		_, err := h.run(ctx, req.Payload)
		ran <- runResult{err}
	}()
	loaded, sampleErr := h.sampler.Sample(ctx, window)
	res := <-ran
	if res.err != nil {
		httpserver.WriteError(w, res.err)
		return
	}
	if sampleErr != nil {
		httpserver.Error(w, "error sampling load: "+sampleErr.Error(), http.StatusInternalServerError)
		return
	}

	report := simcloud.LoadReport{
		BaselineCPU:    baseline.CPU,
		BaselineMemory: baseline.Memory,
		LoadedCPU:      loaded.CPU,
		LoadedMemory:   loaded.Memory,
		MaxJobs:        h.cluster.Worker.MaxConcurrentJobs,
	}
	httpserver.Logger(r).WithFields(logrus.Fields{
		"BaselineCPU":    report.BaselineCPU,
		"LoadedCPU":      report.LoadedCPU,
		"BaselineMemory": report.BaselineMemory,
		"LoadedMemory":   report.LoadedMemory,
		"MemTotal":       humanize.IBytes(loaded.MemTotal),
	}).Info("capacity probe finished")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
