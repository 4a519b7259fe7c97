// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package simcloud

import (
	"encoding/json"
	"net/http"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/scheduler"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/worker"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/auth"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/health"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobsView is the management API's view of the current batch.
type JobsView struct {
	Size     int                      `json:"size"`
	Filled   int                      `json:"filled"`
	Queued   []int                    `json:"queued"`
	InFlight []scheduler.InFlightJob `json:"inflight"`
}

// ServeHTTP implements service.Handler.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.setupOnce.Do(m.setupHTTP)
	m.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (m *Manager) CheckHealth() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.stopped {
		return ErrStopped
	}
	return nil
}

// Done implements service.Handler.
func (m *Manager) Done() <-chan struct{} {
	return m.sched.Done()
}

func (m *Manager) setupHTTP() {
	if m.cluster.ManagementToken == "" {
		m.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/simcloud/v1/workers", m.apiWorkers)
	mux.HandlerFunc("GET", "/simcloud/v1/jobs", m.apiJobs)
	mux.HandlerFunc("POST", "/simcloud/v1/interrupt", m.apiInterrupt)
	metricsH := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		ErrorLog: m.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/metrics.json", metricsH)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  m.cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": m.CheckHealth},
	})
	m.httpHandler = auth.RequireLiteralToken(m.cluster.ManagementToken, mux)
}

// Management API: all known workers, with their slot counts.
func (m *Manager) apiWorkers(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []worker.Descriptor `json:"items"`
	}
	resp.Items = m.pool.Workers()
	json.NewEncoder(w).Encode(resp)
}

// Management API: progress of the current batch.
func (m *Manager) apiJobs(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(m.jobsView())
}

// Management API: interrupt the current batch.
func (m *Manager) apiInterrupt(w http.ResponseWriter, r *http.Request) {
	m.Interrupt()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) jobsView() JobsView {
	return JobsView{
		Size:     m.table.Len(),
		Filled:   m.table.Filled(),
		Queued:   m.queue.Indexes(),
		InFlight: m.sched.InFlight(),
	}
}
