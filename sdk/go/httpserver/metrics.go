// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrumented is an http.Handler that records request metrics in a
// prometheus registry.
type Instrumented struct {
	http.Handler
	export http.Handler
}

// Instrument wraps next with request count, duration, time to status
// and in-flight metrics, registered in registry. A nil registry
// means a new private one.
func Instrument(registry *prometheus.Registry, logger logrus.FieldLogger, next http.Handler) *Instrumented {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Name:      "requests_inflight",
		Help:      "Number of requests being served.",
	})
	duration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "simcloud",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	timeToStatus := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "simcloud",
		Name:      "time_to_status_seconds",
		Help:      "Summary of time until response status is sent.",
	}, []string{"code", "method"})
	registry.MustRegister(inflight, duration, timeToStatus)

	var h http.Handler = promhttp.InstrumentHandlerTimeToWriteHeader(timeToStatus, next)
	h = promhttp.InstrumentHandlerDuration(duration, h)
	h = promhttp.InstrumentHandlerInFlight(inflight, h)
	return &Instrumented{
		Handler: h,
		export: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: logger,
		}),
	}
}

// ServeAPI returns a handler that serves "GET /metrics" from the
// registry, and passes every other request to next. If token is not
// empty, clients must present it to read metrics.
func (m *Instrumented) ServeAPI(token string, next http.Handler) http.Handler {
	export := auth.RequireLiteralToken(token, m.export)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/metrics" && (req.Method == "GET" || req.Method == "HEAD") {
			export.ServeHTTP(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}
