// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package registry implements a small service where workers announce
// themselves under a service tag, and managers look them up.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// registry maps service tag -> endpoint -> time of last
// announcement.
type registry struct {
	logger         logrus.FieldLogger
	pruningTimeout time.Duration
	now            func() time.Time

	mtx     sync.Mutex
	entries map[string]map[discovery.Endpoint]time.Time

	mEntries *prometheus.GaugeVec
}

func newRegistry(logger logrus.FieldLogger, pruningTimeout time.Duration, reg *prometheus.Registry) *registry {
	r := &registry{
		logger:         logger,
		pruningTimeout: pruningTimeout,
		now:            time.Now,
		entries:        map[string]map[discovery.Endpoint]time.Time{},
	}
	r.registerMetrics(reg)
	return r
}

func (r *registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Subsystem: "registry",
		Name:      "entries",
		Help:      "Number of registered endpoints, by service tag.",
	}, []string{"tag"})
	reg.MustRegister(r.mEntries)
}

// Put records that ep is advertising tag now.
func (r *registry) Put(tag string, ep discovery.Endpoint) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	eps := r.entries[tag]
	if eps == nil {
		eps = map[discovery.Endpoint]time.Time{}
		r.entries[tag] = eps
	}
	if _, ok := eps[ep]; !ok {
		r.logger.WithFields(logrus.Fields{
			"ServiceTag": tag,
			"Endpoint":   ep.String(),
		}).Info("new endpoint registered")
	}
	eps[ep] = r.now()
	r.mEntries.WithLabelValues(tag).Set(float64(len(eps)))
}

// Delete removes ep from tag, and reports whether it was there.
func (r *registry) Delete(tag string, ep discovery.Endpoint) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	eps := r.entries[tag]
	if _, ok := eps[ep]; !ok {
		return false
	}
	delete(eps, ep)
	r.mEntries.WithLabelValues(tag).Set(float64(len(eps)))
	return true
}

// List returns the live endpoints advertising tag, sorted.
func (r *registry) List(tag string) []discovery.Endpoint {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.pruneLocked(tag)
	eps := []discovery.Endpoint{}
	for ep := range r.entries[tag] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Address != eps[j].Address {
			return eps[i].Address < eps[j].Address
		}
		return eps[i].Port < eps[j].Port
	})
	return eps
}

// Prune drops expired entries under all tags, and returns the number
// of entries dropped.
func (r *registry) Prune() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n := 0
	for tag := range r.entries {
		n += r.pruneLocked(tag)
	}
	return n
}

// caller must have lock.
func (r *registry) pruneLocked(tag string) int {
	eps := r.entries[tag]
	if eps == nil {
		return 0
	}
	cutoff := r.now().Add(-r.pruningTimeout)
	n := 0
	for ep, seen := range eps {
		if seen.Before(cutoff) {
			delete(eps, ep)
			n++
			r.logger.WithFields(logrus.Fields{
				"ServiceTag": tag,
				"Endpoint":   ep.String(),
				"LastSeen":   seen,
			}).Info("endpoint expired")
		}
	}
	if len(eps) == 0 {
		delete(r.entries, tag)
		r.mEntries.DeleteLabelValues(tag)
	} else {
		r.mEntries.WithLabelValues(tag).Set(float64(len(eps)))
	}
	return n
}

// runPruner calls Prune periodically until ctx is done.
func (r *registry) runPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune()
		}
	}
}
