// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker keeps track of the workers advertised by discovery
// and how many more jobs each of them can accept.
package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A WorkerID identifies a worker. It is the "address:port" of its
// endpoint.
type WorkerID string

// An Executor calls the Job RPC operations of a worker.
type Executor interface {
	// Run payload once and report the worker's load before and
	// during the run.
	Test(ctx context.Context, ep discovery.Endpoint, payload json.RawMessage) (simcloud.LoadReport, error)

	// Run payload and return the simulation result. An
	// *simcloud.ApplicationError means the job failed but the
	// worker is fine; any other error means the worker is
	// unreachable or broken. Must return soon after ctx is done.
	Simulate(ctx context.Context, ep discovery.Endpoint, payload json.RawMessage) (json.RawMessage, error)
}

// A Descriptor shows a worker's capacity and state.
type Descriptor struct {
	ID       WorkerID           `json:"id"`
	Endpoint discovery.Endpoint `json:"endpoint"`

	// Jobs that can be dispatched now.
	AvailableSlots int `json:"available_slots"`

	// Slots granted by the most recent probe.
	Capacity int `json:"capacity"`

	Tested    bool `json:"tested"`
	Available bool `json:"available"`

	Probed           time.Time `json:"probed"`
	UnavailableSince time.Time `json:"unavailable_since"`
}

func (d *Descriptor) selectable() bool {
	return d.Tested && d.Available && d.AvailableSlots > 0
}

const (
	discoveryFound    = "found"
	discoveryNotFound = "not found"
	discoveryFailed   = "failed"
)

// NewPool returns a Pool that finds workers advertising the
// cluster's service tag via disc, and probes them via executor.
func NewPool(logger logrus.FieldLogger, reg *prometheus.Registry, disc discovery.Discovery, executor Executor, cluster *simcloud.Cluster) *Pool {
	wp := &Pool{
		logger:             logger,
		discovery:          disc,
		executor:           executor,
		serviceTag:         cluster.Manager.ServiceTag,
		maxCPU:             cluster.Manager.MaxCPUPercent,
		maxMemory:          cluster.Manager.MaxMemoryPercent,
		probeTimeout:       cluster.Manager.ProbeTimeout.Duration(),
		probeRetryInterval: cluster.Manager.ProbeRetryInterval.Duration(),
		reprobeInterval:    cluster.Manager.ReprobeInterval.Duration(),
	}
	wp.registerMetrics(reg)
	wp.setupOnce.Do(wp.setup)
	return wp
}

// Pool is the set of known workers and their capacity. A zero Pool
// should not be used. Call NewPool to create a new Pool.
//
// A worker is added only after it has been probed. It is removed as
// soon as discovery stops reporting it, but its jobs in flight still
// count against its capacity if it comes back.
type Pool struct {
	// configuration
	logger             logrus.FieldLogger
	discovery          discovery.Discovery
	executor           Executor
	serviceTag         string
	maxCPU             float64
	maxMemory          float64
	probeTimeout       time.Duration
	probeRetryInterval time.Duration
	reprobeInterval    time.Duration

	// private state
	subscribers    map[<-chan struct{}]chan<- struct{}
	workers        map[WorkerID]*Descriptor
	inflight       map[WorkerID]int // acquired and not yet released
	live           map[WorkerID]discovery.Endpoint // most recent discovery result
	probing        map[WorkerID]bool
	probeFailed    map[WorkerID]time.Time
	discoveryState string
	ctx            context.Context
	cancel         context.CancelFunc
	mtx            sync.Mutex
	setupOnce      sync.Once

	discoveryHoldoff holdoff

	mWorkers          prometheus.Gauge
	mWorkersAvailable prometheus.Gauge
	mSlotsAvailable   prometheus.Gauge
}

func (wp *Pool) setup() {
	wp.subscribers = map[<-chan struct{}]chan<- struct{}{}
	wp.workers = map[WorkerID]*Descriptor{}
	wp.inflight = map[WorkerID]int{}
	wp.live = map[WorkerID]discovery.Endpoint{}
	wp.probing = map[WorkerID]bool{}
	wp.probeFailed = map[WorkerID]time.Time{}
	wp.ctx, wp.cancel = context.WithCancel(context.Background())
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the pool's state that could have scheduling implications:
// a worker is added or removed, or a slot is released.
//
// Additional events that occur while the channel is already ready
// will be dropped, so it is OK if the caller services the channel
// slowly.
func (wp *Pool) Subscribe() <-chan struct{} {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	ch := make(chan struct{}, 1)
	wp.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (wp *Pool) Unsubscribe(ch <-chan struct{}) {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	delete(wp.subscribers, ch)
}

// caller must have lock.
func (wp *Pool) notify() {
	for _, send := range wp.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

// caller must have lock.
func (wp *Pool) changed() {
	wp.updateMetrics()
	wp.notify()
}

// Reconcile brings the pool up to date with discovery: workers that
// are no longer advertised are removed, and new ones are probed using
// probePayload.
//
// If wantProbes is false (nothing is waiting to run), new workers
// are not probed yet.
//
// Probes run in the background. A worker is added to the pool when
// its probe succeeds.
func (wp *Pool) Reconcile(probePayload json.RawMessage, wantProbes bool) {
	wp.setupOnce.Do(wp.setup)
	if err := wp.discoveryHoldoff.Err(); err != nil {
		wp.mtx.Lock()
		wp.logDiscoveryState(discoveryFailed, err, 0)
		wp.mtx.Unlock()
		return
	}
	eps, err := wp.discovery.Workers(wp.ctx, wp.serviceTag)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if wp.ctx.Err() != nil {
		// pool stopped
		return
	}
	if err != nil {
		wp.discoveryHoldoff.Observe(err, wp.logger)
		wp.logDiscoveryState(discoveryFailed, err, 0)
		return
	}
	if len(eps) == 0 {
		wp.logDiscoveryState(discoveryNotFound, nil, 0)
	} else {
		wp.logDiscoveryState(discoveryFound, nil, len(eps))
	}

	live := make(map[WorkerID]discovery.Endpoint, len(eps))
	for _, ep := range eps {
		live[WorkerID(ep.String())] = ep
	}
	wp.live = live

	changed := false
	for id, wkr := range wp.workers {
		if _, ok := live[id]; ok {
			continue
		}
		wp.logger.WithFields(logrus.Fields{
			"Worker":         id,
			"Available":      wkr.Available,
			"AvailableSlots": wkr.AvailableSlots,
			"InFlight":       wp.inflight[id],
		}).Info("worker disappeared")
		delete(wp.workers, id)
		changed = true
	}
	for id := range wp.probeFailed {
		if _, ok := live[id]; !ok {
			delete(wp.probeFailed, id)
		}
	}

	if wantProbes {
		now := time.Now()
		for id, ep := range live {
			if wp.probing[id] {
				continue
			}
			if wkr, known := wp.workers[id]; known {
				if wkr.Available || now.Sub(wkr.UnavailableSince) < wp.reprobeInterval {
					continue
				}
			} else if failed, ok := wp.probeFailed[id]; ok && now.Sub(failed) < wp.probeRetryInterval {
				continue
			}
			wp.probing[id] = true
			go wp.probe(id, ep, probePayload)
		}
	}
	if changed {
		wp.changed()
	}
}

// caller must have lock.
func (wp *Pool) logDiscoveryState(state string, err error, n int) {
	if state == wp.discoveryState {
		return
	}
	wp.discoveryState = state
	logger := wp.logger.WithField("ServiceTag", wp.serviceTag)
	switch state {
	case discoveryFailed:
		logger.WithError(err).Warn("worker discovery failed")
	case discoveryNotFound:
		logger.Info("no workers found")
	case discoveryFound:
		logger.WithField("N", n).Info("found workers")
	}
}

func (wp *Pool) probe(id WorkerID, ep discovery.Endpoint, payload json.RawMessage) {
	logger := wp.logger.WithField("Worker", id)
	ctx, cancel := context.WithTimeout(wp.ctx, wp.probeTimeout)
	defer cancel()
	t0 := time.Now()
	logger.Debug("probing")
	report, err := wp.executor.Test(ctx, ep, payload)

	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	delete(wp.probing, id)
	if wp.ctx.Err() != nil {
		// pool stopped
		return
	}
	if _, ok := wp.live[id]; !ok {
		logger.Debug("discarding probe result of worker that disappeared")
		return
	}
	now := time.Now()
	wkr, known := wp.workers[id]
	if err != nil {
		logger.WithError(err).WithField("Duration", now.Sub(t0)).Warn("probe failed")
		if known {
			// try again after reprobeInterval
			wkr.UnavailableSince = now
		} else {
			wp.probeFailed[id] = now
		}
		return
	}
	delete(wp.probeFailed, id)

	slots := AdmissibleSlots(report, wp.maxCPU, wp.maxMemory)
	free := slots - wp.inflight[id]
	if free < 0 {
		free = 0
	}
	logger.WithFields(logrus.Fields{
		"Duration":       now.Sub(t0),
		"BaselineCPU":    report.BaselineCPU,
		"BaselineMemory": report.BaselineMemory,
		"LoadedCPU":      report.LoadedCPU,
		"LoadedMemory":   report.LoadedMemory,
		"MaxJobs":        report.MaxJobs,
		"Slots":          slots,
		"InFlight":       wp.inflight[id],
	}).Info("probe succeeded")

	if !known {
		wkr = &Descriptor{ID: id, Endpoint: ep}
		wp.workers[id] = wkr
	}
	wkr.Tested = true
	wkr.Capacity = slots
	wkr.AvailableSlots = free
	wkr.Available = slots > 0
	wkr.Probed = now
	if wkr.Available {
		wkr.UnavailableSince = time.Time{}
	} else {
		logger.Info("worker has no capacity for jobs")
		wkr.UnavailableSince = now
	}
	wp.changed()
}

// Acquire takes one slot from the worker with the most available
// slots (ties go to the lowest ID) and returns a copy of its
// descriptor. It returns false if no worker has a slot available.
func (wp *Pool) Acquire() (Descriptor, bool) {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	var best *Descriptor
	for _, wkr := range wp.workers {
		if !wkr.selectable() {
			continue
		}
		if best == nil ||
			wkr.AvailableSlots > best.AvailableSlots ||
			(wkr.AvailableSlots == best.AvailableSlots && wkr.ID < best.ID) {
			best = wkr
		}
	}
	if best == nil {
		return Descriptor{}, false
	}
	best.AvailableSlots--
	wp.inflight[best.ID]++
	wp.updateMetrics()
	return *best, true
}

// Release ends a job acquired by Acquire, and returns its slot to
// the given worker. It returns false if no slot was returned: the
// worker is gone or unavailable, or the slot would exceed its
// capacity.
func (wp *Pool) Release(id WorkerID) bool {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	wp.forget(id, 1)
	wkr, ok := wp.workers[id]
	if !ok || !wkr.Available || wkr.AvailableSlots+wp.inflight[id] >= wkr.Capacity {
		return false
	}
	wkr.AvailableSlots++
	wp.changed()
	return true
}

// MarkUnavailable stops dispatching to the given worker until it
// has been probed again. The caller has taken back requeued of the
// worker's jobs, which no longer count against its capacity.
func (wp *Pool) MarkUnavailable(id WorkerID, requeued int) {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	wp.forget(id, requeued)
	wkr, ok := wp.workers[id]
	if !ok {
		return
	}
	wkr.Available = false
	wkr.AvailableSlots = 0
	wkr.UnavailableSince = time.Now()
	wp.logger.WithField("Worker", id).Info("worker marked unavailable")
	wp.changed()
}

// InFlight returns the number of jobs acquired on the given worker
// and not yet released or requeued.
func (wp *Pool) InFlight(id WorkerID) int {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	return wp.inflight[id]
}

// caller must have lock.
func (wp *Pool) forget(id WorkerID, n int) {
	if wp.inflight[id] <= n {
		delete(wp.inflight, id)
	} else {
		wp.inflight[id] -= n
	}
}

// Get returns a copy of the given worker's descriptor.
func (wp *Pool) Get(id WorkerID) (Descriptor, bool) {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	wkr, ok := wp.workers[id]
	if !ok {
		return Descriptor{}, false
	}
	return *wkr, true
}

// Workers returns a copy of every descriptor, sorted by ID.
func (wp *Pool) Workers() []Descriptor {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	r := make([]Descriptor, 0, len(wp.workers))
	for _, wkr := range wp.workers {
		r = append(r, *wkr)
	}
	wp.mtx.Unlock()
	sort.Slice(r, func(i, j int) bool {
		return r[i].ID < r[j].ID
	})
	return r
}

// Stop cancels probes and discovery calls in progress. The Pool
// should not be used after calling Stop.
func (wp *Pool) Stop() {
	wp.setupOnce.Do(wp.setup)
	wp.cancel()
}

func (wp *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wp.mWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Name:      "workers_total",
		Help:      "Number of probed workers, including unavailable ones.",
	})
	reg.MustRegister(wp.mWorkers)
	wp.mWorkersAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Name:      "workers_available",
		Help:      "Number of workers accepting jobs.",
	})
	reg.MustRegister(wp.mWorkersAvailable)
	wp.mSlotsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Name:      "slots_available",
		Help:      "Number of jobs that could be dispatched right now.",
	})
	reg.MustRegister(wp.mSlotsAvailable)
}

// caller must have lock.
func (wp *Pool) updateMetrics() {
	var avail, slots int
	for _, wkr := range wp.workers {
		if wkr.Available {
			avail++
			slots += wkr.AvailableSlots
		}
	}
	wp.mWorkers.Set(float64(len(wp.workers)))
	wp.mWorkersAvailable.Set(float64(avail))
	wp.mSlotsAvailable.Set(float64(slots))
}
