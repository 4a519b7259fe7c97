// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package simcloud runs batches of simulation jobs on a dynamically
// discovered set of workers.
package simcloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/httpexecutor"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/queue"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/scheduler"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/worker"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned by Simulate when another batch is
	// still in progress.
	ErrBusy = errors.New("another batch is still in progress")

	// ErrStopped is returned by Simulate after Stop, or after
	// the manager halted at the end of an interrupted batch.
	ErrStopped = errors.New("manager is stopped")
)

// An EventType is the type of an Event.
type EventType string

const (
	EventResult       EventType = "result"
	EventInterruption EventType = "interruption"
)

// An Event is sent to subscribers when a job finishes, and when the
// current batch is interrupted.
type Event struct {
	Type  EventType       `json:"type"`
	Index int             `json:"index"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Subscriber channels hold this many undelivered events. Further
// events are dropped until the subscriber catches up.
const eventBuffer = 100

// Manager accepts batches of jobs and runs them on the workers it
// finds through discovery. It processes one batch at a time.
type Manager struct {
	cluster   *simcloud.Cluster
	logger    logrus.FieldLogger
	reg       *prometheus.Registry
	discovery discovery.Discovery
	pool      *worker.Pool
	queue     *queue.RequestQueue
	table     *queue.ResponseTable
	sched     *scheduler.Scheduler

	httpHandler http.Handler
	setupOnce   sync.Once

	mtx         sync.Mutex
	busy        bool
	stopped     bool
	interrupted bool
	interruptCh chan struct{} // closed by Interrupt
	subscribers map[<-chan Event]chan Event
}

// New returns a Manager that finds workers with the discovery driver
// given in the cluster config, and calls them over HTTP.
//
// If reg is nil, metrics are not exported.
func New(ctx context.Context, cluster *simcloud.Cluster, reg *prometheus.Registry) (*Manager, error) {
	logger := ctxlog.FromContext(ctx)
	disc, err := newDiscovery(cluster, logger)
	if err != nil {
		return nil, err
	}
	return NewWithDiscovery(ctx, cluster, disc, httpexecutor.New(logger), reg), nil
}

// NewWithDiscovery returns a Manager that uses the given discovery
// and executor instead of the configured ones. The scheduler starts
// right away.
func NewWithDiscovery(ctx context.Context, cluster *simcloud.Cluster, disc discovery.Discovery, executor worker.Executor, reg *prometheus.Registry) *Manager {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	logger := ctxlog.FromContext(ctx)
	m := &Manager{
		cluster:     cluster,
		logger:      logger,
		reg:         reg,
		discovery:   disc,
		queue:       &queue.RequestQueue{},
		table:       queue.NewResponseTable(0),
		interruptCh: make(chan struct{}),
		subscribers: map[<-chan Event]chan Event{},
	}
	m.pool = worker.NewPool(logger, reg, disc, executor, cluster)
	m.sched = scheduler.New(ctx, m.pool, executor, m.queue, m.table, m.publishResult, reg,
		cluster.Manager.PollInterval.Duration(),
		cluster.Manager.SimulationTimeout.Duration())
	m.sched.Start()
	return m
}

// Simulate runs one job per element of batch, and returns their
// results in the same order. See SimulateJobs.
func (m *Manager) Simulate(ctx context.Context, batch []json.RawMessage) ([]queue.Result, error) {
	jobs := make([]queue.Job, len(batch))
	for i, payload := range batch {
		jobs[i] = queue.Job{Payload: payload}
	}
	return m.SimulateJobs(ctx, jobs)
}

// SimulateJobs assigns each job its index in jobs, runs them, and
// returns when every job has a result, the manager has stopped, or
// the grace period after an interrupt has passed. Results of jobs
// that did not finish have Done==false. A job that failed on the
// worker has Done==true and a non-nil Err.
//
// Cancelling ctx has the same effect as Interrupt.
//
// If a batch is already in progress, SimulateJobs returns ErrBusy
// right away without affecting it.
func (m *Manager) SimulateJobs(ctx context.Context, jobs []queue.Job) ([]queue.Result, error) {
	m.mtx.Lock()
	if m.stopped {
		m.mtx.Unlock()
		return nil, ErrStopped
	}
	if m.busy {
		m.mtx.Unlock()
		return nil, ErrBusy
	}
	m.busy = true
	m.interrupted = false
	m.interruptCh = make(chan struct{})
	interruptCh := m.interruptCh
	m.mtx.Unlock()
	defer func() {
		m.mtx.Lock()
		m.busy = false
		m.mtx.Unlock()
	}()

	jobs = append([]queue.Job(nil), jobs...)
	for i := range jobs {
		jobs[i].Index = i
	}
	m.table.Reset(len(jobs))
	done := m.table.Done()
	m.queue.PushBack(jobs...)
	logger := m.logger.WithField("Jobs", len(jobs))
	logger.Info("batch submitted")
	t0 := time.Now()

	ctxDone := ctx.Done()
	var grace <-chan time.Time
	for {
		select {
		case <-done:
			logger.WithField("Duration", time.Since(t0)).Info("batch finished")
			return m.table.Results(), nil
		case <-m.sched.Done():
			logger.WithField("Filled", m.table.Filled()).Info("scheduler stopped before batch finished")
			m.queue.Clear()
			return m.table.Results(), nil
		case <-ctxDone:
			ctxDone = nil
			m.Interrupt()
		case <-interruptCh:
			interruptCh = nil
			timer := time.NewTimer(m.cluster.Manager.InterruptGracePeriod.Duration())
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			logger.WithFields(logrus.Fields{
				"Filled":      m.table.Filled(),
				"GracePeriod": m.cluster.Manager.InterruptGracePeriod,
			}).Warn("batch interrupted, returning partial results")
			results := m.table.Results()
			m.halt()
			return results, nil
		}
	}
}

// Interrupt tells the current batch to finish up. If the batch is
// not finished by the end of the configured grace period, Simulate
// returns partial results and the manager halts.
//
// Interrupt has no effect when no batch is in progress.
func (m *Manager) Interrupt() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if !m.busy {
		m.logger.Debug("ignoring interrupt, no batch in progress")
		return
	}
	if m.interrupted {
		return
	}
	m.interrupted = true
	close(m.interruptCh)
	m.logger.Info("interrupted")
	m.publish(Event{Type: EventInterruption})
}

// Interrupted reports whether Interrupt has been called during the
// current (or most recent) batch.
func (m *Manager) Interrupted() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.interrupted
}

// Stop stops dispatching jobs, waits for the scheduler to exit, and
// releases resources. Calls already in progress finish on their own.
func (m *Manager) Stop() {
	if !m.markStopped() {
		return
	}
	m.pool.Stop()
	m.sched.Stop()
	m.discovery.Stop()
}

// halt is like Stop, but also cancels calls in progress and discards
// queued jobs. It returns without waiting for the scheduler to exit;
// use Done to wait for that.
func (m *Manager) halt() {
	if !m.markStopped() {
		return
	}
	// Cancels a discovery call the scheduler may be waiting on.
	m.pool.Stop()
	m.queue.Clear()
	go func() {
		m.sched.Halt()
		m.queue.Clear()
		m.discovery.Stop()
	}()
}

func (m *Manager) markStopped() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.stopped {
		return false
	}
	m.stopped = true
	return true
}

// Subscribe returns a channel that receives an Event for each
// finished job, and for each interruption. If the channel is full,
// new events are dropped.
func (m *Manager) Subscribe() <-chan Event {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ch := make(chan Event, eventBuffer)
	m.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending events to the given channel.
func (m *Manager) Unsubscribe(ch <-chan Event) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.subscribers, ch)
}

// caller must have lock.
func (m *Manager) publish(ev Event) {
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.logger.WithField("EventType", ev.Type).Debug("subscriber is full, dropping event")
		}
	}
}

func (m *Manager) publishResult(res queue.Result) {
	ev := Event{Type: EventResult, Index: res.Index, Value: res.Value}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.publish(ev)
}
