// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler dispatches queued jobs to the workers with the
// most free capacity, and requeues the jobs of workers that fail.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/queue"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/worker"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Scheduler maps queued jobs onto free worker slots, oldest job
// first, and routes each result into the response table.
//
// Once per tick, before dispatching anything, it checks the jobs in
// flight. A worker with a job past its deadline, or a job whose call
// failed, is marked unavailable and all of its jobs go back to the
// front of the queue.
type Scheduler struct {
	logger            logrus.FieldLogger
	pool              WorkerPool
	executor          worker.Executor
	queue             *queue.RequestQueue
	table             *queue.ResponseTable
	onResult          func(queue.Result)
	pollInterval      time.Duration
	simulationTimeout time.Duration

	mtx      sync.Mutex
	inflight map[uint64]*inFlight
	seq      uint64

	lastReconcile time.Time // used only by run()

	ctx     context.Context // cancelled by Halt
	cancel  context.CancelFunc
	wakeup  chan struct{}
	runOnce sync.Once

	stopOnce sync.Once
	stop     chan struct{}
	haltOnce sync.Once
	halt     chan struct{}
	stopped  chan struct{}

	mJobsQueued   prometheus.Gauge
	mJobsInFlight prometheus.Gauge
	mJobsRequeued prometheus.Counter
	mResults      *prometheus.CounterVec
}

// New returns a new unstarted Scheduler.
//
// Results are written to table, and passed to onResult (if not nil)
// after the job's own callback.
//
// Any given queue, table, and pool should not be used by more than
// one scheduler at a time.
func New(ctx context.Context, pool WorkerPool, executor worker.Executor, rq *queue.RequestQueue, table *queue.ResponseTable, onResult func(queue.Result), reg *prometheus.Registry, pollInterval, simulationTimeout time.Duration) *Scheduler {
	sch := &Scheduler{
		logger:            ctxlog.FromContext(ctx),
		pool:              pool,
		executor:          executor,
		queue:             rq,
		table:             table,
		onResult:          onResult,
		pollInterval:      pollInterval,
		simulationTimeout: simulationTimeout,
		inflight:          map[uint64]*inFlight{},
		wakeup:            make(chan struct{}, 1),
		stop:              make(chan struct{}),
		halt:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	sch.ctx, sch.cancel = context.WithCancel(context.Background())
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mJobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Name:      "jobs_queued",
		Help:      "Number of jobs waiting for a worker.",
	})
	reg.MustRegister(sch.mJobsQueued)
	sch.mJobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simcloud",
		Name:      "jobs_inflight",
		Help:      "Number of jobs dispatched to a worker and not yet finished.",
	})
	reg.MustRegister(sch.mJobsInFlight)
	sch.mJobsRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simcloud",
		Name:      "jobs_requeued_total",
		Help:      "Number of jobs returned to the queue because their worker failed.",
	})
	reg.MustRegister(sch.mJobsRequeued)
	sch.mResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simcloud",
		Name:      "results_total",
		Help:      "Number of finished calls, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(sch.mResults)
}

func (sch *Scheduler) updateMetrics() {
	sch.mtx.Lock()
	n := len(sch.inflight)
	sch.mtx.Unlock()
	sch.mJobsInFlight.Set(float64(n))
	sch.mJobsQueued.Set(float64(sch.queue.Len()))
}

// Start starts the scheduler.
func (sch *Scheduler) Start() {
	go sch.runOnce.Do(sch.run)
}

// Stop stops the scheduler after one more tick, and waits for it to
// exit. Calls already in flight are not interrupted, and their
// results are still recorded.
func (sch *Scheduler) Stop() {
	sch.stopOnce.Do(func() { close(sch.stop) })
	sch.join()
}

// Halt stops the scheduler immediately, cancels all calls in
// flight, and waits for the scheduler to exit.
func (sch *Scheduler) Halt() {
	sch.haltOnce.Do(func() {
		close(sch.halt)
		sch.cancel()
	})
	sch.join()
}

// Done returns a channel that is closed when the scheduler has
// stopped.
func (sch *Scheduler) Done() <-chan struct{} {
	return sch.stopped
}

func (sch *Scheduler) join() {
	// If run hasn't started yet, prevent it from starting.
	sch.runOnce.Do(func() { close(sch.stopped) })
	<-sch.stopped
}

func (sch *Scheduler) halted() bool {
	select {
	case <-sch.halt:
		return true
	default:
		return false
	}
}

// wake causes the run loop to do another tick soon.
func (sch *Scheduler) wake() {
	select {
	case sch.wakeup <- struct{}{}:
	default:
	}
}

func (sch *Scheduler) run() {
	defer close(sch.stopped)
	defer sch.logger.Debug("scheduler stopped")

	poolNotify := sch.pool.Subscribe()
	defer sch.pool.Unsubscribe(poolNotify)

	queueNotify := sch.queue.Subscribe()
	defer sch.queue.Unsubscribe(queueNotify)

	ticker := time.NewTicker(sch.pollInterval)
	defer ticker.Stop()

	stop := sch.stop
	for {
		if sch.halted() {
			return
		}
		sch.tick()
		if stop == nil {
			// Stop was called before the last tick.
			return
		}
		select {
		case <-sch.halt:
			return
		case <-stop:
			stop = nil
		case <-queueNotify:
		case <-poolNotify:
		case <-sch.wakeup:
		case <-ticker.C:
		}
	}
}

// tick reconciles the pool with discovery (at most once per poll
// interval), runs the health check, and dispatches as many jobs as
// possible.
func (sch *Scheduler) tick() {
	if time.Since(sch.lastReconcile) >= sch.pollInterval {
		sch.lastReconcile = time.Now()
		job, wantProbes := sch.queue.Peek()
		sch.pool.Reconcile(job.Payload, wantProbes)
	}
	sch.healthCheck()
	sch.dispatchAll()
	sch.updateMetrics()
}

// dispatchAll dispatches queued jobs until the queue is empty or no
// worker has a free slot.
func (sch *Scheduler) dispatchAll() int {
	n := 0
	for !sch.halted() && sch.queue.Len() > 0 {
		wkr, ok := sch.pool.Acquire()
		if !ok {
			break
		}
		job, ok := sch.queue.Pop()
		if !ok {
			sch.pool.Release(wkr.ID)
			break
		}
		sch.dispatch(job, wkr)
		n++
	}
	return n
}
