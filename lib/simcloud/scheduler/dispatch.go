// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/queue"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/worker"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/stats"
	"github.com/sirupsen/logrus"
)

// An Outcome says what happened to a dispatched job.
type Outcome int

const (
	// The worker returned a result.
	OutcomeSuccess Outcome = iota
	// The worker ran the job, and the job failed.
	OutcomeApplicationError
	// The worker could not be reached or did not answer in
	// time. The job will be requeued by the health check.
	OutcomeTransportError
	// The job had already been requeued by the health check, so
	// the answer is ignored.
	OutcomeStale
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:          "success",
	OutcomeApplicationError: "application_error",
	OutcomeTransportError:   "transport_error",
	OutcomeStale:            "stale",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type inFlight struct {
	job      queue.Job
	worker   worker.WorkerID
	seq      uint64
	started  time.Time
	deadline time.Time
	failed   bool // call returned a transport error
	cancel   context.CancelFunc
	done     chan struct{} // closed when the call returns
}

// InFlightJob describes a job that has been dispatched and has not
// finished.
type InFlightJob struct {
	Index    int             `json:"index"`
	Worker   worker.WorkerID `json:"worker"`
	Seq      uint64          `json:"seq"`
	Started  time.Time       `json:"started"`
	Deadline time.Time       `json:"deadline"`
	Elapsed  stats.Duration  `json:"elapsed"`
	Failed   bool            `json:"failed"`
}

// InFlight returns the jobs currently in flight, in dispatch order.
func (sch *Scheduler) InFlight() []InFlightJob {
	now := time.Now()
	sch.mtx.Lock()
	r := make([]InFlightJob, 0, len(sch.inflight))
	for _, inf := range sch.inflight {
		r = append(r, InFlightJob{
			Index:    inf.job.Index,
			Worker:   inf.worker,
			Seq:      inf.seq,
			Started:  inf.started,
			Deadline: inf.deadline,
			Elapsed:  stats.Duration(now.Sub(inf.started)),
			Failed:   inf.failed,
		})
	}
	sch.mtx.Unlock()
	sort.Slice(r, func(i, j int) bool { return r[i].Seq < r[j].Seq })
	return r
}

// dispatch starts a call to run job on the given worker, whose slot
// has already been acquired.
func (sch *Scheduler) dispatch(job queue.Job, wkr worker.Descriptor) {
	now := time.Now()
	deadline := now.Add(sch.simulationTimeout)
	ctx, cancel := context.WithDeadline(sch.ctx, deadline)
	sch.mtx.Lock()
	sch.seq++
	inf := &inFlight{
		job:      job,
		worker:   wkr.ID,
		seq:      sch.seq,
		started:  now,
		deadline: deadline,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	sch.inflight[inf.seq] = inf
	sch.mtx.Unlock()

	logger := sch.logger.WithFields(logrus.Fields{
		"Index":  job.Index,
		"Worker": wkr.ID,
		"Seq":    inf.seq,
	})
	logger.Debug("dispatching job")

	go func() {
		defer cancel()
		value, err := sch.executor.Simulate(ctx, wkr.Endpoint, job.Payload)
		close(inf.done)
		outcome := sch.route(inf, value, err)
		sch.mResults.WithLabelValues(outcome.String()).Inc()
		logger := logger.WithFields(logrus.Fields{
			"Outcome":  outcome.String(),
			"Duration": time.Since(inf.started),
		})
		switch outcome {
		case OutcomeSuccess:
			logger.Debug("job finished")
		case OutcomeApplicationError:
			logger.WithError(err).Info("job failed")
		case OutcomeTransportError:
			logger.WithError(err).Warn("call failed")
		case OutcomeStale:
			logger.WithError(err).Info("ignoring response to requeued job")
		}
		sch.wake()
	}()
}

// route records the response to an in-flight job and returns its
// outcome.
func (sch *Scheduler) route(inf *inFlight, value json.RawMessage, err error) Outcome {
	var appErr *simcloud.ApplicationError
	sch.mtx.Lock()
	if sch.inflight[inf.seq] != inf {
		sch.mtx.Unlock()
		return OutcomeStale
	}
	if err != nil && !errors.As(err, &appErr) {
		// Leave it for the health check.
		inf.failed = true
		sch.mtx.Unlock()
		return OutcomeTransportError
	}
	delete(sch.inflight, inf.seq)
	sch.mtx.Unlock()

	sch.pool.Release(inf.worker)
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeApplicationError
		value = nil
	}
	// Callbacks run before the table reports the batch done.
	ok := sch.table.Fill(inf.job.Index, value, err, func(res queue.Result) {
		if inf.job.Callback != nil {
			inf.job.Callback(res)
		}
		if sch.onResult != nil {
			sch.onResult(res)
		}
	})
	if !ok {
		sch.logger.WithFields(logrus.Fields{
			"Index": inf.job.Index,
			"Seq":   inf.seq,
		}).Warn("response table slot already filled or out of range")
	}
	return outcome
}

// healthCheck requeues all in-flight jobs of every worker that has
// a job past its deadline or a failed call, and marks those workers
// unavailable.
//
// The calls of those jobs are cancelled, and the jobs go back on the
// queue only after every cancelled call has returned, so a job never
// runs on two workers at once.
func (sch *Scheduler) healthCheck() {
	now := time.Now()
	sch.mtx.Lock()
	unhealthy := map[worker.WorkerID]string{}
	for _, inf := range sch.inflight {
		if inf.failed {
			unhealthy[inf.worker] = "call failed"
		} else if now.After(inf.deadline) {
			if _, ok := unhealthy[inf.worker]; !ok {
				unhealthy[inf.worker] = "deadline exceeded"
			}
		}
	}
	if len(unhealthy) == 0 {
		sch.mtx.Unlock()
		return
	}
	var requeue []*inFlight
	for seq, inf := range sch.inflight {
		if _, ok := unhealthy[inf.worker]; ok {
			requeue = append(requeue, inf)
			delete(sch.inflight, seq)
		}
	}
	sch.mtx.Unlock()

	sort.Slice(requeue, func(i, j int) bool { return requeue[i].seq < requeue[j].seq })
	jobs := make([]queue.Job, len(requeue))
	count := map[worker.WorkerID]int{}
	for i, inf := range requeue {
		inf.cancel()
		jobs[i] = inf.job
		count[inf.worker]++
	}
	for id, reason := range unhealthy {
		sch.logger.WithFields(logrus.Fields{
			"Worker":   id,
			"Reason":   reason,
			"Requeued": count[id],
		}).Warn("worker is unhealthy, requeueing its jobs")
		sch.pool.MarkUnavailable(id, count[id])
	}
	go func() {
		for _, inf := range requeue {
			<-inf.done
		}
		if sch.halted() {
			return
		}
		sch.queue.PushFront(jobs...)
		sch.mJobsRequeued.Add(float64(len(jobs)))
	}()
}
