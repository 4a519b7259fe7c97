// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package queue holds the jobs of the batch being simulated: a FIFO
// of jobs waiting for a worker, and a table of results indexed by
// each job's position in the batch.
package queue

import (
	"encoding/json"
	"sync"
)

// A Job is one entry of a batch.
type Job struct {
	// Position in the batch. Also the index of the job's
	// ResponseTable slot.
	Index int

	// Opaque simulation parameters, passed to the worker as-is.
	Payload json.RawMessage

	// If not nil, Callback is called (from the goroutine that
	// received the result) when the job's result is recorded.
	Callback func(Result) `json:"-"`
}

// A Result is the outcome of a Job. The zero Result (Done==false) is
// the "no result" sentinel.
type Result struct {
	Index int
	Done  bool

	// Value returned by the worker. Nil when Err is set.
	Value json.RawMessage

	// Application error reported by the worker.
	Err error
}

// RequestQueue is a FIFO of jobs waiting to be dispatched. Jobs
// returned from a failed worker go back to the front.
//
// All methods are safe to call from multiple goroutines.
type RequestQueue struct {
	mtx  sync.Mutex
	jobs []Job

	// active notification subscribers (see Subscribe)
	subscribers map[<-chan struct{}]chan struct{}
}

// Subscribe returns a channel that becomes ready whenever jobs are
// added to the queue.
func (rq *RequestQueue) Subscribe() <-chan struct{} {
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	if rq.subscribers == nil {
		rq.subscribers = map[<-chan struct{}]chan struct{}{}
	}
	ch := make(chan struct{}, 1)
	rq.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel. See
// Subscribe.
func (rq *RequestQueue) Unsubscribe(ch <-chan struct{}) {
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	delete(rq.subscribers, ch)
}

// caller must have lock.
func (rq *RequestQueue) notify() {
	for _, ch := range rq.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PushBack appends jobs to the end of the queue.
func (rq *RequestQueue) PushBack(jobs ...Job) {
	if len(jobs) == 0 {
		return
	}
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	rq.jobs = append(rq.jobs, jobs...)
	rq.notify()
}

// PushFront inserts jobs at the front of the queue, keeping their
// relative order: after PushFront(a, b), Pop returns a, then b.
func (rq *RequestQueue) PushFront(jobs ...Job) {
	if len(jobs) == 0 {
		return
	}
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	merged := make([]Job, 0, len(jobs)+len(rq.jobs))
	merged = append(merged, jobs...)
	rq.jobs = append(merged, rq.jobs...)
	rq.notify()
}

// Pop removes and returns the oldest job. The second return value
// is false if the queue is empty.
func (rq *RequestQueue) Pop() (Job, bool) {
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	if len(rq.jobs) == 0 {
		return Job{}, false
	}
	job := rq.jobs[0]
	rq.jobs[0] = Job{}
	rq.jobs = rq.jobs[1:]
	return job, true
}

// Peek returns the oldest job without removing it.
func (rq *RequestQueue) Peek() (Job, bool) {
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	if len(rq.jobs) == 0 {
		return Job{}, false
	}
	return rq.jobs[0], true
}

// Len returns the number of queued jobs.
func (rq *RequestQueue) Len() int {
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	return len(rq.jobs)
}

// Indexes returns the batch indexes of the queued jobs, oldest
// first.
func (rq *RequestQueue) Indexes() []int {
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	idx := make([]int, len(rq.jobs))
	for i, job := range rq.jobs {
		idx[i] = job.Index
	}
	return idx
}

// Clear discards all queued jobs and returns how many there were.
func (rq *RequestQueue) Clear() int {
	rq.mtx.Lock()
	defer rq.mtx.Unlock()
	n := len(rq.jobs)
	rq.jobs = nil
	return n
}
