// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
)

// StubDiscovery is a discovery.Discovery whose results are set by
// the test.
type StubDiscovery struct {
	mtx     sync.Mutex
	workers map[string][]discovery.Endpoint
	err     error
	delay   time.Duration
	calls   int
	stopped bool
}

// SetWorkers replaces the list of endpoints advertising tag.
func (sd *StubDiscovery) SetWorkers(tag string, eps ...discovery.Endpoint) {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	if sd.workers == nil {
		sd.workers = map[string][]discovery.Endpoint{}
	}
	sd.workers[tag] = append([]discovery.Endpoint(nil), eps...)
}

// SetError makes subsequent Workers calls fail with err (or succeed
// again, if err is nil).
func (sd *StubDiscovery) SetError(err error) {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	sd.err = err
}

// SetDelay makes subsequent Workers calls wait d before answering,
// like a slow remote registry. A call gives up early if its context
// is done.
func (sd *StubDiscovery) SetDelay(d time.Duration) {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	sd.delay = d
}

// Calls returns the number of Workers calls so far.
func (sd *StubDiscovery) Calls() int {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return sd.calls
}

func (sd *StubDiscovery) Stopped() bool {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return sd.stopped
}

func (sd *StubDiscovery) Workers(ctx context.Context, tag string) ([]discovery.Endpoint, error) {
	sd.mtx.Lock()
	sd.calls++
	delay := sd.delay
	sd.mtx.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	if sd.err != nil {
		return nil, sd.err
	}
	return append([]discovery.Endpoint(nil), sd.workers[tag]...), nil
}

func (sd *StubDiscovery) Stop() {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	sd.stopped = true
}
