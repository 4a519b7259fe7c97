// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
)

// A StubWorker determines how a StubExecutor answers calls to one
// endpoint.
type StubWorker struct {
	// Returned by Test.
	Report  simcloud.LoadReport
	TestErr error

	// Delay before answering any call.
	Latency time.Duration

	// If not nil, each Simulate call waits for a value from Gate
	// before answering.
	Gate chan struct{}

	// If true, Simulate never answers (until its context ends).
	Hang bool

	// If not nil, SimulateFunc produces the Simulate result.
	// Otherwise the result is {"seed":N,"worker":"addr:port"}.
	SimulateFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// A SimulateCall records one call to StubExecutor.Simulate.
type SimulateCall struct {
	Endpoint string
	Seed     int
}

// StubExecutor implements worker.Executor by calling StubWorkers
// instead of making network requests. Calls to endpoints without a
// StubWorker fail like a refused connection.
type StubExecutor struct {
	mtx     sync.Mutex
	workers map[string]*StubWorker
	running map[string]int
	maxRun  map[string]int
	seedRun map[int]int
	seedMax map[int]int
	tests   map[string]int
	calls   []SimulateCall
}

// SetWorker installs (or, if sw is nil, removes) the StubWorker for
// ep.
func (se *StubExecutor) SetWorker(ep discovery.Endpoint, sw *StubWorker) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.setup()
	if sw == nil {
		delete(se.workers, ep.String())
	} else {
		se.workers[ep.String()] = sw
	}
}

// caller must have lock.
func (se *StubExecutor) setup() {
	if se.workers == nil {
		se.workers = map[string]*StubWorker{}
		se.running = map[string]int{}
		se.maxRun = map[string]int{}
		se.seedRun = map[int]int{}
		se.seedMax = map[int]int{}
		se.tests = map[string]int{}
	}
}

func (se *StubExecutor) worker(ep discovery.Endpoint) (*StubWorker, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.setup()
	sw, ok := se.workers[ep.String()]
	if !ok {
		return nil, fmt.Errorf("dial tcp %s: connect: connection refused", ep)
	}
	return sw, nil
}

func (se *StubExecutor) Test(ctx context.Context, ep discovery.Endpoint, payload json.RawMessage) (simcloud.LoadReport, error) {
	sw, err := se.worker(ep)
	if err != nil {
		return simcloud.LoadReport{}, err
	}
	se.mtx.Lock()
	se.tests[ep.String()]++
	se.mtx.Unlock()
	if err := sleep(ctx, sw.Latency); err != nil {
		return simcloud.LoadReport{}, err
	}
	if sw.TestErr != nil {
		return simcloud.LoadReport{}, sw.TestErr
	}
	return sw.Report, nil
}

func (se *StubExecutor) Simulate(ctx context.Context, ep discovery.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	sw, err := se.worker(ep)
	if err != nil {
		return nil, err
	}
	id, seed := ep.String(), Seed(payload)
	se.mtx.Lock()
	se.calls = append(se.calls, SimulateCall{Endpoint: id, Seed: seed})
	se.running[id]++
	if se.running[id] > se.maxRun[id] {
		se.maxRun[id] = se.running[id]
	}
	se.seedRun[seed]++
	if se.seedRun[seed] > se.seedMax[seed] {
		se.seedMax[seed] = se.seedRun[seed]
	}
	se.mtx.Unlock()
	defer func() {
		se.mtx.Lock()
		se.running[id]--
		se.seedRun[seed]--
		se.mtx.Unlock()
	}()

	if sw.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if sw.Gate != nil {
		select {
		case <-sw.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := sleep(ctx, sw.Latency); err != nil {
		return nil, err
	}
	if sw.SimulateFunc != nil {
		return sw.SimulateFunc(ctx, payload)
	}
	return json.RawMessage(fmt.Sprintf(`{"seed":%d,"worker":%q}`, Seed(payload), id)), nil
}

// Calls returns all Simulate calls so far, in the order they
// started.
func (se *StubExecutor) Calls() []SimulateCall {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	return append([]SimulateCall(nil), se.calls...)
}

// Running returns the number of Simulate calls in progress on ep.
func (se *StubExecutor) Running(ep discovery.Endpoint) int {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.setup()
	return se.running[ep.String()]
}

// MaxRunning returns the largest number of concurrent Simulate calls
// seen on ep.
func (se *StubExecutor) MaxRunning(ep discovery.Endpoint) int {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.setup()
	return se.maxRun[ep.String()]
}

// MaxRunningSeed returns the largest number of concurrent Simulate
// calls seen for the payload with the given seed, across all
// endpoints.
func (se *StubExecutor) MaxRunningSeed(seed int) int {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.setup()
	return se.seedMax[seed]
}

// Tests returns the number of Test calls made to ep.
func (se *StubExecutor) Tests(ep discovery.Endpoint) int {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.setup()
	return se.tests[ep.String()]
}

// ErrApplication is a convenient SimulateFunc result.
var ErrApplication = &simcloud.ApplicationError{Messages: []string{"simulation diverged"}}

// ErrTransport is a convenient StubWorker.TestErr value.
var ErrTransport = errors.New("connection reset by peer")

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
