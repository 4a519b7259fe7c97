// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/test"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PoolSuite{})

type PoolSuite struct {
	logger   logrus.FieldLogger
	cluster  *simcloud.Cluster
	disc     *test.StubDiscovery
	executor *test.StubExecutor
	reg      *prometheus.Registry
	pool     *Pool
}

func (suite *PoolSuite) SetUpTest(c *check.C) {
	suite.logger = ctxlog.TestLogger(c)
	suite.cluster = test.Cluster()
	suite.disc = &test.StubDiscovery{}
	suite.executor = &test.StubExecutor{}
	suite.reg = prometheus.NewRegistry()
	suite.pool = NewPool(suite.logger, suite.reg, suite.disc, suite.executor, suite.cluster)
}

func (suite *PoolSuite) TearDownTest(c *check.C) {
	suite.pool.Stop()
}

// addWorkers sets up a stub worker with the given number of slots
// for each of the given endpoints, and advertises all of them.
func (suite *PoolSuite) addWorkers(slots map[discovery.Endpoint]int) {
	var eps []discovery.Endpoint
	for ep, n := range slots {
		suite.executor.SetWorker(ep, &test.StubWorker{Report: test.LoadReport(n)})
		eps = append(eps, ep)
	}
	suite.disc.SetWorkers("SIMCLOUD", eps...)
}

// waitFor calls Reconcile until cond returns true, or fails the test
// after a second.
func (suite *PoolSuite) waitFor(c *check.C, cond func() bool) {
	ch := suite.pool.Subscribe()
	defer suite.pool.Unsubscribe(ch)
	deadline := time.After(time.Second)
	for !cond() {
		suite.pool.Reconcile(test.Payload(0), true)
		select {
		case <-ch:
		case <-time.After(time.Millisecond):
		case <-deadline:
			c.Fatalf("timed out; workers = %+v", suite.pool.Workers())
		}
	}
}

// waitProbesDone waits until no probes are in progress.
func (suite *PoolSuite) waitProbesDone(c *check.C) {
	deadline := time.Now().Add(time.Second)
	for {
		suite.pool.mtx.Lock()
		n := len(suite.pool.probing)
		suite.pool.mtx.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for probes")
		}
		time.Sleep(time.Millisecond)
	}
}

func (suite *PoolSuite) nWorkers(n int) func() bool {
	return func() bool { return len(suite.pool.Workers()) == n }
}

func (suite *PoolSuite) TestProbeAndAcquire(c *check.C) {
	ep1, ep2 := test.Endpoint(1), test.Endpoint(2)
	suite.addWorkers(map[discovery.Endpoint]int{ep1: 2, ep2: 3})
	suite.waitFor(c, suite.nWorkers(2))

	wkrs := suite.pool.Workers()
	c.Check(wkrs[0].ID, check.Equals, WorkerID("10.0.0.1:18861"))
	c.Check(wkrs[0].Capacity, check.Equals, 2)
	c.Check(wkrs[0].Tested, check.Equals, true)
	c.Check(wkrs[0].Available, check.Equals, true)
	c.Check(wkrs[1].Capacity, check.Equals, 3)
	c.Check(wkrs[1].AvailableSlots, check.Equals, 3)

	// Most available slots first, ties go to the lowest ID.
	var got []WorkerID
	for {
		wkr, ok := suite.pool.Acquire()
		if !ok {
			break
		}
		got = append(got, wkr.ID)
	}
	id1, id2 := WorkerID(ep1.String()), WorkerID(ep2.String())
	c.Check(got, check.DeepEquals, []WorkerID{id2, id1, id2, id1, id2})

	c.Check(suite.pool.Release(id1), check.Equals, true)
	c.Check(suite.pool.Release(id1), check.Equals, true)
	c.Check(suite.pool.Release(id1), check.Equals, false)
	wkr, ok := suite.pool.Get(id1)
	c.Check(ok, check.Equals, true)
	c.Check(wkr.AvailableSlots, check.Equals, 2)
	c.Check(suite.pool.Release("10.9.9.9:1"), check.Equals, false)
}

func (suite *PoolSuite) TestNoProbesUnlessWanted(c *check.C) {
	ep := test.Endpoint(1)
	suite.addWorkers(map[discovery.Endpoint]int{ep: 2})
	suite.pool.Reconcile(test.Payload(0), false)
	suite.waitProbesDone(c)
	c.Check(suite.executor.Tests(ep), check.Equals, 0)
	c.Check(suite.pool.Workers(), check.HasLen, 0)
	c.Check(suite.disc.Calls(), check.Equals, 1)
}

func (suite *PoolSuite) TestConcurrentAcquire(c *check.C) {
	var eps = map[discovery.Endpoint]int{}
	for i := 1; i <= 4; i++ {
		eps[test.Endpoint(i)] = 5
	}
	suite.addWorkers(eps)
	suite.waitFor(c, suite.nWorkers(4))

	var mtx sync.Mutex
	count := map[WorkerID]int{}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if wkr, ok := suite.pool.Acquire(); ok {
				mtx.Lock()
				count[wkr.ID]++
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()
	total := 0
	for id, n := range count {
		c.Check(n, check.Equals, 5, check.Commentf("worker %s", id))
		total += n
	}
	c.Check(total, check.Equals, 20)
}

func (suite *PoolSuite) TestProbeFailureHoldoff(c *check.C) {
	ep := test.Endpoint(1)
	suite.executor.SetWorker(ep, &test.StubWorker{TestErr: test.ErrTransport})
	suite.disc.SetWorkers("SIMCLOUD", ep)
	suite.pool.probeRetryInterval = time.Hour

	suite.pool.Reconcile(test.Payload(0), true)
	suite.waitProbesDone(c)
	c.Check(suite.executor.Tests(ep), check.Equals, 1)
	c.Check(suite.pool.Workers(), check.HasLen, 0)

	suite.pool.Reconcile(test.Payload(0), true)
	suite.waitProbesDone(c)
	c.Check(suite.executor.Tests(ep), check.Equals, 1)

	// Worker recovers, and the holdoff period ends.
	suite.executor.SetWorker(ep, &test.StubWorker{Report: test.LoadReport(2)})
	suite.pool.mtx.Lock()
	suite.pool.probeRetryInterval = 0
	suite.pool.mtx.Unlock()
	suite.waitFor(c, suite.nWorkers(1))
	c.Check(suite.executor.Tests(ep), check.Equals, 2)
}

func (suite *PoolSuite) TestWorkerDisappears(c *check.C) {
	ep1, ep2 := test.Endpoint(1), test.Endpoint(2)
	suite.addWorkers(map[discovery.Endpoint]int{ep1: 1, ep2: 1})
	suite.waitFor(c, suite.nWorkers(2))

	wkr, ok := suite.pool.Acquire()
	c.Assert(ok, check.Equals, true)
	c.Check(wkr.ID, check.Equals, WorkerID(ep1.String()))

	suite.disc.SetWorkers("SIMCLOUD", ep2)
	suite.pool.Reconcile(test.Payload(0), false)
	wkrs := suite.pool.Workers()
	c.Assert(wkrs, check.HasLen, 1)
	c.Check(wkrs[0].ID, check.Equals, WorkerID(ep2.String()))
	c.Check(suite.pool.Release(wkr.ID), check.Equals, false)
}

// A worker that drops out of discovery and comes back while one of
// its jobs is still running gets only the remaining slots.
func (suite *PoolSuite) TestWorkerReturnsWithJobInFlight(c *check.C) {
	ep := test.Endpoint(1)
	id := WorkerID(ep.String())
	suite.addWorkers(map[discovery.Endpoint]int{ep: 1})
	suite.waitFor(c, suite.nWorkers(1))
	_, ok := suite.pool.Acquire()
	c.Assert(ok, check.Equals, true)

	suite.disc.SetWorkers("SIMCLOUD")
	suite.pool.Reconcile(test.Payload(0), true)
	c.Check(suite.pool.Workers(), check.HasLen, 0)
	c.Check(suite.pool.InFlight(id), check.Equals, 1)

	suite.disc.SetWorkers("SIMCLOUD", ep)
	suite.waitFor(c, suite.nWorkers(1))
	wkr, _ := suite.pool.Get(id)
	c.Check(wkr.Capacity, check.Equals, 1)
	c.Check(wkr.AvailableSlots, check.Equals, 0)
	_, ok = suite.pool.Acquire()
	c.Check(ok, check.Equals, false)

	c.Check(suite.pool.Release(id), check.Equals, true)
	c.Check(suite.pool.InFlight(id), check.Equals, 0)
	wkr, _ = suite.pool.Get(id)
	c.Check(wkr.AvailableSlots, check.Equals, 1)
	_, ok = suite.pool.Acquire()
	c.Check(ok, check.Equals, true)
	_, ok = suite.pool.Acquire()
	c.Check(ok, check.Equals, false)
}

// Jobs taken back by the caller no longer count against the worker
// once it is probed again.
func (suite *PoolSuite) TestMarkUnavailableForgetsRequeuedJobs(c *check.C) {
	ep := test.Endpoint(1)
	id := WorkerID(ep.String())
	suite.addWorkers(map[discovery.Endpoint]int{ep: 2})
	suite.waitFor(c, suite.nWorkers(1))
	suite.pool.Acquire()
	suite.pool.Acquire()
	c.Check(suite.pool.InFlight(id), check.Equals, 2)

	suite.pool.MarkUnavailable(id, 2)
	c.Check(suite.pool.InFlight(id), check.Equals, 0)

	suite.pool.mtx.Lock()
	suite.pool.reprobeInterval = 0
	suite.pool.mtx.Unlock()
	suite.waitFor(c, func() bool {
		wkr, _ := suite.pool.Get(id)
		return wkr.Available
	})
	wkr, _ := suite.pool.Get(id)
	c.Check(wkr.AvailableSlots, check.Equals, 2)
}

// Stop cancels a discovery call that is still waiting for an answer.
func (suite *PoolSuite) TestStopCancelsDiscovery(c *check.C) {
	suite.disc.SetDelay(time.Hour)
	done := make(chan struct{})
	go func() {
		suite.pool.Reconcile(test.Payload(0), true)
		close(done)
	}()
	for suite.disc.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}
	suite.pool.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("Reconcile still waiting for discovery after Stop")
	}
	c.Check(suite.pool.Workers(), check.HasLen, 0)
}

func (suite *PoolSuite) TestProbeResultOfVanishedWorker(c *check.C) {
	ep := test.Endpoint(1)
	suite.executor.SetWorker(ep, &test.StubWorker{Report: test.LoadReport(2), Latency: 20 * time.Millisecond})
	suite.disc.SetWorkers("SIMCLOUD", ep)
	suite.pool.Reconcile(test.Payload(0), true)
	suite.disc.SetWorkers("SIMCLOUD")
	suite.pool.Reconcile(test.Payload(0), true)
	suite.waitProbesDone(c)
	c.Check(suite.executor.Tests(ep), check.Equals, 1)
	c.Check(suite.pool.Workers(), check.HasLen, 0)
}

func (suite *PoolSuite) TestMarkUnavailableAndReprobe(c *check.C) {
	ep1, ep2 := test.Endpoint(1), test.Endpoint(2)
	suite.addWorkers(map[discovery.Endpoint]int{ep1: 3, ep2: 1})
	suite.waitFor(c, suite.nWorkers(2))
	id1 := WorkerID(ep1.String())

	suite.pool.MarkUnavailable(id1, 0)
	wkr, _ := suite.pool.Get(id1)
	c.Check(wkr.Available, check.Equals, false)
	c.Check(wkr.AvailableSlots, check.Equals, 0)
	c.Check(wkr.UnavailableSince.IsZero(), check.Equals, false)

	got, ok := suite.pool.Acquire()
	c.Check(ok, check.Equals, true)
	c.Check(got.ID, check.Equals, WorkerID(ep2.String()))
	_, ok = suite.pool.Acquire()
	c.Check(ok, check.Equals, false)
	c.Check(suite.pool.Release(id1), check.Equals, false)

	// Not reprobed before ReprobeInterval.
	suite.pool.Reconcile(test.Payload(0), true)
	suite.waitProbesDone(c)
	c.Check(suite.executor.Tests(ep1), check.Equals, 1)

	suite.pool.mtx.Lock()
	suite.pool.reprobeInterval = 0
	suite.pool.mtx.Unlock()
	suite.waitFor(c, func() bool {
		wkr, _ := suite.pool.Get(id1)
		return wkr.Available
	})
	wkr, _ = suite.pool.Get(id1)
	c.Check(wkr.AvailableSlots, check.Equals, 3)
	c.Check(suite.executor.Tests(ep1), check.Equals, 2)
	c.Check(suite.executor.Tests(ep2), check.Equals, 1)
}

func (suite *PoolSuite) TestZeroSlots(c *check.C) {
	ep := test.Endpoint(1)
	suite.addWorkers(map[discovery.Endpoint]int{ep: 0})
	suite.waitFor(c, suite.nWorkers(1))
	wkr, _ := suite.pool.Get(WorkerID(ep.String()))
	c.Check(wkr.Tested, check.Equals, true)
	c.Check(wkr.Available, check.Equals, false)
	c.Check(wkr.Capacity, check.Equals, 0)
	_, ok := suite.pool.Acquire()
	c.Check(ok, check.Equals, false)
}

func (suite *PoolSuite) TestStopDiscardsProbes(c *check.C) {
	ep := test.Endpoint(1)
	suite.executor.SetWorker(ep, &test.StubWorker{Report: test.LoadReport(2), Latency: time.Hour})
	suite.disc.SetWorkers("SIMCLOUD", ep)
	suite.pool.Reconcile(test.Payload(0), true)
	suite.pool.Stop()
	suite.waitProbesDone(c)
	c.Check(suite.pool.Workers(), check.HasLen, 0)
}

func (suite *PoolSuite) TestDiscoveryRateLimit(c *check.C) {
	suite.disc.SetError(rateLimitError{time.Now().Add(time.Hour)})
	suite.pool.Reconcile(test.Payload(0), true)
	suite.pool.Reconcile(test.Payload(0), true)
	c.Check(suite.disc.Calls(), check.Equals, 1)
}

func (suite *PoolSuite) TestDiscoveryStateLogging(c *check.C) {
	var buf bytes.Buffer
	logger := ctxlog.New(&buf, "text", "info")
	suite.pool.logger = logger

	suite.disc.SetError(test.ErrTransport)
	suite.pool.Reconcile(test.Payload(0), true)
	suite.pool.Reconcile(test.Payload(0), true)
	suite.disc.SetError(nil)
	suite.pool.Reconcile(test.Payload(0), true)
	suite.pool.Reconcile(test.Payload(0), true)
	suite.disc.SetWorkers("SIMCLOUD", test.Endpoint(1))
	suite.pool.Reconcile(test.Payload(0), false)
	suite.pool.Reconcile(test.Payload(0), false)

	c.Check(strings.Count(buf.String(), "worker discovery failed"), check.Equals, 1)
	c.Check(strings.Count(buf.String(), "no workers found"), check.Equals, 1)
	c.Check(strings.Count(buf.String(), "found workers"), check.Equals, 1)
}

func (suite *PoolSuite) TestMetrics(c *check.C) {
	ep1, ep2 := test.Endpoint(1), test.Endpoint(2)
	suite.addWorkers(map[discovery.Endpoint]int{ep1: 2, ep2: 3})
	suite.waitFor(c, suite.nWorkers(2))
	suite.pool.Acquire()
	suite.pool.MarkUnavailable(WorkerID(ep1.String()), 0)

	values := map[string]float64{}
	mfs, err := suite.reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range mfs {
		values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	c.Check(values["simcloud_workers_total"], check.Equals, float64(2))
	c.Check(values["simcloud_workers_available"], check.Equals, float64(1))
	c.Check(values["simcloud_slots_available"], check.Equals, float64(2))
}
