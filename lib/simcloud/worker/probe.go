// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"math"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
)

// maxSlots bounds the slot count of a worker whose load report does
// not bound it at all.
const maxSlots = 1 << 16

// AdmissibleSlots returns the number of jobs a worker can run
// concurrently without exceeding maxCPU or maxMemory (percent),
// given a load report with its baseline load and its load while
// running one job:
//
//	floor(min((maxCPU-baseCPU)/(loadedCPU-baseCPU),
//	          (maxMem-baseMem)/(loadedMem-baseMem)))
//
// A resource whose per-job cost is zero or negative does not limit
// the result. If neither resource limits it, the worker's own limit
// (r.MaxJobs) is used, or 1 if it has none. The result never exceeds
// r.MaxJobs (if non-zero) and is never negative.
func AdmissibleSlots(r simcloud.LoadReport, maxCPU, maxMemory float64) int {
	headroom := math.Inf(1)
	for _, res := range []struct {
		max, base, loaded float64
	}{
		{maxCPU, r.BaselineCPU, r.LoadedCPU},
		{maxMemory, r.BaselineMemory, r.LoadedMemory},
	} {
		perJob := res.loaded - res.base
		if perJob <= 0 || math.IsNaN(perJob) {
			continue
		}
		if h := (res.max - res.base) / perJob; h < headroom {
			headroom = h
		}
	}

	var slots int
	switch {
	case math.IsInf(headroom, 1):
		slots = r.MaxJobs
		if slots <= 0 {
			slots = 1
		}
	case headroom >= maxSlots:
		slots = maxSlots
	case headroom <= 0:
		slots = 0
	default:
		slots = int(math.Floor(headroom))
	}
	if r.MaxJobs > 0 && slots > r.MaxJobs {
		slots = r.MaxJobs
	}
	return slots
}
