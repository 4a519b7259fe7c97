// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

//go:build linux

package simworker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

type procSampler struct {
	fs procfs.FS
}

func newLoadSampler() (loadSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &procSampler{fs: fs}, nil
}

// Sample returns the fraction of CPU time (all CPUs) spent busy
// during the interval d, and the memory in use at the end of it,
// both in percent.
func (ps *procSampler) Sample(ctx context.Context, d time.Duration) (loadSample, error) {
	before, err := ps.fs.Stat()
	if err != nil {
		return loadSample{}, err
	}
	select {
	case <-ctx.Done():
		return loadSample{}, ctx.Err()
	case <-time.After(d):
	}
	after, err := ps.fs.Stat()
	if err != nil {
		return loadSample{}, err
	}
	busy0, total0 := cpuTimes(before.CPUTotal)
	busy1, total1 := cpuTimes(after.CPUTotal)
	var cpu float64
	if total1 > total0 {
		cpu = 100 * (busy1 - busy0) / (total1 - total0)
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return loadSample{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit
	free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	var mem float64
	if total > 0 && total >= free {
		mem = 100 * float64(total-free) / float64(total)
	}
	return loadSample{CPU: cpu, Memory: mem, MemTotal: total}, nil
}

func cpuTimes(st procfs.CPUStat) (busy, total float64) {
	idle := st.Idle + st.Iowait
	busy = st.User + st.Nice + st.System + st.IRQ + st.SoftIRQ + st.Steal
	return busy, busy + idle
}
