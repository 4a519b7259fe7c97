// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
)

// Endpoint returns a fake worker endpoint "10.0.0.{i}:18861".
func Endpoint(i int) discovery.Endpoint {
	return discovery.Endpoint{Address: fmt.Sprintf("10.0.0.%d", i), Port: 18861}
}

// Payload returns a fake job payload {"seed":i}.
func Payload(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"seed":%d}`, i))
}

// Seed returns i if payload is Payload(i), otherwise -1.
func Seed(payload json.RawMessage) int {
	var p struct{ Seed *int }
	if json.Unmarshal(payload, &p) != nil || p.Seed == nil {
		return -1
	}
	return *p.Seed
}

// LoadReport returns a report that yields the given number of slots
// with the default 90% CPU/memory limits: baseline 10%, each job
// costs a little less than 80/slots percent CPU and no memory.
func LoadReport(slots int) simcloud.LoadReport {
	return simcloud.LoadReport{
		BaselineCPU:    10,
		BaselineMemory: 10,
		LoadedCPU:      10 + 80/(float64(slots)+0.5),
		LoadedMemory:   10,
	}
}

// Cluster returns a cluster config with short timeouts suitable for
// tests.
func Cluster() *simcloud.Cluster {
	return &simcloud.Cluster{
		ClusterID:       "zzzzz",
		ManagementToken: "test-management-token",
		Manager: simcloud.ManagerConfig{
			ServiceTag:           "SIMCLOUD",
			MaxCPUPercent:        90,
			MaxMemoryPercent:     90,
			SimulationTimeout:    simcloud.Duration(time.Minute),
			PollInterval:         simcloud.Duration(5 * time.Millisecond),
			InterruptGracePeriod: simcloud.Duration(200 * time.Millisecond),
			ProbeTimeout:         simcloud.Duration(time.Second),
			ProbeRetryInterval:   simcloud.Duration(10 * time.Millisecond),
			ReprobeInterval:      simcloud.Duration(time.Hour),
		},
		Discovery: simcloud.DiscoveryConfig{
			Driver: "static",
		},
	}
}
