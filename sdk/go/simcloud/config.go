// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package simcloud

import (
	"encoding/json"
	"fmt"
)

const DefaultConfigFile = "/etc/simcloud/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	if cc, ok := sc.Clusters[clusterID]; !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	} else {
		cc.ClusterID = clusterID
		return &cc, nil
	}
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemLogs      SystemLogsConfig
	Services        Services
	Manager         ManagerConfig
	Discovery       DiscoveryConfig
	Worker          WorkerConfig
	Registry        RegistryConfig
}

type SystemLogsConfig struct {
	Format   string
	LogLevel string
}

// ServiceName identifies one of the HTTP services a process can run.
type ServiceName string

const (
	ServiceNameManager  ServiceName = "manager"
	ServiceNameWorker   ServiceName = "worker"
	ServiceNameRegistry ServiceName = "registry"
)

type Services struct {
	Manager  Service
	Worker   Service
	Registry Service
}

// Map returns the services indexed by ServiceName.
func (svcs Services) Map() map[ServiceName]Service {
	return map[ServiceName]Service{
		ServiceNameManager:  svcs.Manager,
		ServiceNameWorker:   svcs.Worker,
		ServiceNameRegistry: svcs.Registry,
	}
}

type Service struct {
	// Listen is a host:port to listen on, e.g., ":18861".
	Listen string
}

type ManagerConfig struct {
	// Discovery service tag the manager looks up workers under.
	ServiceTag string

	// Ceiling any single worker may reach, in percent.
	MaxCPUPercent    float64
	MaxMemoryPercent float64

	// Expiry bound for Simulate calls.
	SimulationTimeout Duration

	// Scheduler tick interval.
	PollInterval Duration

	// How long Simulate keeps waiting for results after an
	// interrupt.
	InterruptGracePeriod Duration

	// Expiry bound for Test (capacity probe) calls.
	ProbeTimeout Duration

	// Minimum time between probe attempts on an endpoint whose
	// previous probe failed.
	ProbeRetryInterval Duration

	// Time after which a worker marked unavailable by the health
	// check is probed again.
	ReprobeInterval Duration
}

type DiscoveryConfig struct {
	// One of "static", "file", "registry", "ec2".
	Driver           string
	DriverParameters json.RawMessage
}

// SimulatorKind selects how a worker service runs jobs.
type SimulatorKind string

const (
	SimulatorCommand SimulatorKind = "command"
	SimulatorEcho    SimulatorKind = "echo"
)

type WorkerConfig struct {
	Simulator SimulatorKind

	// Command line for SimulatorCommand. The job payload is
	// written to its stdin, its stdout is the result.
	Command string

	// Maximum number of concurrent connections (and therefore
	// jobs) the worker accepts. 0 means no limit.
	MaxConcurrentJobs int

	// Sampling window for CPU load measurements.
	LoadSampleTime Duration

	// Registry to announce this worker to. Empty means don't
	// register.
	RegistryURL string

	// Address announced to the registry. Empty means the
	// registry uses the address it sees the request coming from.
	AdvertiseAddress string

	RegisterInterval Duration
}

type RegistryConfig struct {
	// Entries not refreshed within this time are dropped.
	PruningTimeout Duration
}
