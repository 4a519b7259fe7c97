// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package discovery finds the workers that currently advertise a
// given service tag.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// An Endpoint is the network address of a worker's Job RPC service.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String returns "address:port", which is also the worker's ID.
func (ep Endpoint) String() string {
	return net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
}

// ParseEndpoint parses "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in %q", s)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", s)
	}
	return Endpoint{Address: host, Port: port}, nil
}

// A RateLimitError should be returned by a Discovery when the
// backing service indicates it is rejecting all API calls for some
// time interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A Discovery lists the workers currently advertising a service
// tag.
type Discovery interface {
	// Return the endpoints advertising serviceTag. An empty list
	// is not an error. Results are best effort: a worker may
	// appear here after it has stopped, or be missing for a
	// while after it has started. Implementations that make
	// remote calls give up when ctx is done.
	Workers(ctx context.Context, serviceTag string) ([]Endpoint, error)

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns a Discovery that uses the given driver-dependent
// configuration parameters.
//
// Example:
//
//	type exampleDiscovery struct {
//		Hosts []string
//	}
//
//	type exampleDriver struct {}
//
//	func (*exampleDriver) Discovery(config json.RawMessage, logger logrus.FieldLogger) (discovery.Discovery, error) {
//		var d exampleDiscovery
//		if err := json.Unmarshal(config, &d); err != nil {
//			return nil, err
//		}
//		return &d, nil
//	}
type Driver interface {
	Discovery(config json.RawMessage, logger logrus.FieldLogger) (Discovery, error)
}

// DriverFunc makes a Driver using the provided function as its
// Discovery method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, logger logrus.FieldLogger) (Discovery, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, logger logrus.FieldLogger) (Discovery, error)

func (df driverFunc) Discovery(config json.RawMessage, logger logrus.FieldLogger) (Discovery, error) {
	return df(config, logger)
}
