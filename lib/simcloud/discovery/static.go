// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// StaticDriver returns a fixed list of workers regardless of the
// service tag. Parameters:
//
//	DriverParameters:
//	  Workers: ["10.0.0.1:18861", "10.0.0.2:18861"]
var StaticDriver = DriverFunc(newStaticDiscovery)

type staticConfig struct {
	Workers []string
}

type staticDiscovery struct {
	endpoints []Endpoint
}

func newStaticDiscovery(config json.RawMessage, logger logrus.FieldLogger) (Discovery, error) {
	var cfg staticConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("error decoding static discovery parameters: %w", err)
		}
	}
	eps, err := parseEndpoints(cfg.Workers)
	if err != nil {
		return nil, err
	}
	logger.WithField("N", len(eps)).Debug("static discovery configured")
	return &staticDiscovery{endpoints: eps}, nil
}

func (sd *staticDiscovery) Workers(context.Context, string) ([]Endpoint, error) {
	return append([]Endpoint(nil), sd.endpoints...), nil
}

func (sd *staticDiscovery) Stop() {}

// parseEndpoints parses a list of "host:port" strings, dropping
// duplicates.
func parseEndpoints(list []string) ([]Endpoint, error) {
	seen := map[Endpoint]bool{}
	var eps []Endpoint
	for _, s := range list {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		if seen[ep] {
			continue
		}
		seen[ep] = true
		eps = append(eps, ep)
	}
	return eps, nil
}
