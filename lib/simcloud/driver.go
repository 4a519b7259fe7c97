// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package simcloud

import (
	"fmt"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery/ec2"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/sirupsen/logrus"
)

var drivers = map[string]discovery.Driver{
	"static":   discovery.StaticDriver,
	"file":     discovery.FileDriver,
	"registry": discovery.RegistryDriver,
	"ec2":      ec2.Driver,
}

func newDiscovery(cluster *simcloud.Cluster, logger logrus.FieldLogger) (discovery.Discovery, error) {
	driver, ok := drivers[cluster.Discovery.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported discovery driver %q", cluster.Discovery.Driver)
	}
	disc, err := driver.Discovery(cluster.Discovery.DriverParameters, logger.WithField("Driver", cluster.Discovery.Driver))
	if err != nil {
		return nil, fmt.Errorf("error initializing %s discovery driver: %w", cluster.Discovery.Driver, err)
	}
	return disc, nil
}
