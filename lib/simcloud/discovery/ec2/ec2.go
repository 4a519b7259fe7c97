// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 finds workers by listing running EC2 instances tagged
// with the service tag.
package ec2

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/sirupsen/logrus"
)

// Driver is the ec2 implementation of the discovery.Driver
// interface.
//
//	DriverParameters:
//	  AccessKeyID: XXXXXXXXXXXXXX
//	  SecretAccessKey: xxxxxxxxxxxxxxxxxxxx
//	  Region: us-east-1
//	  ServiceTagKey: simcloud-service
//	  PortTagKey: simcloud-port
//	  DefaultPort: 18861
//	  UsePublicIP: false
//
// An instance is a worker for service tag T if it is running and
// has a ServiceTagKey tag with value T. Its port is taken from its
// PortTagKey tag, or DefaultPort.
var Driver = discovery.DriverFunc(newEC2Discovery)

const throttleDelay = 20 * time.Second

type ec2DiscoveryConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	ServiceTagKey   string
	PortTagKey      string
	DefaultPort     int
	UsePublicIP     bool
}

type ec2Interface interface {
	DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error)
}

type ec2Discovery struct {
	ec2config ec2DiscoveryConfig
	logger    logrus.FieldLogger
	client    ec2Interface
}

func newEC2Discovery(config json.RawMessage, logger logrus.FieldLogger) (discovery.Discovery, error) {
	disc := &ec2Discovery{logger: logger}
	if err := json.Unmarshal(config, &disc.ec2config); err != nil {
		return nil, err
	}
	if disc.ec2config.ServiceTagKey == "" {
		disc.ec2config.ServiceTagKey = "simcloud-service"
	}
	if disc.ec2config.PortTagKey == "" {
		disc.ec2config.PortTagKey = "simcloud-port"
	}
	if disc.ec2config.DefaultPort == 0 {
		disc.ec2config.DefaultPort = 18861
	}
	awsConfig := aws.NewConfig().WithRegion(disc.ec2config.Region)
	if disc.ec2config.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(
			disc.ec2config.AccessKeyID,
			disc.ec2config.SecretAccessKey,
			""))
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	disc.client = ec2.New(sess)
	return disc, nil
}

func (disc *ec2Discovery) Workers(ctx context.Context, serviceTag string) ([]discovery.Endpoint, error) {
	dii := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("tag:" + disc.ec2config.ServiceTagKey),
			Values: []*string{aws.String(serviceTag)},
		}, {
			Name:   aws.String("instance-state-name"),
			Values: []*string{aws.String("running")},
		}}}

	var eps []discovery.Endpoint
	for {
		dio, err := disc.client.DescribeInstancesWithContext(ctx, dii)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				ep, ok := disc.endpoint(inst)
				if !ok {
					disc.logger.WithField("Instance", aws.StringValue(inst.InstanceId)).Debug("skipping instance with no usable address")
					continue
				}
				eps = append(eps, ep)
			}
		}
		if dio.NextToken == nil {
			return eps, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (disc *ec2Discovery) endpoint(inst *ec2.Instance) (discovery.Endpoint, bool) {
	addr := aws.StringValue(inst.PrivateIpAddress)
	if disc.ec2config.UsePublicIP {
		addr = aws.StringValue(inst.PublicIpAddress)
	}
	if addr == "" {
		return discovery.Endpoint{}, false
	}
	port := disc.ec2config.DefaultPort
	for _, t := range inst.Tags {
		if aws.StringValue(t.Key) != disc.ec2config.PortTagKey {
			continue
		}
		p, err := strconv.Atoi(aws.StringValue(t.Value))
		if err != nil || p < 1 || p > 65535 {
			disc.logger.WithField("Instance", aws.StringValue(inst.InstanceId)).Warnf("ignoring invalid %s tag %q", disc.ec2config.PortTagKey, aws.StringValue(t.Value))
			continue
		}
		port = p
	}
	return discovery.Endpoint{Address: addr, Port: port}, true
}

func (disc *ec2Discovery) Stop() {
}

type ec2RateLimitError struct {
	error
	earliestRetry time.Time
}

func (err ec2RateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

var throttleCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
}

func wrapError(err error) error {
	if aerr, ok := err.(awserr.Error); ok && throttleCodes[aerr.Code()] {
		return ec2RateLimitError{
			error:         fmt.Errorf("describe instances: %w", err),
			earliestRetry: time.Now().Add(throttleDelay),
		}
	}
	return err
}
