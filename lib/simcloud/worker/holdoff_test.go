// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HoldoffSuite{})

type HoldoffSuite struct{}

type rateLimitError struct {
	until time.Time
}

func (e rateLimitError) Error() string            { return "slow down" }
func (e rateLimitError) EarliestRetry() time.Time { return e.until }

func (s *HoldoffSuite) TestObserve(c *check.C) {
	logger := ctxlog.TestLogger(c)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	h := holdoff{now: func() time.Time { return now }}
	c.Check(h.Err(), check.IsNil)

	h.Observe(errors.New("connection refused"), logger)
	c.Check(h.Err(), check.IsNil)

	h.Observe(rateLimitError{t0.Add(-time.Second)}, logger)
	c.Check(h.Err(), check.IsNil)

	h.Observe(fmt.Errorf("describe instances: %w", rateLimitError{t0.Add(time.Minute)}), logger)
	c.Check(h.Err(), check.ErrorMatches, `discovery calls suspended until 2024-05-01T12:01:00Z: describe instances: slow down`)

	now = t0.Add(59 * time.Second)
	c.Check(h.Err(), check.NotNil)
	now = t0.Add(time.Minute)
	c.Check(h.Err(), check.IsNil)
}
