// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package simcloud

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestString(c *check.C) {
	for _, trial := range []struct {
		dur    time.Duration
		expect string
	}{
		{0, "0s"},
		{100 * time.Millisecond, "100ms"},
		{30 * time.Second, "30s"},
		{time.Minute, "1m"},
		{150 * time.Second, "2m30s"},
		{time.Hour, "1h"},
		{time.Hour + 10*time.Second, "1h0m10s"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{10*time.Minute + 500*time.Millisecond, "10m0.5s"},
	} {
		c.Check(Duration(trial.dur).String(), check.Equals, trial.expect)
	}
}

func (s *DurationSuite) TestJSON(c *check.C) {
	var cfg struct {
		Grace   Duration
		Timeout Duration
	}
	err := json.Unmarshal([]byte(`{"Grace":3,"Timeout":"10m"}`), &cfg)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Grace.Duration(), check.Equals, 3*time.Second)
	c.Check(cfg.Timeout.Duration(), check.Equals, 10*time.Minute)

	err = json.Unmarshal([]byte(`{"Grace":0.1}`), &cfg)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Grace.Duration(), check.Equals, 100*time.Millisecond)

	buf, err := json.Marshal(cfg)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"Grace":"100ms","Timeout":"10m"}`)

	err = json.Unmarshal([]byte(`{"Grace":"soon"}`), &cfg)
	c.Check(err, check.ErrorMatches, `.*invalid duration "soon"`)
	err = json.Unmarshal([]byte(`{"Grace":true}`), &cfg)
	c.Check(err, check.ErrorMatches, `invalid duration true`)
}

func (s *DurationSuite) TestSet(c *check.C) {
	var d Duration
	c.Check(d.Set("1m30s"), check.IsNil)
	c.Check(d.Duration(), check.Equals, 90*time.Second)
	c.Check(d.Set("90"), check.NotNil)
	c.Check(d.Duration(), check.Equals, 90*time.Second)
}
