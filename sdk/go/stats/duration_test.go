// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"encoding/json"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestString(c *check.C) {
	c.Check(Duration(123123123123*time.Nanosecond).String(), check.Equals, "123.123123")
	c.Check(Duration(0).String(), check.Equals, "0.000000")
}

func (s *DurationSuite) TestSet(c *check.C) {
	var d Duration
	c.Check(d.Set("123.456"), check.IsNil)
	c.Check(time.Duration(d), check.Equals, 123456*time.Millisecond)
	c.Check(d.Set("abc"), check.ErrorMatches, `invalid duration "abc": .*`)
}

func (s *DurationSuite) TestJSON(c *check.C) {
	var v struct {
		Elapsed Duration
		Timeout Duration
	}
	err := json.Unmarshal([]byte(`{"Elapsed":1.5,"Timeout":"2m"}`), &v)
	c.Assert(err, check.IsNil)
	c.Check(time.Duration(v.Elapsed), check.Equals, 1500*time.Millisecond)
	c.Check(time.Duration(v.Timeout), check.Equals, 2*time.Minute)

	buf, err := json.Marshal(v)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"Elapsed":1.500000,"Timeout":120.000000}`)
}
