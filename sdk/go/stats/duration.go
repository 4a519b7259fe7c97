// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package stats has types for reporting measurements in
// machine-friendly units.
package stats

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that is encoded in JSON as a number of
// seconds with microsecond precision, e.g., 12.500000.
type Duration time.Duration

// Seconds returns d as a floating point number of seconds.
func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

// UnmarshalJSON implements json.Unmarshaler. It accepts a number of
// seconds, or a string in time.ParseDuration format.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if s := string(data); strings.HasPrefix(s, `"`) {
		s, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	return d.Set(string(data))
}

// Set implements flag.Value. The argument is a number of seconds.
func (d *Duration) Set(s string) error {
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(sec * float64(time.Second))
	return nil
}
