// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck checks that a command writes only to the stdout and
// stderr it was given, and never to os.Stdout or os.Stderr.
//
// It points os.Stdout and os.Stderr at temporary files, and returns
// a func that restores them and fails the test if anything was
// written.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		code := SomeCommand.RunCommand("prog", nil, stdin, &stdout, &stderr)
//	}
func LeakCheck(c *check.C) func() {
	origStdout, origStderr := os.Stdout, os.Stderr
	tmpStdout := tempFile(c)
	tmpStderr := tempFile(c)
	os.Stdout, os.Stderr = tmpStdout, tmpStderr
	return func() {
		os.Stdout, os.Stderr = origStdout, origStderr
		for name, f := range map[string]*os.File{"stdout": tmpStdout, "stderr": tmpStderr} {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
			f.Close()
		}
	}
}

func tempFile(c *check.C) *os.File {
	f, err := os.CreateTemp(c.MkDir(), "leakcheck-")
	c.Assert(err, check.IsNil)
	return f
}
