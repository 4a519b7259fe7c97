// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&HandlerSuite{})

type HandlerSuite struct{}

const testToken = "supersecret"

func (s *HandlerSuite) get(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func (s *HandlerSuite) checkHealth(c *check.C, resp *httptest.ResponseRecorder, health, errmsg string) {
	c.Check(resp.Code, check.Equals, http.StatusOK)
	var body Response
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &body), check.IsNil)
	c.Check(body.Health, check.Equals, health)
	c.Check(body.Error, check.Equals, errmsg)
}

func (s *HandlerSuite) TestRoutes(c *check.C) {
	h := &Handler{
		Token:  testToken,
		Prefix: "/_health/",
		Routes: Routes{
			"scheduler": func() error { return nil },
			"simulator": func() error { return errors.New(`exec: "simulate": executable file not found in $PATH`) },
		},
	}
	s.checkHealth(c, s.get(h, "/_health/ping", testToken), "OK", "")
	s.checkHealth(c, s.get(h, "/_health/scheduler", testToken), "OK", "")
	s.checkHealth(c, s.get(h, "/_health/simulator", testToken), "ERROR", `exec: "simulate": executable file not found in $PATH`)
	s.checkHealth(c, s.get(h, "/_health/simulator?token="+testToken, ""), "ERROR", `exec: "simulate": executable file not found in $PATH`)

	c.Check(s.get(h, "/_health/simulator", "pwn").Code, check.Equals, http.StatusForbidden)
	c.Check(s.get(h, "/_health/simulator", "").Code, check.Equals, http.StatusUnauthorized)
	for _, path := range []string{"/_health/nonexistent", "/_health/", "/_health/ping/x", "/x/ping", "/ping"} {
		c.Check(s.get(h, path, testToken).Code, check.Equals, http.StatusNotFound, check.Commentf("%s", path))
	}
}

func (s *HandlerSuite) TestPrefixWithoutSlash(c *check.C) {
	h := &Handler{Token: testToken, Prefix: "/_health"}
	s.checkHealth(c, s.get(h, "/_health/ping", testToken), "OK", "")
}

func (s *HandlerSuite) TestPingOverride(c *check.C) {
	stopped := false
	h := &Handler{
		Token: testToken,
		Routes: Routes{"ping": func() error {
			if stopped {
				return errors.New("manager stopped")
			}
			return nil
		}},
	}
	s.checkHealth(c, s.get(h, "/ping", testToken), "OK", "")
	stopped = true
	s.checkHealth(c, s.get(h, "/ping", testToken), "ERROR", "manager stopped")
}

func (s *HandlerSuite) TestLog(c *check.C) {
	var logged []error
	h := &Handler{
		Token:  testToken,
		Prefix: "/_health",
		Routes: Routes{"scheduler": func() error { return errors.New("stopped") }},
		Log: func(r *http.Request, err error) {
			logged = append(logged, err)
		},
	}
	s.get(h, "/_health/scheduler", testToken)
	s.get(h, "/_health/scheduler", "pwn")
	s.get(h, "/_health/ping", "")
	s.get(h, "/_health/missing", testToken)
	c.Check(logged, check.DeepEquals, []error{nil, errForbidden, errUnauthorized, errNotFound})
}

func (s *HandlerSuite) TestZeroValueIsDisabled(c *check.C) {
	c.Check(s.get(&Handler{}, "/ping", testToken).Code, check.Equals, http.StatusNotFound)
	c.Check(s.get(&Handler{}, "/ping", "").Code, check.Equals, http.StatusNotFound)
}
