// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}
type key int

const (
	contextKey key = iota
)

// freeAddr returns a localhost address that is (probably) not in
// use.
func freeAddr(c *check.C) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer ln.Close()
	return ln.Addr().String()
}

// syncBuffer is a bytes.Buffer that is safe to read while the
// service goroutine is logging to it.
type syncBuffer struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.buf.String()
}

func (*Suite) TestCommand(c *check.C) {
	cf := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(cf, []byte(fmt.Sprintf("Clusters:\n zzzzz:\n  ManagementToken: abcde\n  Services: {Worker: {Listen: %q}}\n", freeAddr(c))), 0644)
	c.Assert(err, check.IsNil)

	healthCheck := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := Command(simcloud.ServiceNameWorker, func(ctx context.Context, _ *simcloud.Cluster, token string, reg *prometheus.Registry) Handler {
		c.Check(ctx.Value(contextKey), check.Equals, "bar")
		c.Check(token, check.Equals, "abcde")
		addr, ok := ListenAddrFromContext(ctx)
		c.Check(ok, check.Equals, true)
		c.Check(addr, check.Matches, `127\.0\.0\.1:\d+`)
		return &testHandler{ctx: ctx, healthCheck: healthCheck}
	})
	cmd.(*command).ctx = context.WithValue(ctx, contextKey, "bar")

	done := make(chan bool)
	var stdin, stdout bytes.Buffer
	stderr := &syncBuffer{}

	go func() {
		cmd.RunCommand("simcloud-worker", []string{"-config", cf}, &stdin, &stdout, stderr)
		close(done)
	}()
	select {
	case <-healthCheck:
	case <-done:
		c.Error("command exited without health check")
	}
	cancel()
	<-done
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*msg="CheckHealth called".*`)
}

func (*Suite) TestServeHealthAndHandler(c *check.C) {
	addr := freeAddr(c)
	stdin := bytes.NewBufferString(fmt.Sprintf(`
Clusters:
 zzzzz:
  ManagementToken: abcde
  SystemLogs: {Format: json}
  Services:
   Registry:
    Listen: %q
`, addr))

	called := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := Command(simcloud.ServiceNameRegistry, func(ctx context.Context, _ *simcloud.Cluster, token string, reg *prometheus.Registry) Handler {
		return &testHandler{ctx: ctx, handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
			select {
			case called <- true:
			default:
			}
		})}
	})
	cmd.(*command).ctx = ctx

	exited := make(chan bool)
	var stdout bytes.Buffer
	stderr := &syncBuffer{}
	go func() {
		cmd.RunCommand("simcloud-registry", []string{"-config", "-"}, stdin, &stdout, stderr)
		close(exited)
	}()

	var resp *http.Response
	var err error
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		resp, err = http.Get("http://" + addr + "/foo")
		if err == nil {
			break
		}
	}
	c.Assert(err, check.IsNil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(string(body), check.Equals, "ok")
	c.Check(resp.Header.Get("X-Request-Id"), check.Matches, `req-.*`)
	<-called

	req, _ := http.NewRequest("GET", "http://"+addr+"/_health/ping", nil)
	req.Header.Set("Authorization", "Bearer abcde")
	resp, err = http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(string(body), check.Equals, `{"health":"OK"}`+"\n")

	req, _ = http.NewRequest("GET", "http://"+addr+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer abcde")
	resp, err = http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(string(body), check.Matches, `(?ms).*simcloud_request_duration_seconds.*`)

	cancel()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		c.Error("timed out waiting for service to exit")
	}
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"listening".*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*"reqPath":"/foo".*`)
}

func (*Suite) TestUnhealthyHandler(c *check.C) {
	stdin := bytes.NewBufferString("Clusters: {zzzzz: {Services: {Worker: {Listen: \"127.0.0.1:0\"}}}}")
	cmd := Command(simcloud.ServiceNameWorker, func(ctx context.Context, cluster *simcloud.Cluster, token string, reg *prometheus.Registry) Handler {
		return ErrorHandler(ctx, cluster, errors.New("simulator not configured"))
	})
	var stdout bytes.Buffer
	stderr := &syncBuffer{}
	code := cmd.RunCommand("simcloud-worker", []string{"-config", "-"}, stdin, &stdout, stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*simulator not configured.*`)
}

func (*Suite) TestNoListenAddr(c *check.C) {
	stdin := bytes.NewBufferString("Clusters: {zzzzz: {}}")
	cmd := Command(simcloud.ServiceNameManager, func(ctx context.Context, _ *simcloud.Cluster, token string, reg *prometheus.Registry) Handler {
		c.Error("newHandler should not be called")
		return nil
	})
	var stdout bytes.Buffer
	stderr := &syncBuffer{}
	code := cmd.RunCommand("simcloud-manager", []string{"-config", "-"}, stdin, &stdout, stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*configuration does not enable the \\"manager\\" service.*`)
}

type testHandler struct {
	ctx         context.Context
	handler     http.Handler
	healthCheck chan bool
}

func (th *testHandler) Done() <-chan struct{}                            { return nil }
func (th *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { th.handler.ServeHTTP(w, r) }
func (th *testHandler) CheckHealth() error {
	ctxlog.FromContext(th.ctx).Info("CheckHealth called")
	select {
	case th.healthCheck <- true:
	default:
	}
	return nil
}
