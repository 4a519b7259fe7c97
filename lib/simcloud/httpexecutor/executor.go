// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package httpexecutor provides an implementation of worker.Executor
// that calls a worker's Job RPC endpoints over HTTP.
package httpexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/sirupsen/logrus"
)

// maxErrorBody limits how much of an error response is read.
const maxErrorBody = 1 << 16

// New returns a new Executor.
func New(logger logrus.FieldLogger) *Executor {
	return &Executor{
		Scheme:      "http",
		DialTimeout: 10 * time.Second,
		logger:      logger,
	}
}

// An Executor sends each call on a new connection, which is closed
// when the call returns. Calls are bounded only by their context.
type Executor struct {
	// "http" or "https".
	Scheme string

	// Timeout for establishing each connection.
	DialTimeout time.Duration

	logger logrus.FieldLogger
}

// Test implements worker.Executor.
func (exr *Executor) Test(ctx context.Context, ep discovery.Endpoint, payload json.RawMessage) (simcloud.LoadReport, error) {
	var report simcloud.LoadReport
	err := exr.call(ctx, ep, simcloud.KindTest, payload, &report)
	return report, err
}

// Simulate implements worker.Executor.
func (exr *Executor) Simulate(ctx context.Context, ep discovery.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	var resp simcloud.JobResponse
	err := exr.call(ctx, ep, simcloud.KindSimulate, payload, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		resp.Result = json.RawMessage("null")
	}
	return resp.Result, nil
}

func (exr *Executor) call(ctx context.Context, ep discovery.Endpoint, kind simcloud.RequestKind, payload json.RawMessage, dst interface{}) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(simcloud.JobRequest{Payload: payload})
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, ep, err)
	}
	url := exr.Scheme + "://" + ep.String() + kind.Path()
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, ep, err)
	}
	req.Header.Set("Content-Type", "application/json")

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: exr.DialTimeout}).DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: exr.DialTimeout,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	t0 := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, ep, err)
	}
	defer resp.Body.Close()
	exr.logger.WithFields(logrus.Fields{
		"Worker":     ep.String(),
		"Call":       kind.String(),
		"StatusCode": resp.StatusCode,
		"Duration":   time.Since(t0),
	}).Debug("call returned")

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("%s %s: error decoding response: %w", kind, ep, err)
		}
		return nil
	case http.StatusUnprocessableEntity:
		var errResp simcloud.ErrorResponse
		buf, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			return fmt.Errorf("%s %s: error reading response: %w", kind, ep, err)
		}
		if err := json.Unmarshal(buf, &errResp); err != nil {
			return fmt.Errorf("%s %s: %s, error decoding response: %w", kind, ep, resp.Status, err)
		}
		return &simcloud.ApplicationError{Messages: errResp.Errors}
	default:
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var errResp simcloud.ErrorResponse
		if json.Unmarshal(buf, &errResp) == nil && len(errResp.Errors) > 0 {
			return fmt.Errorf("%s %s: %s: %s", kind, ep, resp.Status, strings.Join(errResp.Errors, "; "))
		}
		return fmt.Errorf("%s %s: %s", kind, ep, resp.Status)
	}
}
