// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package simcloud

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RequestKind identifies one of the remote operations every worker
// exposes.
type RequestKind int

const (
	KindTest RequestKind = iota
	KindSimulate
)

var requestPaths = map[RequestKind]string{
	KindTest:     "/simcloud/v1/test",
	KindSimulate: "/simcloud/v1/simulate",
}

var requestNames = map[RequestKind]string{
	KindTest:     "test",
	KindSimulate: "simulate",
}

// Path returns the HTTP path of the operation.
func (k RequestKind) Path() string {
	return requestPaths[k]
}

// String implements fmt.Stringer.
func (k RequestKind) String() string {
	if s, ok := requestNames[k]; ok {
		return s
	}
	return fmt.Sprintf("RequestKind(%d)", int(k))
}

// JobRequest is the request body for both Test and Simulate.
type JobRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// JobResponse is the response body of a successful Simulate call.
type JobResponse struct {
	Result json.RawMessage `json:"result"`
}

// LoadReport is the response body of a Test call: the worker's
// baseline load, and its load while running one synthetic job. All
// values are percentages of the whole machine.
type LoadReport struct {
	BaselineCPU    float64 `json:"baseline_cpu"`
	BaselineMemory float64 `json:"baseline_memory"`
	LoadedCPU      float64 `json:"loaded_cpu"`
	LoadedMemory   float64 `json:"loaded_memory"`

	// Worker's own concurrency limit, 0 if unlimited.
	MaxJobs int `json:"max_jobs"`
}

// ErrorResponse is the body of an error response from any simcloud
// service.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// ApplicationError is returned when a worker ran a job and the job
// itself failed. It is never a reason to distrust the worker.
type ApplicationError struct {
	Messages []string
}

func (e *ApplicationError) Error() string {
	if len(e.Messages) == 0 {
		return "simulation failed"
	}
	return "simulation failed: " + strings.Join(e.Messages, "; ")
}
