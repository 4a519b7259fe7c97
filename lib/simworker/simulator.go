// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package simworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/google/shlex"
)

// A Simulator runs one job. An error of type
// *simcloud.ApplicationError means the job failed; any other error
// means the worker could not run it.
type Simulator interface {
	Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

var simulators = map[simcloud.SimulatorKind]func(simcloud.WorkerConfig) (Simulator, error){
	simcloud.SimulatorCommand: newCommandSimulator,
	simcloud.SimulatorEcho:    func(simcloud.WorkerConfig) (Simulator, error) { return echoSimulator{}, nil },
}

func newSimulator(cfg simcloud.WorkerConfig) (Simulator, error) {
	f, ok := simulators[cfg.Simulator]
	if !ok {
		return nil, fmt.Errorf("unsupported simulator %q", cfg.Simulator)
	}
	return f(cfg)
}

// echoSimulator returns the payload as the result.
type echoSimulator struct{}

func (echoSimulator) Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	return payload, nil
}

// commandSimulator runs an external program with the payload on
// stdin. Its stdout is the result: used as-is if it is valid JSON,
// otherwise encoded as a JSON string.
type commandSimulator struct {
	argv []string
}

// Number of trailing stderr lines reported when the command fails.
const stderrTailLines = 10

func newCommandSimulator(cfg simcloud.WorkerConfig) (Simulator, error) {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("error parsing Worker.Command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("Worker.Command is empty")
	}
	return &commandSimulator{argv: argv}, nil
}

func (cs *commandSimulator) Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cs.argv[0], cs.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msgs := []string{exitErr.Error()}
		msgs = append(msgs, tail(stderr.String(), stderrTailLines)...)
		return nil, &simcloud.ApplicationError{Messages: msgs}
	} else if err != nil {
		return nil, fmt.Errorf("error running %q: %w", cs.argv[0], err)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	buf, err := json.Marshal(string(out))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// tail returns the last n non-empty lines of s.
func tail(s string, n int) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
