// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/httpserver"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
)

// ErrorHandler returns a Handler for a service that could not be
// set up. It fails its health check with err, so Command exits
// before listening, and answers any request that does reach it with
// a 500.
func ErrorHandler(ctx context.Context, _ *simcloud.Cluster, err error) Handler {
	ctxlog.FromContext(ctx).WithError(err).Error("unhealthy service")
	return &failedHandler{err: err, done: closedChan}
}

type failedHandler struct {
	err  error
	done <-chan struct{}
}

func (h *failedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.Logger(r).WithError(h.err).Error("unhealthy service")
	httpserver.Error(w, h.err.Error(), http.StatusInternalServerError)
}

func (h *failedHandler) CheckHealth() error { return h.err }
func (h *failedHandler) Done() <-chan struct{} { return h.done }

var closedChan = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
