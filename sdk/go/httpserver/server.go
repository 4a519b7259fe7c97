// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Server is an http.Server that can be started and stopped from the
// same goroutine. After Start returns, Addr is the address actually
// being listened on, so ":0" works in tests.
type Server struct {
	http.Server
	Addr string

	// If not nil, WrapListener is applied to the listening socket
	// before Start begins serving, e.g., to cap the number of
	// concurrent connections.
	WrapListener func(net.Listener) net.Listener

	// How long Close waits for active requests before dropping
	// them. Zero means 10 seconds.
	ShutdownTimeout time.Duration

	closing atomic.Bool
	done    chan struct{}
	err     error
}

// Start listens on Addr and serves requests in a new goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.Addr = ln.Addr().String()
	if srv.WrapListener != nil {
		ln = srv.WrapListener(ln)
	}
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if !srv.closing.Load() && !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops accepting connections, waits up to ShutdownTimeout for
// active requests to finish, and returns when the server has
// stopped.
func (srv *Server) Close() error {
	srv.closing.Store(true)
	timeout := srv.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Server.Close()
	}
	return srv.Wait()
}

// Wait returns when the server has stopped. The error is nil if the
// server was stopped by Close.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}
