// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves the /_health/* endpoints of simcloud
// services.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/auth"
)

// Func reports nil if the checked component is healthy.
type Func func() error

// Routes maps check names to check functions.
type Routes map[string]Func

// Response is the JSON body of every successful health check
// request, e.g., {"health":"OK"} or {"health":"ERROR","error":"..."}.
type Response struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// Handler runs the check named by the last path segment of the
// request, after stripping Prefix. The "ping" check always exists;
// unless Routes overrides it, it reports OK.
//
// A zero Token disables the handler: every request gets 404.
type Handler struct {
	Token  string
	Prefix string
	Routes Routes

	// Log, if non-nil, is called once per request. err is nil if
	// the check ran, whatever its outcome.
	Log func(r *http.Request, err error)
}

var (
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code, err := h.serve(w, r)
	if err != nil && code != 0 {
		http.Error(w, err.Error(), code)
	}
	if h.Log != nil {
		h.Log(r, err)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) (int, error) {
	fn, ok := h.lookup(r.URL.Path)
	if !ok || h.Token == "" {
		return http.StatusNotFound, errNotFound
	}
	if code, err := h.authorize(r); err != nil {
		return code, err
	}
	resp := Response{Health: "OK"}
	if err := fn(); err != nil {
		resp = Response{Health: "ERROR", Error: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	return 0, json.NewEncoder(w).Encode(resp)
}

func (h *Handler) lookup(path string) (Func, bool) {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name, ok := strings.CutPrefix(path, prefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return nil, false
	}
	if fn, ok := h.Routes[name]; ok {
		return fn, true
	}
	if name == "ping" {
		return func() error { return nil }, true
	}
	return nil, false
}

func (h *Handler) authorize(r *http.Request) (int, error) {
	tokens := auth.Tokens(r)
	if len(tokens) == 0 {
		return http.StatusUnauthorized, errUnauthorized
	}
	for _, tok := range tokens {
		if tok == h.Token {
			return 0, nil
		}
	}
	return http.StatusForbidden, errForbidden
}
