// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/httpserver"
	"github.com/gorilla/mux"
)

type router struct {
	http.Handler
	registry *registry
}

func newRouter(reg *registry) *router {
	rtr := &router{registry: reg}
	r := mux.NewRouter()
	tagPath := discovery.RegistryPath + `{tag:[^/]+}`
	r.Methods(http.MethodGet).Path(tagPath).HandlerFunc(rtr.handleList)
	r.Methods(http.MethodPut).Path(tagPath).HandlerFunc(rtr.handlePut)
	r.Methods(http.MethodDelete).Path(tagPath).HandlerFunc(rtr.handleDelete)
	r.NotFoundHandler = http.HandlerFunc(rtr.handleBadRequest)
	r.MethodNotAllowedHandler = http.HandlerFunc(rtr.handleBadRequest)
	rtr.Handler = r
	return rtr
}

func (rtr *router) CheckHealth() error {
	return nil
}

func (rtr *router) Done() <-chan struct{} {
	return nil
}

func (rtr *router) handleList(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(discovery.ServiceList{Items: rtr.registry.List(mux.Vars(req)["tag"])})
}

func (rtr *router) handlePut(w http.ResponseWriter, req *http.Request) {
	ep, err := rtr.readEndpoint(req)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rtr.registry.Put(mux.Vars(req)["tag"], ep)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ep)
}

func (rtr *router) handleDelete(w http.ResponseWriter, req *http.Request) {
	ep, err := rtr.readEndpoint(req)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !rtr.registry.Delete(mux.Vars(req)["tag"], ep) {
		httpserver.Error(w, "endpoint not registered", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ep)
}

// readEndpoint decodes the request body. An empty address means the
// address the request came from.
func (rtr *router) readEndpoint(req *http.Request) (discovery.Endpoint, error) {
	var ep discovery.Endpoint
	err := json.NewDecoder(req.Body).Decode(&ep)
	if err != nil {
		return ep, fmt.Errorf("error decoding request body: %w", err)
	}
	if ep.Port < 1 || ep.Port > 65535 {
		return ep, fmt.Errorf("invalid port %d", ep.Port)
	}
	if ep.Address == "" {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			return ep, fmt.Errorf("cannot determine client address from %q: %w", req.RemoteAddr, err)
		}
		ep.Address = host
	}
	return ep, nil
}

func (rtr *router) handleBadRequest(w http.ResponseWriter, req *http.Request) {
	httpserver.Error(w, fmt.Sprintf("%s %s: not found", req.Method, req.URL.Path), http.StatusBadRequest)
}
