// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const HeaderRequestID = "X-Request-Id"

var lastRequestID atomic.Int64

func init() {
	lastRequestID.Store(time.Now().UnixNano())
}

func nextRequestID() string {
	return "req-" + strconv.FormatInt(lastRequestID.Add(1), 36)
}

// AddRequestIDs assigns an X-Request-Id to each request that doesn't
// already carry one, and echoes it in the response headers.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(HeaderRequestID)
		if id == "" {
			id = nextRequestID()
			req.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		h.ServeHTTP(w, req)
	})
}
