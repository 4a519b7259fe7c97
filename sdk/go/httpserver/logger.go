// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// Error response bodies are logged up to this size.
const sniffBytes = 1024

// LogRequests logs a "request" entry when each request arrives and a
// "response" entry when it has been served. Handlers can get the
// request-scoped logger with Logger.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		lgr.Info("request")
		rec := &recorder{ResponseWriter: w}
		defer func() { rec.log(lgr, start) }()
		h.ServeHTTP(rec, req.WithContext(ctxlog.Context(req.Context(), lgr)))
	})
}

// Logger returns the request-scoped logger installed by LogRequests,
// or the default logger if there is none.
func Logger(req *http.Request) logrus.FieldLogger {
	return ctxlog.FromContext(req.Context())
}

// recorder remembers what was sent through it, for logging.
type recorder struct {
	http.ResponseWriter
	status     int
	statusTime time.Time
	bytes      int
	errBody    []byte
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
		r.statusTime = time.Now()
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	if r.status >= 400 && len(r.errBody) < sniffBytes {
		r.errBody = append(r.errBody, p[:min(len(p), sniffBytes-len(r.errBody))]...)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *recorder) log(lgr logrus.FieldLogger, start time.Time) {
	done := time.Now()
	status, statusTime := r.status, r.statusTime
	if status == 0 {
		status, statusTime = http.StatusOK, done
	}
	fields := logrus.Fields{
		"respStatusCode": status,
		"respStatus":     http.StatusText(status),
		"respBytes":      r.bytes,
		"timeTotal":      done.Sub(start).Seconds(),
		"timeToStatus":   statusTime.Sub(start).Seconds(),
	}
	if status >= 400 {
		fields["respBody"] = string(r.errBody)
	}
	lgr.WithFields(fields).Info("response")
}
