// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
)

// statusError is an error that knows which HTTP status it should be
// reported with.
type statusError struct {
	err    error
	status int
}

func (e statusError) Error() string { return e.err.Error() }
func (e statusError) Unwrap() error { return e.err }

// Errorf returns an error that WriteError reports with the given
// HTTP status.
func Errorf(status int, format string, args ...interface{}) error {
	return statusError{err: fmt.Errorf(format, args...), status: status}
}

// Error sends a single error message in the usual simcloud error
// response format, {"errors":["..."]}.
func Error(w http.ResponseWriter, msg string, code int) {
	Errors(w, []string{msg}, code)
}

// Errors sends several error messages, {"errors":["...","..."]}.
func Errors(w http.ResponseWriter, msgs []string, code int) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(simcloud.ErrorResponse{Errors: msgs})
}

// WriteError sends err to the client. Application errors get 422
// with one entry per message, errors from Errorf get their own
// status, anything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *simcloud.ApplicationError
	if errors.As(err, &appErr) {
		msgs := appErr.Messages
		if len(msgs) == 0 {
			msgs = []string{appErr.Error()}
		}
		Errors(w, msgs, http.StatusUnprocessableEntity)
		return
	}
	code := http.StatusInternalServerError
	var se statusError
	if errors.As(err, &se) {
		code = se.status
	}
	Error(w, err.Error(), code)
}
