// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth checks the management token presented with requests
// to the management API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
)

// Tokens returns the tokens presented with r: the bearer token from
// the Authorization header, followed by any "token" query
// parameters. Leading and trailing whitespace is removed.
func Tokens(r *http.Request) []string {
	var tokens []string
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && scheme == "Bearer" {
		tokens = append(tokens, strings.TrimSpace(tok))
	}
	// ParseQuery returns whatever it could decode even when it
	// also returns an error.
	q, _ := url.ParseQuery(r.URL.RawQuery)
	for _, tok := range q["token"] {
		tokens = append(tokens, strings.TrimSpace(tok))
	}
	return tokens
}

// RequireLiteralToken returns a handler that passes requests to next
// only if they present the given token. Requests with no token get
// 401, requests with only wrong tokens get 403.
//
// If token is empty, RequireLiteralToken returns next unchanged.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens := Tokens(r)
		if len(tokens) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, tok := range tokens {
			if subtle.ConstantTimeCompare([]byte(tok), want) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
