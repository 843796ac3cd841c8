// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth provides token-checking middleware for management
// APIs.
package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest returns the bearer token supplied in the request's
// Authorization header, if any.
func TokenFromRequest(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "OAuth2 "} {
		if strings.HasPrefix(hdr, prefix) {
			return hdr[len(prefix):]
		}
	}
	return ""
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := TokenFromRequest(r)
		if t == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if t != token {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
