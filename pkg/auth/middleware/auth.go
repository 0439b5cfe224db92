// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides the session-authentication middleware
// that guards proxied routes.
package middleware

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/auth/token"
	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/problem"
	"github.com/hivematrix/nexus/pkg/session"
)

// jwksRetryAfter is the Retry-After hint sent when key material is
// temporarily unavailable.
const jwksRetryAfter = 5

// RequireSession validates the caller's session cookie and token
// before passing the request on. Unauthenticated callers are sent to
// /login with the original URL as the next target; callers with a
// token that no longer validates get a cleared cookie and the same
// redirect. A JWKS outage is the only failure that surfaces as an
// error response, and only for the requests it actually affects.
func RequireSession(store *session.Store, validator token.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, err := store.Get(r)
			if err != nil || state.Token == "" {
				redirectToLogin(w, r)
				return
			}

			claims, err := validator.Validate(r.Context(), state.Token)
			if err != nil {
				if errors.Is(err, token.ErrJWKSUnavailable) {
					logger.Errorw("token validation blocked by JWKS outage",
						"error", err.Error(),
						"path", r.URL.Path,
					)
					problem.ServiceUnavailable(w, r, "Authentication keys are temporarily unavailable", jwksRetryAfter)
					return
				}

				logger.Infow("session rejected",
					"reason", err.Error(),
					"path", r.URL.Path,
				)
				store.Clear(w)
				redirectToLogin(w, r)
				return
			}

			ctx := auth.WithClaims(r.Context(), claims)
			ctx = session.WithState(ctx, state)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// redirectToLogin sends the browser to the login flow, preserving the
// originally requested path and query.
func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := "/login?next=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}
