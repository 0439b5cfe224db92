// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/auth/token"
	"github.com/hivematrix/nexus/pkg/auth/token/mocks"
	"github.com/hivematrix/nexus/pkg/session"
)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(strings.Repeat("k", 32), false)
	require.NoError(t, err)
	return store
}

// request builds a GET with an optional sealed session cookie.
func request(t *testing.T, store *session.Store, target string, state *session.State) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if state != nil {
		rec := httptest.NewRecorder()
		require.NoError(t, store.Set(rec, state))
		req.AddCookie(rec.Result().Cookies()[0])
	}
	return req
}

func TestRequireSessionRedirectsWithoutCookie(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := newStore(t)
	validator := mocks.NewMockValidator(ctrl)

	handler := RequireSession(store, validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for unauthenticated request")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request(t, store, "/codex/tickets?page=2", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, "/codex/tickets?page=2", loc.Query().Get("next"))
}

func TestRequireSessionPassesClaimsAndState(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := newStore(t)
	validator := mocks.NewMockValidator(ctrl)

	want := &auth.UserClaims{Subject: "u-1", Email: "a@b.c", Role: auth.RoleAdmin}
	validator.EXPECT().Validate(gomock.Any(), "good-token").Return(want, nil)

	var gotClaims *auth.UserClaims
	var gotState *session.State
	handler := RequireSession(store, validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = auth.ClaimsFromContext(r.Context())
		gotState, _ = session.StateFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request(t, store, "/codex/", &session.State{Token: "good-token", Theme: "dark"}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, want, gotClaims)
	require.NotNil(t, gotState)
	assert.Equal(t, "dark", gotState.Theme)
}

func TestRequireSessionClearsAndRedirectsOnInvalidToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"expired", token.ErrTokenExpired},
		{"revoked", token.ErrTokenRevoked},
		{"bad signature", token.ErrBadSignature},
		{"unknown kid", token.ErrUnknownKeyID},
		{"issuer mismatch", token.ErrInvalidIssuer},
		{"auth service unreachable", token.ErrAuthServiceUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			store := newStore(t)
			validator := mocks.NewMockValidator(ctrl)
			validator.EXPECT().Validate(gomock.Any(), "stale-token").Return(nil, tt.err)

			handler := RequireSession(store, validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run for rejected token")
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, request(t, store, "/ledger/", &session.State{Token: "stale-token"}))

			require.Equal(t, http.StatusFound, rec.Code)
			assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login?next="))

			cookies := rec.Result().Cookies()
			require.Len(t, cookies, 1, "session cookie must be cleared")
			assert.Equal(t, session.CookieName, cookies[0].Name)
			assert.Equal(t, -1, cookies[0].MaxAge)
		})
	}
}

func TestRequireSessionJWKSOutageIs503(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := newStore(t)
	validator := mocks.NewMockValidator(ctrl)
	validator.EXPECT().Validate(gomock.Any(), "tok").Return(nil, token.ErrJWKSUnavailable)

	handler := RequireSession(store, validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run during JWKS outage")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request(t, store, "/codex/", &session.State{Token: "tok"}))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	// The session survives: nothing is wrong with the caller's token.
	assert.Empty(t, rec.Result().Cookies())
}

func TestRequireSessionEmptyTokenRedirects(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := newStore(t)
	validator := mocks.NewMockValidator(ctrl)

	handler := RequireSession(store, validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a token")
	}))

	// Session exists (mid-login) but has no token yet.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request(t, store, "/codex/", &session.State{OAuthState: "abc"}))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login?next="))
}
