// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broker drives the login lifecycle: it sends browsers to the
// identity provider, exchanges the returned authorization code for an
// IdP access token, trades that at the auth service for a gateway
// token, and revokes the token again on logout.
package broker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hivematrix/nexus/pkg/auth/token"
	"github.com/hivematrix/nexus/pkg/config"
	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/networking"
	"github.com/hivematrix/nexus/pkg/problem"
	"github.com/hivematrix/nexus/pkg/session"
)

// Timeouts for the broker's outbound calls.
const (
	exchangeTimeout = 5 * time.Second
	revokeTimeout   = 5 * time.Second
)

// revokeAttempts bounds the best-effort revocation on logout: the
// initial call plus one retry.
const revokeAttempts = 2

// Scopes requested from the identity provider.
var scopes = []string{"openid", "profile", "email"}

// Broker handles /login, /auth-callback, and /logout.
type Broker struct {
	store         *session.Store
	validator     token.Validator
	oauth         *oauth2.Config
	exchangeURL   string
	revokeURL     string
	endSessionURL string
	client        *http.Client
}

// New builds the broker from configuration. When the IdP issuer is
// set, the authorization and token endpoints are discovered via OIDC;
// explicitly configured endpoints take precedence over discovered
// ones.
func New(ctx context.Context, cfg *config.Config, store *session.Store, validator token.Validator) (*Broker, error) {
	client := networking.NewClientBuilder().Build()

	authURL, tokenURL := cfg.IdP.AuthorizationURL, cfg.IdP.TokenURL
	if cfg.IdP.IssuerURL != "" && (authURL == "" || tokenURL == "") {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.IdP.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to discover IdP endpoints: %w", err)
		}
		endpoint := provider.Endpoint()
		if authURL == "" {
			authURL = endpoint.AuthURL
		}
		if tokenURL == "" {
			tokenURL = endpoint.TokenURL
		}
	}
	if authURL == "" || tokenURL == "" {
		return nil, errors.New("IdP authorization and token endpoints are required")
	}

	return &Broker{
		store:     store,
		validator: validator,
		oauth: &oauth2.Config{
			ClientID:     cfg.IdP.ClientID,
			ClientSecret: cfg.IdP.ClientSecret,
			RedirectURL:  cfg.RedirectURL(),
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
				// The IdP expects client credentials in the form body.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		exchangeURL:   cfg.AuthServiceURL + "/api/token/exchange",
		revokeURL:     cfg.AuthServiceURL + "/api/token/revoke",
		endSessionURL: cfg.IdP.EndSessionURL,
		client:        client,
	}, nil
}

// Begin starts the authorization-code flow: a fresh state lands in the
// session alongside the post-login target, and the browser is sent to
// the configured authorization URL verbatim, so that URL must be
// browser-reachable (the gateway's /idp proxy when the IdP is not).
func (b *Broker) Begin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		problem.InternalServerError(w, r, "Could not start the login flow")
		return
	}

	// Carry over an existing session if there is one; a re-login
	// simply overwrites any stale flow.
	sess, err := b.store.Get(r)
	if err != nil {
		sess = &session.State{}
	}
	sess.OAuthState = state
	sess.NextURL = sanitizeNext(r.URL.Query().Get("next"))

	if err := b.store.Set(w, sess); err != nil {
		logger.Errorw("failed to seal session at login", "error", err.Error())
		problem.InternalServerError(w, r, "Could not start the login flow")
		return
	}

	http.Redirect(w, r, b.oauth.AuthCodeURL(state), http.StatusFound)
}

// Complete finishes the flow at /auth-callback: it checks the state,
// exchanges the code with the IdP, trades the IdP token at the auth
// service, and establishes the session.
func (b *Broker) Complete(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if idpErr := query.Get("error"); idpErr != "" {
		logger.Warnw("IdP returned an error on callback",
			"error", idpErr,
			"description", query.Get("error_description"),
		)
		b.store.Clear(w)
		problem.Unauthorized(w, r, "The identity provider rejected the login")
		return
	}

	sess, err := b.store.Get(r)
	state := query.Get("state")
	if err != nil || state == "" || sess.OAuthState == "" || state != sess.OAuthState {
		logger.Warnw("OAuth state mismatch on callback")
		b.store.Clear(w)
		problem.BadRequest(w, r, "Login state is missing or does not match; start over at /login")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)

	idpToken, err := b.oauth.Exchange(ctx, query.Get("code"))
	if err != nil {
		logger.Errorw("authorization code exchange failed", "error", err.Error())
		b.store.Clear(w)
		problem.BadGateway(w, r, "Could not complete the login with the identity provider")
		return
	}

	gatewayToken, err := b.exchangeAtAuthService(r.Context(), idpToken.AccessToken)
	if err != nil {
		logger.Errorw("auth service token exchange failed", "error", err.Error())
		b.store.Clear(w)
		problem.BadGateway(w, r, "Could not establish a session with the auth service")
		return
	}

	// Never store a token we would reject on the next request.
	if _, err := b.validator.Validate(r.Context(), gatewayToken); err != nil {
		logger.Errorw("minted token failed validation", "error", err.Error())
		b.store.Clear(w)
		problem.BadGateway(w, r, "The auth service issued an unusable token")
		return
	}

	next := sess.NextURL
	if next == "" {
		next = "/"
	}

	fresh := &session.State{Token: gatewayToken}
	if err := b.store.Set(w, fresh); err != nil {
		logger.Errorw("failed to seal session at callback", "error", err.Error())
		problem.InternalServerError(w, r, "Could not establish the session")
		return
	}

	http.Redirect(w, r, next, http.StatusFound)
}

// End logs the caller out: best-effort token revocation, session
// cleared, browser sent to the IdP's end-session endpoint when one is
// configured.
func (b *Broker) End(w http.ResponseWriter, r *http.Request) {
	if sess, err := b.store.Get(r); err == nil && sess.Token != "" {
		b.revoke(r.Context(), sess.Token)
	}

	b.store.Clear(w)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Clear-Site-Data", `"cache", "storage"`)

	target := b.endSessionURL
	if target == "" {
		target = "/login"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// exchangeRequest is the auth service's token exchange body.
type exchangeRequest struct {
	AccessToken string `json:"access_token"`
}

type exchangeResponse struct {
	Token string `json:"token"`
}

// exchangeAtAuthService trades the IdP access token for a gateway JWT.
// The access token travels both as a bearer header and in the body;
// the auth service accepts either.
func (b *Broker) exchangeAtAuthService(ctx context.Context, accessToken string) (string, error) {
	body, err := json.Marshal(exchangeRequest{AccessToken: accessToken})
	if err != nil {
		return "", fmt.Errorf("failed to marshal exchange request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.exchangeURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	var er exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return "", fmt.Errorf("failed to decode exchange response: %w", err)
	}
	if er.Token == "" {
		return "", errors.New("exchange response contained no token")
	}
	return er.Token, nil
}

// revoke tells the auth service to kill the token. Failures are logged
// and swallowed: logout must succeed from the browser's point of view
// no matter what, and the session cookie is being cleared either way.
func (b *Broker) revoke(ctx context.Context, tokenString string) {
	body, err := json.Marshal(map[string]string{"token": tokenString})
	if err != nil {
		return
	}

	operation := func() (struct{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, revokeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.revokeURL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return struct{}{}, fmt.Errorf("revocation returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(revokeAttempts),
	); err != nil {
		logger.Warnw("token revocation failed, clearing session anyway",
			"error", err.Error(),
		)
	}
}

// randomState produces the 128-bit CSRF state carried through the
// authorization-code flow.
func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// sanitizeNext restricts the post-login target to a relative path, so
// the login flow cannot be abused as an open redirect.
func sanitizeNext(next string) string {
	if next == "" {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	target := u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}
