// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token validates access tokens issued by the auth service:
// local JWT verification against a cached JWKS, then an online
// revocation check. A token is only accepted when both pass.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/networking"
)

//go:generate mockgen -destination=mocks/mock_validator.go -package=mocks -source=validator.go Validator

// Validation failure modes. Callers branch on these to choose the
// user-visible behavior, so every failure collapses into exactly one.
var (
	ErrNoToken                = errors.New("no token provided")
	ErrTokenExpired           = errors.New("token expired")
	ErrBadSignature           = errors.New("token signature invalid")
	ErrUnknownKeyID           = errors.New("signing key not found in JWKS")
	ErrTokenRevoked           = errors.New("token revoked")
	ErrInvalidIssuer          = errors.New("invalid issuer")
	ErrJWKSUnavailable        = errors.New("JWKS unavailable")
	ErrAuthServiceUnreachable = errors.New("auth service unreachable")
)

// expLeeway tolerates clock drift between the gateway and the auth
// service when checking token expiry.
const expLeeway = 60 * time.Second

// revocationTimeout bounds the online revocation check. Validation is
// on the hot path of every proxied request.
const revocationTimeout = 2 * time.Second

// Validator validates an access token and derives the caller identity.
type Validator interface {
	// Validate checks the token and returns the caller's claims.
	Validate(ctx context.Context, token string) (*auth.UserClaims, error)
}

// Config contains the settings for the JWT validator.
type Config struct {
	// Issuer is the expected 'iss' claim value.
	Issuer string

	// JWKSURL is where the auth service publishes its signing keys.
	JWKSURL string

	// AuthServiceURL is the auth service base URL used for the online
	// revocation check.
	AuthServiceURL string

	// HTTPClient overrides the default client for the revocation
	// check. Used by tests.
	HTTPClient *http.Client
}

// JWTValidator implements Validator against the auth service.
type JWTValidator struct {
	issuer      string
	jwksURL     string
	validateURL string
	jwksClient  *jwk.Cache
	client      *http.Client

	// refreshGroup coalesces JWKS refreshes triggered by unknown key
	// IDs so a burst of requests after key rotation causes one fetch.
	refreshGroup singleflight.Group

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// NewValidator creates a JWT validator backed by an auto-refreshing
// JWKS cache.
func NewValidator(ctx context.Context, config Config) (*JWTValidator, error) {
	if config.JWKSURL == "" {
		return nil, errors.New("JWKS URL is required")
	}
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	client := config.HTTPClient
	if client == nil {
		client = networking.NewClientBuilder().Build()
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(client))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &JWTValidator{
		issuer:      config.Issuer,
		jwksURL:     config.JWKSURL,
		validateURL: config.AuthServiceURL + "/api/token/validate",
		jwksClient:  cache,
		client:      client,
	}, nil
}

// Validate verifies the token signature, expiry, and issuer locally,
// then confirms with the auth service that the token has not been
// revoked. The revocation check fails closed: if the auth service
// cannot be reached the token is not accepted.
func (v *JWTValidator) Validate(ctx context.Context, tokenString string) (*auth.UserClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	parsed, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) { return v.getKeyFromJWKS(ctx, t) },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(expLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapParseError(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrBadSignature)
	}

	if err := v.checkRevocation(ctx, tokenString); err != nil {
		return nil, err
	}

	return claimsToUser(claims)
}

// mapParseError collapses golang-jwt error chains into this package's
// failure modes. Keyfunc failures keep their original identity.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKeyID), errors.Is(err, ErrJWKSUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrInvalidIssuer
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first
// use.
func (v *JWTValidator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the token's signing key. An unknown kid
// triggers one coalesced refresh and one retry before giving up.
func (v *JWTValidator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: token header missing kid", ErrUnknownKeyID)
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		keySet, err = v.refreshKeySet(ctx)
		if err != nil {
			return nil, err
		}
		key, found = keySet.LookupKeyID(kid)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// refreshKeySet forces one JWKS fetch shared by all concurrent
// callers. The fetch runs on a detached context so a caller whose
// request is canceled mid-refresh does not abort the refresh for the
// rest.
func (v *JWTValidator) refreshKeySet(ctx context.Context) (jwk.Set, error) {
	ch := v.refreshGroup.DoChan(v.jwksURL, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return v.jwksClient.Refresh(refreshCtx, v.jwksURL)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, res.Err)
		}
		return res.Val.(jwk.Set), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revocationResponse is the auth service's answer to a validate call.
type revocationResponse struct {
	Revoked bool `json:"revoked"`
}

// checkRevocation asks the auth service whether the token is still
// live. 401 and {revoked: true} both mean rejected; any transport
// failure or unexpected status is fatal for this request.
func (v *JWTValidator) checkRevocation(ctx context.Context, tokenString string) error {
	body, err := json.Marshal(map[string]string{"token": tokenString})
	if err != nil {
		return fmt.Errorf("failed to marshal validate request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, revocationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, v.validateURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthServiceUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rr revocationResponse
		// An empty or non-JSON 200 body means not revoked.
		if err := json.NewDecoder(resp.Body).Decode(&rr); err == nil && rr.Revoked {
			return ErrTokenRevoked
		}
		return nil
	case http.StatusUnauthorized:
		return ErrTokenRevoked
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrAuthServiceUnreachable, resp.StatusCode)
	}
}

// claimsToUser maps verified JWT claims onto the caller model.
func claimsToUser(claims jwt.MapClaims) (*auth.UserClaims, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: missing 'sub' claim", ErrBadSignature)
	}

	user := &auth.UserClaims{Subject: sub}

	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if level, ok := claims["permission_level"].(string); ok {
		user.Role = auth.ParseRole(level)
	}
	if jti, ok := claims["jti"].(string); ok {
		user.TokenID = jti
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		user.ExpiresAt = exp.Time
	}

	return user, nil
}
