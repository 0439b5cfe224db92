// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package svctoken mints short-lived service-to-service tokens from the
// auth service, so the gateway can call other services (preferences,
// log sink) on its own behalf rather than the user's.
package svctoken

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

	"github.com/hivematrix/nexus/pkg/networking"
)

// refreshMargin renews a cached token this long before it expires, so
// a token handed to an outgoing request is never on the edge of death.
const refreshMargin = 60 * time.Second

// fallbackLifetime is assumed when a minted token carries no readable
// expiry.
const fallbackLifetime = 5 * time.Minute

// Minter obtains service tokens from the auth service and caches them
// per target until shortly before expiry.
type Minter struct {
	mintURL        string
	callingService string
	client         *http.Client
	now            func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewMinter creates a minter for the given auth service. callingService
// identifies this gateway in the minted token's claims.
func NewMinter(authServiceURL, callingService string, client *http.Client) *Minter {
	if client == nil {
		client = networking.NewClientBuilder().Build()
	}
	return &Minter{
		mintURL:        authServiceURL + "/api/service/token",
		callingService: callingService,
		client:         client,
		now:            time.Now,
		cache:          make(map[string]cachedToken),
	}
}

// Token returns a service token for calling targetService, minting a
// fresh one when the cached token is absent or about to expire.
func (m *Minter) Token(ctx context.Context, targetService string) (string, error) {
	m.mu.Lock()
	cached, ok := m.cache[targetService]
	m.mu.Unlock()
	if ok && m.now().Before(cached.expiresAt.Add(-refreshMargin)) {
		return cached.token, nil
	}

	token, err := m.mint(ctx, targetService)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[targetService] = cachedToken{
		token:     token,
		expiresAt: tokenExpiry(token, m.now()),
	}
	m.mu.Unlock()
	return token, nil
}

// mintRequest is the wire form of a service token request.
type mintRequest struct {
	CallingService string `json:"calling_service"`
	TargetService  string `json:"target_service"`
}

type mintResponse struct {
	Token string `json:"token"`
}

func (m *Minter) mint(ctx context.Context, targetService string) (string, error) {
	body, err := json.Marshal(mintRequest{
		CallingService: m.callingService,
		TargetService:  targetService,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal service token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.mintURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build service token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to mint service token for %s: %w", targetService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("service token mint for %s returned status %d", targetService, resp.StatusCode)
	}

	var mr mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", fmt.Errorf("failed to decode service token response: %w", err)
	}
	if mr.Token == "" {
		return "", errors.New("service token response contained no token")
	}
	return mr.Token, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// token is only used to decide when to mint again; the auth service is
// the one that verifies it.
func tokenExpiry(token string, now time.Time) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return now.Add(fallbackLifetime)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(fallbackLifetime)
	}
	return exp.Time
}
