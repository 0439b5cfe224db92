// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the HTTP clients the gateway uses to talk
// to internal services (auth service, preferences, log sink).
package networking

import (
	"net"
	"net/http"
	"time"
)

// Timeouts shared by internal-service clients. Backends live on the
// same network segment, so connects that take longer than a few
// seconds indicate a down service, not a slow link.
const (
	DialTimeout           = 5 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 10 * time.Second
	HTTPTimeout           = 30 * time.Second
)

// ClientBuilder provides a fluent interface for building HTTP clients.
type ClientBuilder struct {
	timeout               time.Duration
	responseHeaderTimeout time.Duration
	maxIdleConnsPerHost   int
}

// NewClientBuilder returns a builder with the shared defaults.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		timeout:               HTTPTimeout,
		responseHeaderTimeout: ResponseHeaderTimeout,
	}
}

// WithTimeout sets the end-to-end request timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.timeout = d
	return b
}

// WithResponseHeaderTimeout bounds the wait for upstream response
// headers.
func (b *ClientBuilder) WithResponseHeaderTimeout(d time.Duration) *ClientBuilder {
	b.responseHeaderTimeout = d
	return b
}

// WithMaxIdleConnsPerHost sets the idle connection pool size for a
// client that talks to a single backend.
func (b *ClientBuilder) WithMaxIdleConnsPerHost(n int) *ClientBuilder {
	b.maxIdleConnsPerHost = n
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: DialTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}
	if b.maxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = b.maxIdleConnsPerHost
	}

	return &http.Client{
		Transport: transport,
		Timeout:   b.timeout,
	}
}
