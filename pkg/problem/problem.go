// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package problem renders RFC 7807 problem detail responses for the
// gateway's machine-facing errors.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hivematrix/nexus/pkg/logger"
)

// ContentType is the media type of an RFC 7807 response body.
const ContentType = "application/problem+json"

// Details is the RFC 7807 problem details object. Type is an
// "about:blank" fragment URI since the gateway has no problem registry.
type Details struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// New builds a Details for the given status. The title defaults to the
// standard status text and the type fragment to the given suffix.
func New(status int, suffix, detail string) *Details {
	return &Details{
		Type:   "about:blank#" + suffix,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// Write renders the problem to w with the request path as the instance.
func (d *Details) Write(w http.ResponseWriter, r *http.Request) {
	if d.Instance == "" && r != nil {
		d.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(d.Status)

	if err := json.NewEncoder(w).Encode(d); err != nil {
		logger.Errorw("failed to encode problem details",
			"error", err.Error(),
		)
	}
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	New(http.StatusBadRequest, "bad-request", detail).Write(w, r)
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	New(http.StatusUnauthorized, "unauthorized", detail).Write(w, r)
}

// Forbidden writes a 403 problem response.
func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "You don't have permission to access this resource"
	}
	New(http.StatusForbidden, "forbidden", detail).Write(w, r)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "The requested resource was not found"
	}
	New(http.StatusNotFound, "not-found", detail).Write(w, r)
}

// InternalServerError writes a 500 problem response.
func InternalServerError(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "An unexpected error occurred"
	}
	New(http.StatusInternalServerError, "internal-server-error", detail).Write(w, r)
}

// BadGateway writes a 502 problem response.
func BadGateway(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "An upstream service failed to respond"
	}
	New(http.StatusBadGateway, "bad-gateway", detail).Write(w, r)
}

// ServiceUnavailable writes a 503 problem response and an optional
// Retry-After header when retryAfter is positive.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string, retryAfter int) {
	if detail == "" {
		detail = "The service is temporarily unavailable"
	}
	d := New(http.StatusServiceUnavailable, "service-unavailable", detail)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	d.Write(w, r)
}
