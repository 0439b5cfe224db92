// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry loads and serves the service registry: the mapping
// from URL prefix to backend origin that drives path-based routing.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sync/atomic"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/logger"
)

// namePattern restricts service names to URL-prefix-safe characters.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ServiceEntry is one registered backend service.
type ServiceEntry struct {
	// Name is the registry key and the first path segment that routes
	// to this service.
	Name string

	// Origin is the backend base URL requests are proxied to.
	Origin *url.URL

	// Visible controls whether the service appears in the navigation
	// panel and the home-page fallback.
	Visible bool

	// MinRole is the minimum permission level required to reach the
	// service.
	MinRole auth.Role
}

// Snapshot is an immutable view of the registry. Entries preserve the
// order of the source document so navigation and fallback selection
// are deterministic.
type Snapshot struct {
	entries []*ServiceEntry
	byName  map[string]*ServiceEntry
}

// emptySnapshot is served before the first successful load.
var emptySnapshot = &Snapshot{byName: map[string]*ServiceEntry{}}

// Lookup returns the entry for the given service name.
func (s *Snapshot) Lookup(name string) (*ServiceEntry, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// VisibleFor returns the visible entries the given role may access, in
// document order.
func (s *Snapshot) VisibleFor(role auth.Role) []*ServiceEntry {
	var out []*ServiceEntry
	for _, e := range s.entries {
		if e.Visible && role.AtLeast(e.MinRole) {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns every entry in document order.
func (s *Snapshot) Entries() []*ServiceEntry {
	return s.entries
}

// Len returns the number of registered services.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// entrySpec is the wire form of a registry value.
type entrySpec struct {
	URL                string `json:"url"`
	Visible            bool   `json:"visible"`
	AdminOnly          bool   `json:"admin_only"`
	BillingOrAdminOnly bool   `json:"billing_or_admin_only"`
}

// Parse decodes a registry document. The decoder walks the top-level
// object token by token because encoding/json maps discard member
// order, and the navigation panel and home-page fallback depend on it.
func Parse(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry document: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("registry document must be a JSON object, got %v", tok)
	}

	snap := &Snapshot{byName: make(map[string]*ServiceEntry)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to parse registry document: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in registry document", keyTok)
		}

		var spec entrySpec
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("invalid entry for service %q: %w", name, err)
		}

		entry, err := buildEntry(name, spec)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.byName[name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", name)
		}

		snap.entries = append(snap.entries, entry)
		snap.byName[name] = entry
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to parse registry document: %w", err)
	}
	return snap, nil
}

func buildEntry(name string, spec entrySpec) (*ServiceEntry, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid service name %q: must match %s", name, namePattern)
	}

	if spec.URL == "" {
		return nil, fmt.Errorf("service %q is missing required field url", name)
	}
	origin, err := url.Parse(spec.URL)
	if err != nil || !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("service %q has non-absolute url %q", name, spec.URL)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("service %q has unsupported scheme %q", name, origin.Scheme)
	}

	minRole := auth.RoleUser
	switch {
	case spec.AdminOnly:
		minRole = auth.RoleAdmin
	case spec.BillingOrAdminOnly:
		minRole = auth.RoleBilling
	}

	return &ServiceEntry{
		Name:    name,
		Origin:  origin,
		Visible: spec.Visible,
		MinRole: minRole,
	}, nil
}

// Registry serves an atomically swapped registry snapshot loaded from
// a JSON file.
type Registry struct {
	path     string
	snapshot atomic.Pointer[Snapshot]
}

// New creates a registry backed by the given file. The registry serves
// an empty snapshot until the first successful Load.
func New(path string) *Registry {
	r := &Registry{path: path}
	r.snapshot.Store(emptySnapshot)
	return r
}

// Path returns the backing file path.
func (r *Registry) Path() string {
	return r.path
}

// Current returns the active snapshot. The returned value is immutable
// and safe to use for the remainder of a request even if a reload
// happens concurrently.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// Load reads and parses the backing file and publishes the new
// snapshot. On error the previous snapshot stays active.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read registry file %s: %w", r.path, err)
	}

	snap, err := Parse(data)
	if err != nil {
		return fmt.Errorf("failed to load registry from %s: %w", r.path, err)
	}

	r.snapshot.Store(snap)
	logger.Infow("service registry loaded",
		"path", r.path,
		"services", snap.Len(),
	)
	return nil
}
