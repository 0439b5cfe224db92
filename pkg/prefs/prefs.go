// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package prefs fetches per-user display preferences (theme and home
// page) from the preferences service and caches them in the session
// cookie. Preference lookups are cosmetic: every failure mode falls
// back to a default and never fails the request.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/networking"
	"github.com/hivematrix/nexus/pkg/registry"
	"github.com/hivematrix/nexus/pkg/session"
	"github.com/hivematrix/nexus/pkg/svctoken"
)

// DefaultService is the registry name of the preferences service.
const DefaultService = "codex"

// Defaults applied when the preferences service is unavailable or
// returns something unusable.
const (
	DefaultTheme      = "light"
	DefaultColorTheme = "purple"
	DefaultHomePage   = "helm"
)

// CacheTTL is how long fetched preferences stay cached in the session.
const CacheTTL = 5 * time.Minute

// Per-lookup budgets. The theme lookup sits on the HTML composition
// path of every page load, so it gets the tighter budget.
const (
	themeTimeout    = 500 * time.Millisecond
	homePageTimeout = 2 * time.Second
)

// validThemes and validColorThemes guard against a confused or
// compromised preferences service injecting arbitrary attribute values
// into composed pages.
var validThemes = map[string]bool{"light": true, "dark": true}

var validColorThemes = map[string]bool{
	"purple": true, "blue": true, "green": true, "orange": true,
	"gold": true, "red": true, "yellow": true, "matrix": true, "bee": true,
}

// Client looks up user preferences against the preferences service
// found in the registry.
type Client struct {
	registry *registry.Registry
	minter   *svctoken.Minter
	client   *http.Client
	service  string
	now      func() time.Time
}

// NewClient creates a preferences client. minter may be nil, in which
// case lookups are sent without a service token.
func NewClient(reg *registry.Registry, minter *svctoken.Minter, client *http.Client) *Client {
	if client == nil {
		client = networking.NewClientBuilder().Build()
	}
	return &Client{
		registry: reg,
		minter:   minter,
		client:   client,
		service:  DefaultService,
		now:      time.Now,
	}
}

// Theme returns the caller's theme and color theme, consulting the
// session cache first. updated reports whether the session state was
// modified and should be re-sealed into the cookie.
func (c *Client) Theme(ctx context.Context, state *session.State, email string) (theme, colorTheme string, updated bool) {
	if state != nil && state.Theme != "" && c.fresh(state) {
		return state.Theme, state.ColorTheme, false
	}

	var body struct {
		Theme      string `json:"theme"`
		ColorTheme string `json:"color_theme"`
	}
	if err := c.fetch(ctx, "/api/public/user/theme", email, themeTimeout, &body); err != nil {
		logger.Debugw("theme lookup failed, using defaults",
			"error", err.Error(),
		)
		return DefaultTheme, DefaultColorTheme, false
	}

	if !validThemes[body.Theme] {
		body.Theme = DefaultTheme
	}
	if !validColorThemes[body.ColorTheme] {
		body.ColorTheme = DefaultColorTheme
	}

	if state != nil {
		state.Theme = body.Theme
		state.ColorTheme = body.ColorTheme
		state.PrefsCachedAt = c.now()
		updated = true
	}
	return body.Theme, body.ColorTheme, updated
}

// HomePage returns the service name the caller's / should land on.
// The result is only a hint; the caller still checks the registry and
// the caller's permissions before redirecting.
func (c *Client) HomePage(ctx context.Context, state *session.State, email string) (page string, updated bool) {
	if state != nil && state.HomePage != "" && c.fresh(state) {
		return state.HomePage, false
	}

	var body struct {
		HomePage string `json:"home_page"`
	}
	if err := c.fetch(ctx, "/api/public/user/home-page", email, homePageTimeout, &body); err != nil {
		logger.Debugw("home-page lookup failed, using default",
			"error", err.Error(),
		)
		return DefaultHomePage, false
	}
	if body.HomePage == "" {
		return DefaultHomePage, false
	}

	if state != nil {
		state.HomePage = body.HomePage
		state.PrefsCachedAt = c.now()
		updated = true
	}
	return body.HomePage, updated
}

func (c *Client) fresh(state *session.State) bool {
	return !state.PrefsCachedAt.IsZero() && c.now().Before(state.PrefsCachedAt.Add(CacheTTL))
}

// fetch calls one of the preferences service's public endpoints. The
// service origin comes from the registry; a missing entry means there
// is nothing to ask.
func (c *Client) fetch(ctx context.Context, path, email string, timeout time.Duration, out any) error {
	entry, ok := c.registry.Current().Lookup(c.service)
	if !ok {
		return errNoPrefsService
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := entry.Origin.JoinPath(path)
	target.RawQuery = url.Values{"email": {email}}.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	if c.minter != nil {
		// Best effort: the endpoints are public, the token is identification.
		if token, err := c.minter.Token(reqCtx, c.service); err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errNoPrefsService = errors.New("preferences service is not registered")

// statusError keeps the failed status around for debug logs.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "preferences lookup returned status " + http.StatusText(e.code)
}
