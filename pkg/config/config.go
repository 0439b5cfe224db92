// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the gateway configuration
// structure and the logic required to load it from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultServicesFile    = "services.json"
	DefaultServiceName     = "nexus"
	DefaultTokenIssuer     = "hivematrix-core"
	DefaultComposeMaxBytes = 8 << 20
)

// MinCookieSecretLen is the minimum length of COOKIE_SECRET in bytes.
const MinCookieSecretLen = 32

// IdP holds the identity-provider endpoints and client credentials used
// by the OAuth2 broker and the /idp reverse proxy.
type IdP struct {
	// IssuerURL enables OIDC discovery of the endpoints below. Explicitly
	// configured endpoints take precedence over discovered ones.
	IssuerURL string
	// AuthorizationURL is where the login flow redirects the browser,
	// so it must be reachable from outside the deployment. When the IdP
	// is not, point it at the gateway's own IdP proxy
	// ({PUBLIC_ORIGIN}/idp/...); TokenURL stays server-to-server.
	AuthorizationURL string
	TokenURL         string
	EndSessionURL    string
	ClientID         string
	ClientSecret     string
}

// Config represents the gateway configuration, sourced from the
// environment. Missing or invalid required values fail fast at startup.
type Config struct {
	ListenAddr     string
	TLSCert        string
	TLSKey         string
	CookieSecret   string
	AuthServiceURL string
	IdP            IdP
	PublicOrigin   string

	ServicesFile    string
	ServiceName     string
	TokenIssuer     string
	HelmServiceURL  string
	ComposeMaxBytes int64
	BehindProxy     bool
}

// envBindings maps viper keys to the environment variables they load from.
var envBindings = map[string]string{
	"listen_addr":            "LISTEN_ADDR",
	"tls_cert":               "TLS_CERT",
	"tls_key":                "TLS_KEY",
	"cookie_secret":          "COOKIE_SECRET",
	"auth_service_url":       "AUTH_SERVICE_URL",
	"idp_issuer_url":         "IDP_ISSUER_URL",
	"idp_authorization_url":  "IDP_AUTHORIZATION_URL",
	"idp_token_url":          "IDP_TOKEN_URL",
	"idp_end_session_url":    "IDP_END_SESSION_URL",
	"idp_client_id":          "IDP_CLIENT_ID",
	"idp_client_secret":      "IDP_CLIENT_SECRET",
	"public_origin":          "PUBLIC_ORIGIN",
	"services_file":          "SERVICES_FILE",
	"service_name":           "SERVICE_NAME",
	"token_issuer":           "TOKEN_ISSUER",
	"helm_service_url":       "HELM_SERVICE_URL",
	"html_compose_max_bytes": "HTML_COMPOSE_MAX_BYTES",
	"behind_proxy":           "BEHIND_PROXY",
}

// Load reads the gateway configuration from the environment and
// validates it. The returned error joins every problem found so the
// operator can fix them in one pass.
func Load() (*Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}
	v.SetDefault("services_file", DefaultServicesFile)
	v.SetDefault("service_name", DefaultServiceName)
	v.SetDefault("token_issuer", DefaultTokenIssuer)
	v.SetDefault("html_compose_max_bytes", DefaultComposeMaxBytes)

	cfg := &Config{
		ListenAddr:     v.GetString("listen_addr"),
		TLSCert:        v.GetString("tls_cert"),
		TLSKey:         v.GetString("tls_key"),
		CookieSecret:   v.GetString("cookie_secret"),
		AuthServiceURL: strings.TrimRight(v.GetString("auth_service_url"), "/"),
		IdP: IdP{
			IssuerURL:        v.GetString("idp_issuer_url"),
			AuthorizationURL: v.GetString("idp_authorization_url"),
			TokenURL:         v.GetString("idp_token_url"),
			EndSessionURL:    v.GetString("idp_end_session_url"),
			ClientID:         v.GetString("idp_client_id"),
			ClientSecret:     v.GetString("idp_client_secret"),
		},
		PublicOrigin:    strings.TrimRight(v.GetString("public_origin"), "/"),
		ServicesFile:    v.GetString("services_file"),
		ServiceName:     v.GetString("service_name"),
		TokenIssuer:     v.GetString("token_issuer"),
		HelmServiceURL:  strings.TrimRight(v.GetString("helm_service_url"), "/"),
		ComposeMaxBytes: v.GetInt64("html_compose_max_bytes"),
		BehindProxy:     v.GetBool("behind_proxy"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for completeness and consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR is required"))
	}
	if len(c.CookieSecret) < MinCookieSecretLen {
		errs = append(errs, fmt.Errorf("COOKIE_SECRET must be at least %d bytes", MinCookieSecretLen))
	}
	if err := requireAbsoluteURL("AUTH_SERVICE_URL", c.AuthServiceURL); err != nil {
		errs = append(errs, err)
	}
	if err := requireAbsoluteURL("PUBLIC_ORIGIN", c.PublicOrigin); err != nil {
		errs = append(errs, err)
	}
	if c.IdP.ClientID == "" {
		errs = append(errs, errors.New("IDP_CLIENT_ID is required"))
	}
	if c.IdP.ClientSecret == "" {
		errs = append(errs, errors.New("IDP_CLIENT_SECRET is required"))
	}

	// The authorization and token endpoints must either be configured
	// explicitly or be discoverable from the issuer.
	if c.IdP.IssuerURL == "" {
		if err := requireAbsoluteURL("IDP_AUTHORIZATION_URL", c.IdP.AuthorizationURL); err != nil {
			errs = append(errs, err)
		}
		if err := requireAbsoluteURL("IDP_TOKEN_URL", c.IdP.TokenURL); err != nil {
			errs = append(errs, err)
		}
	} else if err := requireAbsoluteURL("IDP_ISSUER_URL", c.IdP.IssuerURL); err != nil {
		errs = append(errs, err)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("TLS_CERT and TLS_KEY must be set together"))
	}
	if c.ComposeMaxBytes <= 0 {
		errs = append(errs, errors.New("HTML_COMPOSE_MAX_BYTES must be positive"))
	}

	return errors.Join(errs...)
}

// UseTLS reports whether the listener should terminate TLS.
func (c *Config) UseTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// JWKSURL returns the auth service's JWKS endpoint.
func (c *Config) JWKSURL() string {
	return c.AuthServiceURL + "/.well-known/jwks.json"
}

// RedirectURL returns the externally visible OAuth2 callback URL.
func (c *Config) RedirectURL() string {
	return c.PublicOrigin + "/auth-callback"
}

func requireAbsoluteURL(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(value)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, value)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, value)
	}
	return nil
}
