// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package idp reverse-proxies the identity provider through the
// gateway, so the IdP never has to be Internet-exposed. The browser
// talks to /idp/* on the gateway; URLs, cookies, and response bodies
// are rewritten so the IdP never learns it is behind a different
// origin.
//
// This route deliberately requires no gateway session: the IdP flow is
// how sessions come to exist.
package idp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hivematrix/nexus/pkg/compose"
	"github.com/hivematrix/nexus/pkg/logger"
)

// Prefix is the path prefix the proxy is mounted under.
const Prefix = "/idp"

// responseHeaderTimeout bounds the wait for the IdP to start
// responding.
const responseHeaderTimeout = 30 * time.Second

// rewritableTypes are the content types whose bodies get the literal
// origin substitution. Everything else streams through untouched.
var rewritableTypes = []string{"text/html", "text/css", "application/javascript"}

// Proxy is the IdP reverse proxy handler.
type Proxy struct {
	target       *url.URL
	targetOrigin string
	publicPrefix string
	rp           *httputil.ReverseProxy
}

// New creates the proxy. target is the server-reachable IdP origin;
// publicOrigin is the externally visible gateway origin used in
// rewritten URLs.
func New(target *url.URL, publicOrigin string) *Proxy {
	p := &Proxy{
		target:       target,
		targetOrigin: strings.TrimRight(target.Scheme+"://"+target.Host, "/"),
		publicPrefix: strings.TrimRight(publicOrigin, "/") + Prefix,
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.FlushInterval = -1
	rp.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		// The single-host director points the request at the IdP; the
		// path still carries the /idp prefix at that point.
		originalDirector(req)
		p.rewriteRequest(req)
	}
	rp.ModifyResponse = p.rewriteResponse
	rp.ErrorHandler = p.handleError
	p.rp = rp

	return p
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// rewriteRequest strips the gateway prefix and makes the request look
// like it arrived at the IdP directly.
func (p *Proxy) rewriteRequest(req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, Prefix)
	if path == "" {
		path = "/"
	}
	req.URL.Path = path

	// Capture the externally visible host before pointing the request
	// at the IdP.
	req.Header.Set("X-Forwarded-Proto", forwardedProto(req))
	req.Header.Set("X-Forwarded-Host", forwardedHost(req))
	req.Header.Set("X-Forwarded-Prefix", Prefix)

	req.Host = p.target.Host
	if req.Header.Get("Origin") != "" {
		req.Header.Set("Origin", p.targetOrigin)
	}
	// Bodies must stay rewritable; refuse compressed responses.
	req.Header.Del("Accept-Encoding")
}

// rewriteResponse points every reference to the IdP origin back
// through the gateway: Location headers, cookie scopes, and absolute
// URLs inside textual bodies.
func (p *Proxy) rewriteResponse(resp *http.Response) error {
	if loc := resp.Header.Get("Location"); loc != "" {
		if rewritten, ok := p.rewriteURL(loc); ok {
			resp.Header.Set("Location", rewritten)
		}
	}

	p.rewriteCookies(resp)

	if p.isRewritable(resp.Header.Get("Content-Type")) {
		return p.rewriteBody(resp)
	}
	return nil
}

// rewriteURL maps an IdP-origin URL onto the /idp prefix. Relative
// URLs starting with / are also claimed, since from the browser's
// point of view the IdP's root is /idp/.
func (p *Proxy) rewriteURL(raw string) (string, bool) {
	if rest, ok := strings.CutPrefix(raw, p.targetOrigin); ok {
		if rest == "" {
			rest = "/"
		}
		return Prefix + rest, true
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, Prefix+"/") {
		return Prefix + raw, true
	}
	return raw, false
}

// rewriteCookies re-scopes Set-Cookie headers under /idp/ and strips
// Domain attributes so the cookies stay pinned to the gateway origin.
func (p *Proxy) rewriteCookies(resp *http.Response) {
	values := resp.Header.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}

	rewritten := make([]string, 0, len(values))
	for _, v := range values {
		c, err := http.ParseSetCookie(v)
		if err != nil {
			// Pass unparseable cookies through rather than drop them.
			rewritten = append(rewritten, v)
			continue
		}

		c.Domain = ""
		switch {
		case c.Path == "" || c.Path == "/":
			c.Path = Prefix + "/"
		case strings.HasPrefix(c.Path, "/") && !strings.HasPrefix(c.Path, Prefix):
			c.Path = Prefix + c.Path
		}
		if c.SameSite == http.SameSiteDefaultMode {
			c.SameSite = http.SameSiteLaxMode
		}
		rewritten = append(rewritten, c.String())
	}

	resp.Header.Del("Set-Cookie")
	for _, v := range rewritten {
		resp.Header.Add("Set-Cookie", v)
	}
}

func (p *Proxy) isRewritable(contentType string) bool {
	for _, t := range rewritableTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

// rewriteBody substitutes the IdP's scheme+authority with the
// /idp-prefixed gateway equivalent. This is a literal replacement; the
// IdP's HTML is not parsed.
func (p *Proxy) rewriteBody(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read IdP response body: %w", err)
	}
	if closeErr != nil {
		logger.Debugw("failed to close IdP response body", "error", closeErr.Error())
	}

	body = bytes.ReplaceAll(body, []byte(p.targetOrigin), []byte(p.publicPrefix))

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// handleError turns IdP transport failures into a 502. A canceled
// request means the browser went away; nothing useful can be written.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	logger.Errorw("identity provider unreachable",
		"target", p.targetOrigin,
		"path", r.URL.Path,
		"error", err.Error(),
	)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(compose.ErrorPage(http.StatusBadGateway, "The identity provider did not respond. Try again shortly."))
}

func forwardedProto(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func forwardedHost(req *http.Request) string {
	if host := req.Header.Get("X-Forwarded-Host"); host != "" {
		return host
	}
	return req.Host
}
