// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend proxies authenticated requests to the registered
// services. The first path segment selects the service, the rest is
// forwarded with the caller's bearer token and forwarded headers
// injected. HTML responses are routed through the composer; streaming
// responses (SSE in particular) pass through unbuffered.
package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/compose"
	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/registry"
	"github.com/hivematrix/nexus/pkg/session"
)

// Pool limits per backend origin.
const (
	maxIdlePerHost   = 64
	maxConnsPerHost  = 256
	dialTimeout      = 5 * time.Second
	firstByteTimeout = 30 * time.Second
)

// totalBodyTimeout caps how long a non-streaming response body may
// dribble on. SSE responses are exempt; they live until one side
// hangs up.
const totalBodyTimeout = 5 * time.Minute

// ssePeekLen is how many body bytes are inspected to spot an SSE
// stream that forgot to declare text/event-stream.
const ssePeekLen = 5

// Proxy routes /{service}/* requests to their registered backends.
type Proxy struct {
	registry        *registry.Registry
	store           *session.Store
	composer        *compose.Composer
	composeMaxBytes int64

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

// New creates the backend proxy. composeMaxBytes caps how large an
// HTML body the composer will buffer; larger documents stream through
// unmodified.
func New(reg *registry.Registry, store *session.Store, composer *compose.Composer, composeMaxBytes int64) *Proxy {
	return &Proxy{
		registry:        reg,
		store:           store,
		composer:        composer,
		composeMaxBytes: composeMaxBytes,
		proxies:         make(map[string]*httputil.ReverseProxy),
	}
}

// ServeHTTP handles an authenticated request whose first path segment
// is the {service} route parameter. The session middleware has already
// run; claims and session state are in the request context.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	entry, ok := p.registry.Current().Lookup(name)
	if !ok {
		p.writeErrorPage(w, r, http.StatusNotFound,
			"There is no service at this address.")
		return
	}

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		// The route is always behind RequireSession; reaching this
		// point without claims is a wiring bug.
		p.writeErrorPage(w, r, http.StatusInternalServerError, "")
		return
	}
	if !claims.Role.AtLeast(entry.MinRole) {
		logger.Infow("permission denied",
			"service", name,
			"subject", claims.Subject,
			"role", claims.Role.String(),
		)
		p.writeErrorPage(w, r, http.StatusForbidden,
			"Your account does not have access to this service.")
		return
	}

	p.proxyFor(entry).ServeHTTP(w, r.WithContext(withService(r.Context(), name)))
}

// proxyFor returns the reverse proxy for an entry, building it on
// first use. Keyed by origin so a registry reload that moves a service
// gets a fresh proxy and connection pool.
func (p *Proxy) proxyFor(entry *registry.ServiceEntry) *httputil.ReverseProxy {
	key := entry.Origin.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.proxies[key]; ok {
		return rp
	}

	rp := httputil.NewSingleHostReverseProxy(entry.Origin)
	// Negative flush interval: bytes reach the client as soon as the
	// backend emits them, which is what keeps SSE alive.
	rp.FlushInterval = -1
	rp.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
		ResponseHeaderTimeout: firstByteTimeout,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		rewriteRequest(req)
	}
	rp.ModifyResponse = p.modifyResponse
	rp.ErrorHandler = p.handleError

	p.proxies[key] = rp
	return rp
}

// rewriteRequest strips the service prefix, scrubs credentials that
// must not reach backends, and injects the auth and forwarded headers.
func rewriteRequest(req *http.Request) {
	name := serviceFromContext(req.Context())

	path := strings.TrimPrefix(req.URL.Path, "/"+name)
	if path == "" {
		path = "/"
	}
	req.URL.Path = path

	req.Header.Set("X-Forwarded-Proto", forwardedProto(req))
	req.Header.Set("X-Forwarded-Host", forwardedHost(req))
	req.Header.Set("X-Forwarded-Prefix", "/"+name)
	req.Host = req.URL.Host

	// HTML bodies must stay composable; refuse compressed responses.
	req.Header.Del("Accept-Encoding")

	// The inbound Authorization header is untrusted; the gateway's
	// session is the only credential that counts. The session cookie
	// itself never leaves the gateway.
	req.Header.Del("Authorization")
	scrubSessionCookie(req)

	if state, ok := session.StateFromContext(req.Context()); ok && state.Token != "" {
		req.Header.Set("Authorization", "Bearer "+state.Token)
	}
}

// scrubSessionCookie removes the gateway session cookie while keeping
// any cookies the backend itself set.
func scrubSessionCookie(req *http.Request) {
	cookies := req.Cookies()
	req.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != session.CookieName {
			req.AddCookie(c)
		}
	}
}

// modifyResponse decides how the response body travels: streamed for
// SSE, buffered and composed for HTML, streamed with a deadline for
// everything else.
func (p *Proxy) modifyResponse(resp *http.Response) error {
	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "text/event-stream") {
		return nil
	}
	if isChunked(resp) {
		sse, err := peekForSSE(resp)
		if err != nil {
			return err
		}
		if sse {
			return nil
		}
	}

	// A backend that compresses despite the stripped Accept-Encoding
	// gets its bytes relayed untouched; composing would corrupt them.
	if strings.HasPrefix(contentType, "text/html") && resp.StatusCode < http.StatusInternalServerError &&
		!isEncoded(resp) {
		return p.composeResponse(resp)
	}

	resp.Body = newDeadlineBody(resp.Body, totalBodyTimeout)
	return nil
}

// composeResponse buffers the HTML body up to the compose cap and runs
// it through the composer. Oversized documents stream through as-is.
func (p *Proxy) composeResponse(resp *http.Response) error {
	req := resp.Request
	name := serviceFromContext(req.Context())

	head, err := io.ReadAll(io.LimitReader(resp.Body, p.composeMaxBytes+1))
	if err != nil {
		resp.Body.Close()
		return err
	}

	if int64(len(head)) > p.composeMaxBytes {
		logger.Warnw("HTML response exceeds compose cap, streaming unmodified",
			"service", name,
			"cap_bytes", p.composeMaxBytes,
		)
		resp.Body = readerWithCloser(io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body)
		return nil
	}
	resp.Body.Close()

	claims, _ := auth.ClaimsFromContext(req.Context())
	state, _ := session.StateFromContext(req.Context())

	in := compose.Input{
		CurrentService: name,
		Claims:         claims,
		State:          state,
	}
	if claims != nil {
		in.Services = p.registry.Current().VisibleFor(claims.Role)
	}

	out, stateUpdated := p.composer.Compose(req.Context(), head, in)

	if stateUpdated && state != nil {
		if c, err := p.store.Cookie(state); err == nil {
			resp.Header.Add("Set-Cookie", c.String())
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Header.Del("Transfer-Encoding")
	return nil
}

// handleError writes the gateway's 502 page, itself routed through the
// composer so it carries the normal chrome.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	name := serviceFromContext(r.Context())
	logger.Errorw("backend unreachable",
		"service", name,
		"path", r.URL.Path,
		"error", err.Error(),
	)
	p.writeErrorPage(w, r, http.StatusBadGateway,
		"The "+name+" service did not respond.")
}

// writeErrorPage renders a composed HTML error page.
func (p *Proxy) writeErrorPage(w http.ResponseWriter, r *http.Request, status int, message string) {
	page := compose.ErrorPage(status, message)

	claims, _ := auth.ClaimsFromContext(r.Context())
	state, _ := session.StateFromContext(r.Context())
	in := compose.Input{
		CurrentService: serviceFromContext(r.Context()),
		Claims:         claims,
		State:          state,
	}
	if claims != nil {
		in.Services = p.registry.Current().VisibleFor(claims.Role)
	}
	page, _ = p.composer.Compose(r.Context(), page, in)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(page)
}

// isEncoded reports whether the response body carries a content
// coding the composer cannot parse.
func isEncoded(resp *http.Response) bool {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	return enc != "" && enc != "identity"
}

// isChunked reports whether the response uses chunked transfer
// encoding.
func isChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

// peekForSSE inspects the first body bytes for the "data:" marker some
// backends emit on chunked responses without the proper content type.
// The peeked bytes are stitched back onto the body either way.
func peekForSSE(resp *http.Response) (bool, error) {
	buf := make([]byte, ssePeekLen)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		resp.Body.Close()
		return false, err
	}

	resp.Body = readerWithCloser(io.MultiReader(bytes.NewReader(buf[:n]), resp.Body), resp.Body)
	return bytes.Equal(buf[:n], []byte("data:")), nil
}

// readerWithCloser pairs a stitched reader with the original body's
// Close.
func readerWithCloser(r io.Reader, c io.Closer) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{r, c}
}

// deadlineBody force-closes the upstream body when the total-body
// timeout expires, so a wedged backend cannot pin a connection
// forever.
type deadlineBody struct {
	io.ReadCloser
	timer *time.Timer
}

func newDeadlineBody(body io.ReadCloser, d time.Duration) io.ReadCloser {
	return &deadlineBody{
		ReadCloser: body,
		timer:      time.AfterFunc(d, func() { body.Close() }),
	}
}

func (b *deadlineBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}

// serviceContextKey carries the matched service name through the
// reverse proxy's hooks.
type serviceContextKey struct{}

func withService(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, serviceContextKey{}, name)
}

func serviceFromContext(ctx context.Context) string {
	name, _ := ctx.Value(serviceContextKey{}).(string)
	return name
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
