// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/compose"
	"github.com/hivematrix/nexus/pkg/registry"
	"github.com/hivematrix/nexus/pkg/session"
)

const testToken = "header.payload.signature"

// inject places claims and session state into the request context the
// way the session middleware does in production.
func inject(claims *auth.UserClaims, state *session.State) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithClaims(r.Context(), claims)
			ctx = session.WithState(ctx, state)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// newGateway wires a Proxy in front of backendURL (registered as
// "codex", with an admin-only "helm" pointing at the same place) and
// returns a test server running the routed, claims-injected handler.
func newGateway(t *testing.T, backendURL string, role auth.Role) *httptest.Server {
	t.Helper()

	path := filepath.Join(t.TempDir(), "services.json")
	doc := fmt.Sprintf(`{
		"codex": {"url": %q, "visible": true},
		"helm": {"url": %q, "visible": true, "admin_only": true}
	}`, backendURL, backendURL)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	reg := registry.New(path)
	require.NoError(t, reg.Load())

	store, err := session.NewStore(strings.Repeat("k", 32), false)
	require.NoError(t, err)

	p := New(reg, store, compose.New(nil), 8<<20)

	claims := &auth.UserClaims{Subject: "u1", Email: "op@example.com", Role: role}
	state := &session.State{Token: testToken, IssuedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(inject(claims, state))
	r.Handle("/{service}", p)
	r.Handle("/{service}/*", p)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestForwardingRewritesRequest(t *testing.T) {
	t.Parallel()

	var (
		gotPath   string
		gotQuery  string
		gotAuthz  string
		gotPrefix string
		gotCookie string
	)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuthz = r.Header.Get("Authorization")
		gotPrefix = r.Header.Get("X-Forwarded-Prefix")
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/codex/companies?page=2", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer forged-by-client")
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "sealed"})
	req.AddCookie(&http.Cookie{Name: "backend_pref", Value: "x"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/companies", gotPath)
	assert.Equal(t, "page=2", gotQuery)
	assert.Equal(t, "Bearer "+testToken, gotAuthz, "session token replaces any client-supplied credential")
	assert.Equal(t, "/codex", gotPrefix)
	assert.NotContains(t, gotCookie, session.CookieName, "session cookie never reaches backends")
	assert.Contains(t, gotCookie, "backend_pref=x")
}

func TestBarePrefixForwardsRoot(t *testing.T) {
	t.Parallel()

	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	resp, err := http.Get(gw.URL + "/codex")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "/", gotPath)
}

func TestPermissionDenied(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "should not be reached")
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	resp, err := http.Get(gw.URL + "/helm/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "403")
	assert.NotContains(t, string(body), "should not be reached")
}

func TestUnknownService(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, "http://127.0.0.1:1", auth.RoleUser)

	resp, err := http.Get(gw.URL + "/ghost/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTMLResponseIsComposed(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!doctype html><html><head><title>X</title></head><body><h1>Hi</h1></body></html>`)
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleAdmin)

	resp, err := http.Get(gw.URL + "/codex/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	got := string(body)
	assert.Contains(t, got, `data-theme=`)
	assert.Equal(t, 1, strings.Count(got, compose.GlobalCSSHref))
	assert.Contains(t, got, `href="/codex/"`)
	assert.Contains(t, got, `href="/helm/"`, "admin sees the admin-only service")
	assert.Contains(t, got, "<h1>Hi</h1>")
	assert.Equal(t, fmt.Sprint(len(body)), resp.Header.Get("Content-Length"))
}

func TestGzipBackendHTMLIsComposed(t *testing.T) {
	t.Parallel()

	var gotAcceptEncoding string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, `<!doctype html><html><head><title>Z</title></head><body><h1>Zipped</h1></body></html>`)
		require.NoError(t, gz.Close())
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/codex/", nil)
	require.NoError(t, err)
	// Explicit header keeps the test client from transparently
	// decompressing, so the wire headers stay observable.
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.NotContains(t, gotAcceptEncoding, "br", "browser codings do not reach backends")
	assert.Empty(t, resp.Header.Get("Content-Encoding"), "composed bodies are served identity")
	assert.Contains(t, string(body), `data-theme=`)
	assert.Contains(t, string(body), "<h1>Zipped</h1>")
	assert.Equal(t, fmt.Sprint(len(body)), resp.Header.Get("Content-Length"))
}

func TestUndecodableEncodingStreamsUnmodified(t *testing.T) {
	t.Parallel()

	// Not real brotli; the point is that the gateway must not touch
	// bytes it cannot decode.
	payload := "opaque compressed bytes"
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		fmt.Fprint(w, payload)
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	req, err := http.NewRequest(http.MethodGet, gw.URL+"/codex/", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "br")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, payload, string(body), "encoded bodies are never composed")
}

func TestBackend5xxHTMLPassesThrough(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "<html><body>backend exploded</body></html>")
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	resp, err := http.Get(gw.URL + "/codex/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "hivematrix-layout", "5xx bodies are not composed")
	assert.Contains(t, string(body), "backend exploded")
}

func TestNonHTMLStreamsUnmodified(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("binary-ish payload\n", 100)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, payload)
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	resp, err := http.Get(gw.URL + "/codex/data")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, payload, string(body))
}

func TestSSEPassthrough(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		fmt.Fprint(w, "data: 1\n\n")
		flusher.Flush()
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "data: 2\n\n")
		flusher.Flush()
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	resp, err := http.Get(gw.URL + "/codex/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var lines []string
	var stamps []time.Time
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "data:") {
			lines = append(lines, strings.TrimRight(line, "\n"))
			stamps = append(stamps, time.Now())
		}
	}

	require.Equal(t, []string{"data: 1", "data: 2"}, lines, "events arrive in emission order, unmodified")
	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 80*time.Millisecond,
		"second event must not have been batched with the first")
}

func TestChunkedDataStreamNotBuffered(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No content type at all; the body shape is the only hint.
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: first\n\n")
		flusher.Flush()
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, "data: second\n\n")
	}))
	defer backend.Close()

	gw := newGateway(t, backend.URL, auth.RoleUser)

	resp, err := http.Get(gw.URL + "/codex/stream")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "data: first\n\ndata: second\n\n", string(body))
}

func TestBackendDownReturnsComposed502(t *testing.T) {
	t.Parallel()

	// Nothing listens on this port.
	gw := newGateway(t, "http://127.0.0.1:1", auth.RoleUser)

	resp, err := http.Get(gw.URL + "/codex/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "502")
	assert.Contains(t, string(body), "hivematrix-layout", "error pages carry the chrome")
}
