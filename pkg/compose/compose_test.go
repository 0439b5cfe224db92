// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/prefs"
	"github.com/hivematrix/nexus/pkg/registry"
	"github.com/hivematrix/nexus/pkg/session"
)

// prefsClient builds a preferences client whose codex entry points at
// the given test server.
func prefsClient(t *testing.T, srv *httptest.Server) *prefs.Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "services.json")
	doc := fmt.Sprintf(`{"codex": {"url": %q, "visible": true}}`, srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	reg := registry.New(path)
	require.NoError(t, reg.Load())
	return prefs.NewClient(reg, nil, srv.Client())
}

func entry(t *testing.T, name string) *registry.ServiceEntry {
	t.Helper()
	origin, err := url.Parse("http://" + name + ".internal:8000")
	require.NoError(t, err)
	return &registry.ServiceEntry{Name: name, Origin: origin, Visible: true}
}

func testInput(t *testing.T) Input {
	t.Helper()
	return Input{
		CurrentService: "codex",
		Claims:         &auth.UserClaims{Subject: "u1", Email: "op@example.com", Role: auth.RoleAdmin},
		State:          &session.State{},
		Services: []*registry.ServiceEntry{
			entry(t, "helm"),
			entry(t, "codex"),
			entry(t, "ledger"),
		},
	}
}

const sampleDoc = `<!doctype html><html><head><title>X</title></head><body><h1>Hi</h1></body></html>`

func TestComposeInjectsChrome(t *testing.T) {
	t.Parallel()

	c := New(nil)
	out, updated := c.Compose(context.Background(), []byte(sampleDoc), testInput(t))
	assert.False(t, updated)
	got := string(out)

	assert.Contains(t, got, `data-theme="light"`)
	assert.Contains(t, got, `data-color-theme="purple"`)
	assert.Equal(t, 1, strings.Count(got, GlobalCSSHref))
	assert.Equal(t, 1, strings.Count(got, SidePanelCSSHref))
	assert.Equal(t, 1, strings.Count(got, SidePanelJSSrc))

	// The navigation anchors, in registry order.
	helm := strings.Index(got, `href="/helm/"`)
	codex := strings.Index(got, `href="/codex/"`)
	ledger := strings.Index(got, `href="/ledger/"`)
	require.True(t, helm >= 0 && codex >= 0 && ledger >= 0, "all anchors present")
	assert.Less(t, helm, codex)
	assert.Less(t, codex, ledger)

	// Original content now lives in the content region.
	assert.Contains(t, got, "hivematrix-content")
	assert.Contains(t, got, "<h1>Hi</h1>")
	assert.Contains(t, got, "side-panel__item--active")
}

func TestComposeIdempotent(t *testing.T) {
	t.Parallel()

	docs := []string{
		sampleDoc,
		`<html><body>plain</body></html>`,
		`no tags at all`,
		`<p>unclosed`,
		`<html><head><link rel="stylesheet" href="/app.css"></head><body><div>x</div></body></html>`,
		``,
	}

	c := New(nil)
	for i, doc := range docs {
		t.Run(fmt.Sprintf("doc_%d", i), func(t *testing.T) {
			t.Parallel()

			in := testInput(t)
			once, _ := c.Compose(context.Background(), []byte(doc), in)
			twice, _ := c.Compose(context.Background(), once, in)
			assert.Equal(t, string(once), string(twice))
		})
	}
}

func TestComposeStylesheetsBeforeBackendSheets(t *testing.T) {
	t.Parallel()

	doc := `<html><head><link rel="stylesheet" href="/app.css"></head><body></body></html>`
	c := New(nil)
	out, _ := c.Compose(context.Background(), []byte(doc), testInput(t))
	got := string(out)

	assert.Less(t, strings.Index(got, GlobalCSSHref), strings.Index(got, "/app.css"))
	assert.Less(t, strings.Index(got, SidePanelCSSHref), strings.Index(got, "/app.css"))
}

func TestComposeDedupesExistingAssets(t *testing.T) {
	t.Parallel()

	doc := `<html><head>` +
		`<link rel="stylesheet" href="` + GlobalCSSHref + `?v=3">` +
		`<link rel="stylesheet" href="` + SidePanelCSSHref + `">` +
		`<script src="` + SidePanelJSSrc + `" defer></script>` +
		`</head><body></body></html>`

	c := New(nil)
	out, _ := c.Compose(context.Background(), []byte(doc), testInput(t))
	got := string(out)

	assert.Equal(t, 1, strings.Count(got, GlobalCSSHref))
	assert.Equal(t, 1, strings.Count(got, SidePanelCSSHref))
	assert.Equal(t, 1, strings.Count(got, SidePanelJSSrc))
}

func TestComposeFiltersNothingItself(t *testing.T) {
	t.Parallel()

	// The composer renders exactly what it is handed; permission
	// filtering happened upstream via VisibleFor.
	in := testInput(t)
	in.Services = in.Services[:1]

	c := New(nil)
	out, _ := c.Compose(context.Background(), []byte(sampleDoc), in)
	got := string(out)

	assert.Contains(t, got, `href="/helm/"`)
	assert.NotContains(t, got, `href="/ledger/"`)
}

func TestComposeUnknownServiceGetsGenericGlyph(t *testing.T) {
	t.Parallel()

	in := testInput(t)
	in.Services = []*registry.ServiceEntry{entry(t, "mystery_app")}

	c := New(nil)
	out, _ := c.Compose(context.Background(), []byte(sampleDoc), in)

	assert.Contains(t, string(out), `href="/mystery_app/"`)
	assert.Contains(t, string(out), "Mystery_app")
}

func TestComposeThemeFromPreferences(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"theme": "dark", "color_theme": "matrix"}`)
	}))
	defer srv.Close()

	c := New(prefsClient(t, srv))
	in := testInput(t)

	out, updated := c.Compose(context.Background(), []byte(sampleDoc), in)
	assert.True(t, updated, "fresh preferences should be cached into the session")
	assert.Contains(t, string(out), `data-theme="dark"`)
	assert.Contains(t, string(out), `data-color-theme="matrix"`)
	assert.Equal(t, "dark", in.State.Theme)
}

func TestComposeSurvivesMalformedInput(t *testing.T) {
	t.Parallel()

	c := New(nil)
	// A fragment with no html element at all still renders something
	// parseable, and nothing panics.
	out, _ := c.Compose(context.Background(), []byte("<td>orphan cell</td>"), testInput(t))
	_, err := html.Parse(strings.NewReader(string(out)))
	assert.NoError(t, err)
}

func TestErrorPageComposes(t *testing.T) {
	t.Parallel()

	page := ErrorPage(http.StatusBadGateway, "The codex service did not respond.")
	assert.Contains(t, string(page), "502 Bad Gateway")

	c := New(nil)
	out, _ := c.Compose(context.Background(), page, testInput(t))
	assert.Contains(t, string(out), "hivematrix-layout")
	assert.Contains(t, string(out), "The codex service did not respond.")
}
