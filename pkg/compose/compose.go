// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package compose rewrites text/html responses from backend services
// to inject the gateway chrome: the global stylesheets, the per-user
// theme attributes, and the navigation side panel.
//
// Composition is strictly best-effort. Whatever goes wrong, the caller
// gets a usable body back, at worst the upstream bytes unmodified.
// It is also idempotent: composing a composed document again changes
// nothing, so a backend that echoes gateway pages does no harm.
package compose

import (
	"bytes"
	"context"
	stdhtml "html"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/prefs"
	"github.com/hivematrix/nexus/pkg/registry"
	"github.com/hivematrix/nexus/pkg/session"
)

// Asset paths injected into every composed document.
const (
	GlobalCSSHref    = "/static/css/global.css"
	SidePanelCSSHref = "/static/css/side-panel.css"
	SidePanelJSSrc   = "/static/js/side-panel.js"
)

// layoutClass marks a body that has already been wrapped.
const layoutClass = "hivematrix-layout"

// Input carries the request-scoped context a composition needs.
type Input struct {
	// CurrentService is the registry name the response came from. The
	// matching navigation item is marked active.
	CurrentService string

	// Claims identifies the caller; the email drives the theme lookup.
	Claims *auth.UserClaims

	// State is the caller's session, used as the preference cache. May
	// be nil for gateway-origin pages served outside a session.
	State *session.State

	// Services is the ordered list of entries the caller may see,
	// typically Registry.VisibleFor(claims.Role).
	Services []*registry.ServiceEntry
}

// Composer builds the gateway chrome into HTML documents.
type Composer struct {
	prefs *prefs.Client
}

// New creates a composer. prefsClient may be nil; themes then fall
// back to the defaults.
func New(prefsClient *prefs.Client) *Composer {
	return &Composer{prefs: prefsClient}
}

// Compose rewrites the document and reports whether the session state
// was updated (fresh preferences were cached) and should be re-sealed.
// On any parse or render failure the input is returned unchanged.
func (c *Composer) Compose(ctx context.Context, doc []byte, in Input) ([]byte, bool) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		logger.Warnw("HTML parse failed, returning body unmodified",
			"service", in.CurrentService,
			"error", err.Error(),
		)
		return doc, false
	}

	htmlNode := findChildElement(root, atom.Html)
	if htmlNode == nil {
		return doc, false
	}

	stateUpdated := c.applyTheme(ctx, htmlNode, in)

	if head := findChildElement(htmlNode, atom.Head); head != nil {
		injectHeadAssets(head)
	}
	if body := findChildElement(htmlNode, atom.Body); body != nil {
		wrapBody(body, in)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		logger.Warnw("HTML render failed, returning body unmodified",
			"service", in.CurrentService,
			"error", err.Error(),
		)
		return doc, false
	}
	return buf.Bytes(), stateUpdated
}

// applyTheme resolves the caller's theme and stamps it onto <html>.
func (c *Composer) applyTheme(ctx context.Context, htmlNode *html.Node, in Input) bool {
	theme, colorTheme := prefs.DefaultTheme, prefs.DefaultColorTheme
	updated := false
	if c.prefs != nil && in.Claims != nil {
		theme, colorTheme, updated = c.prefs.Theme(ctx, in.State, in.Claims.Email)
	}
	setAttr(htmlNode, "data-theme", theme)
	setAttr(htmlNode, "data-color-theme", colorTheme)
	return updated
}

// injectHeadAssets adds the gateway stylesheets and the side-panel
// script, exactly once each, with the stylesheets placed before any
// backend stylesheet so backends can override the chrome.
func injectHeadAssets(head *html.Node) {
	firstSheet := findStylesheet(head, "")

	for _, href := range []string{GlobalCSSHref, SidePanelCSSHref} {
		if findStylesheet(head, href) != nil {
			continue
		}
		link := &html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Link,
			Data:     "link",
			Attr: []html.Attribute{
				{Key: "rel", Val: "stylesheet"},
				{Key: "href", Val: href},
			},
		}
		if firstSheet != nil {
			head.InsertBefore(link, firstSheet)
		} else {
			head.AppendChild(link)
		}
	}

	if findScript(head, SidePanelJSSrc) == nil {
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Script,
			Data:     "script",
			Attr: []html.Attribute{
				{Key: "src", Val: SidePanelJSSrc},
				{Key: "defer", Val: ""},
			},
		})
	}
}

// wrapBody reparents the body's children into the gateway frame: the
// side panel next to a content region. A body already carrying the
// layout container is left alone.
func wrapBody(body *html.Node, in Input) {
	if first := firstElementChild(body); first != nil && hasClass(first, layoutClass) {
		return
	}

	frame, err := parseFragment(layoutHTML(in), body)
	if err != nil || len(frame) == 0 {
		return
	}
	layout := frame[0]

	content := findByClass(layout, "hivematrix-content")
	if content == nil {
		return
	}

	for body.FirstChild != nil {
		child := body.FirstChild
		body.RemoveChild(child)
		content.AppendChild(child)
	}
	body.AppendChild(layout)
}

// layoutHTML builds the frame markup: the layout container holding the
// navigation panel and an empty content region.
func layoutHTML(in Input) string {
	var b strings.Builder

	b.WriteString(`<div class="hivematrix-layout"><div class="hivematrix-side-panel" id="side-panel">`)
	b.WriteString(`<div class="side-panel__header">`)
	b.WriteString(`<button class="side-panel__toggle" id="sidebar-toggle" aria-label="Toggle sidebar">` + iconMenu + `</button>`)
	b.WriteString(`<h3 class="side-panel__title">HiveMatrix</h3>`)
	b.WriteString(`</div><nav class="side-panel__nav"><ul class="side-panel__list">`)

	for _, svc := range in.Services {
		label := displayName(svc.Name)
		item := "side-panel__item"
		if svc.Name == in.CurrentService {
			item += " side-panel__item--active"
		}
		b.WriteString(`<li class="` + item + `">`)
		b.WriteString(`<a href="/` + svc.Name + `/" class="side-panel__link" data-tooltip="Go to ` + stdhtml.EscapeString(label) + `" data-tooltip-position="right">`)
		b.WriteString(`<span class="side-panel__icon">` + iconFor(svc.Name) + `</span>`)
		b.WriteString(`<span class="side-panel__label">` + stdhtml.EscapeString(label) + `</span>`)
		b.WriteString(`</a></li>`)
	}

	b.WriteString(`</ul></nav><div class="side-panel__footer">`)
	b.WriteString(`<a href="/codex/settings" class="side-panel__link" data-tooltip="Change theme and preferences" data-tooltip-position="right">`)
	b.WriteString(`<span class="side-panel__icon">` + iconSettings + `</span><span class="side-panel__label">Settings</span></a>`)
	b.WriteString(`<a href="/logout" class="side-panel__link" data-tooltip="Sign out of HiveMatrix" data-tooltip-position="right">`)
	b.WriteString(`<span class="side-panel__icon">` + iconLogout + `</span><span class="side-panel__label">Logout</span></a>`)
	b.WriteString(`<button class="theme-toggle" id="theme-toggle-btn" aria-label="Toggle theme">`)
	b.WriteString(`<span class="theme-toggle__track"><span class="theme-toggle__thumb">` + iconMoon + iconSun + `</span></span>`)
	b.WriteString(`</button></div></div><div class="hivematrix-content"></div></div>`)

	return b.String()
}

// displayName title-cases a registry name for the navigation label.
func displayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func parseFragment(fragment string, parent *html.Node) ([]*html.Node, error) {
	return html.ParseFragment(strings.NewReader(fragment), parent)
}

// findChildElement returns the first direct child with the given tag.
func findChildElement(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

// firstElementChild skips text and comment nodes.
func firstElementChild(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// findStylesheet finds a link[rel=stylesheet] under n. An empty href
// matches any stylesheet; otherwise the href must match exactly,
// ignoring a cache-busting query string.
func findStylesheet(n *html.Node, href string) *html.Node {
	var found *html.Node
	walk(n, func(node *html.Node) bool {
		if node.Type != html.ElementNode || node.DataAtom != atom.Link {
			return true
		}
		if !strings.EqualFold(getAttr(node, "rel"), "stylesheet") {
			return true
		}
		got, _, _ := strings.Cut(getAttr(node, "href"), "?")
		if href == "" || got == href {
			found = node
			return false
		}
		return true
	})
	return found
}

// findScript finds a script with the given src under n.
func findScript(n *html.Node, src string) *html.Node {
	var found *html.Node
	walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && node.DataAtom == atom.Script {
			got, _, _ := strings.Cut(getAttr(node, "src"), "?")
			if got == src {
				found = node
				return false
			}
		}
		return true
	})
	return found
}

// findByClass finds the first element under n carrying the class.
func findByClass(n *html.Node, class string) *html.Node {
	var found *html.Node
	walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && hasClass(node, class) {
			found = node
			return false
		}
		return true
	})
	return found
}

// walk visits n and its descendants until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
