// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hivematrix/nexus/pkg/auth"
	"github.com/hivematrix/nexus/pkg/auth/middleware"
	"github.com/hivematrix/nexus/pkg/auth/token"
	"github.com/hivematrix/nexus/pkg/broker"
	"github.com/hivematrix/nexus/pkg/compose"
	"github.com/hivematrix/nexus/pkg/config"
	"github.com/hivematrix/nexus/pkg/health"
	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/prefs"
	"github.com/hivematrix/nexus/pkg/problem"
	"github.com/hivematrix/nexus/pkg/registry"
	"github.com/hivematrix/nexus/pkg/session"
	"github.com/hivematrix/nexus/pkg/static"
	"github.com/hivematrix/nexus/pkg/telemetry"
)

// Deps are the wired components the router serves.
type Deps struct {
	Registry  *registry.Registry
	Store     *session.Store
	Validator token.Validator
	Broker    *broker.Broker
	Backend   http.Handler
	IdP       http.Handler
	Composer  *compose.Composer
	Prefs     *prefs.Client
	Health    *health.Checker
}

// NewRouter builds the gateway's route table. Literal routes are
// registered before the service wildcard so they always win.
func NewRouter(cfg *config.Config, d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(correlationID)
	if cfg.BehindProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestLogger)
	r.Use(telemetry.Metrics)
	r.Use(chimw.Recoverer)

	r.Get("/health", health.Simple(cfg.ServiceName))
	r.Get("/health/detailed", d.Health.Handler())
	r.Get("/metrics", telemetry.Handler().ServeHTTP)

	r.Get("/login", d.Broker.Begin)
	r.Post("/login", d.Broker.Begin)
	r.Get("/auth-callback", d.Broker.Complete)
	r.Get("/logout", d.Broker.End)

	r.Post("/api/invalidate-cache", invalidateCache(d.Store))

	r.Handle("/idp", d.IdP)
	r.Handle("/idp/*", d.IdP)
	r.Handle("/static/*", static.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(d.Store, d.Validator))
		r.Get("/", homeRedirect(d))
		r.Handle("/{service}", d.Backend)
		r.Handle("/{service}/*", d.Backend)
	})

	r.NotFound(notFound(d))
	return r
}

// invalidateCache drops the caller's cached preferences so the next
// composed page re-fetches them. Called by the theme toggle after it
// saves a new preference.
func invalidateCache(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := store.Get(r)
		if err != nil {
			problem.Unauthorized(w, r, "")
			return
		}

		state.ClearPrefs()
		if err := store.Set(w, state); err != nil {
			logger.Errorw("failed to re-seal session", "error", err.Error())
			problem.InternalServerError(w, r, "")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"Cache invalidated"}` + "\n"))
	}
}

// homeRedirect sends an authenticated caller to their preferred home
// service, falling back to the first service they can see.
func homeRedirect(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			problem.InternalServerError(w, r, "")
			return
		}
		state, _ := session.StateFromContext(r.Context())

		snapshot := d.Registry.Current()

		if state != nil && d.Prefs != nil {
			page, updated := d.Prefs.HomePage(r.Context(), state, claims.Email)
			if updated {
				if err := d.Store.Set(w, state); err != nil {
					logger.Warnw("failed to cache home page in session", "error", err.Error())
				}
			}
			if entry, found := snapshot.Lookup(page); found && entry.Visible && claims.Role.AtLeast(entry.MinRole) {
				http.Redirect(w, r, "/"+entry.Name+"/", http.StatusFound)
				return
			}
		}

		if visible := snapshot.VisibleFor(claims.Role); len(visible) > 0 {
			http.Redirect(w, r, "/"+visible[0].Name+"/", http.StatusFound)
			return
		}

		writeGatewayError(w, r, d, http.StatusNotFound, "No services are available for your account.")
	}
}

// notFound answers requests that matched no route.
func notFound(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeGatewayError(w, r, d, http.StatusNotFound, "There is nothing at this address.")
	}
}

// writeGatewayError renders a gateway-origin error: the composed HTML
// page for browsers, problem+json for API clients.
func writeGatewayError(w http.ResponseWriter, r *http.Request, d Deps, status int, message string) {
	if !wantsHTML(r) {
		problem.New(status, "gateway", message).Write(w, r)
		return
	}

	page := compose.ErrorPage(status, message)
	in := compose.Input{}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		in.Claims = claims
		in.Services = d.Registry.Current().VisibleFor(claims.Role)
	}
	if state, ok := session.StateFromContext(r.Context()); ok {
		in.State = state
	}
	page, _ = d.Composer.Compose(r.Context(), page, in)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(page)
}

// wantsHTML reports whether the client is a browser. Anything that
// does not explicitly prefer JSON gets HTML.
func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/html") {
		return true
	}
	return !strings.Contains(accept, "application/json") &&
		!strings.Contains(accept, "application/problem+json")
}
