// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivematrix/nexus/pkg/auth/token"
	"github.com/hivematrix/nexus/pkg/broker"
	"github.com/hivematrix/nexus/pkg/compose"
	"github.com/hivematrix/nexus/pkg/config"
	"github.com/hivematrix/nexus/pkg/health"
	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/logship"
	"github.com/hivematrix/nexus/pkg/prefs"
	"github.com/hivematrix/nexus/pkg/proxy/backend"
	"github.com/hivematrix/nexus/pkg/proxy/idp"
	"github.com/hivematrix/nexus/pkg/registry"
	"github.com/hivematrix/nexus/pkg/server"
	"github.com/hivematrix/nexus/pkg/session"
	"github.com/hivematrix/nexus/pkg/svctoken"
	"github.com/hivematrix/nexus/pkg/versions"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  `Start the gateway: load configuration from the environment, bind the listener, and serve until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				os.Setenv("LOG_LEVEL", "debug")
				logger.Initialize()
			}
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorw("configuration invalid", "error", err.Error())
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing or broken registry file is not fatal; the gateway comes
	// up empty and picks the file up when the watcher sees it.
	reg := registry.New(cfg.ServicesFile)
	if err := reg.Load(); err != nil {
		logger.Warnw("service registry not loaded, starting empty",
			"path", cfg.ServicesFile,
			"error", err.Error(),
		)
	}
	// Watch blocks until ctx is done, so it gets its own goroutine. At
	// shutdown it returns ctx.Err(), which is not a watcher failure.
	go func() {
		if err := reg.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warnw("registry watcher unavailable, changes need a restart",
				"error", err.Error(),
			)
		}
	}()

	store, err := session.NewStore(cfg.CookieSecret, cfg.UseTLS())
	if err != nil {
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}

	validator, err := token.NewValidator(ctx, token.Config{
		Issuer:         cfg.TokenIssuer,
		JWKSURL:        cfg.JWKSURL(),
		AuthServiceURL: cfg.AuthServiceURL,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}

	brk, err := broker.New(ctx, cfg, store, validator)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}

	idpOrigin, err := idpTarget(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}

	minter := svctoken.NewMinter(cfg.AuthServiceURL, cfg.ServiceName, nil)
	prefsClient := prefs.NewClient(reg, minter, nil)
	composer := compose.New(prefsClient)

	if cfg.HelmServiceURL != "" {
		shipper := logship.New(cfg.HelmServiceURL, cfg.ServiceName, slog.LevelInfo, minter, nil)
		logger.Tee(shipper)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shipper.Shutdown(flushCtx)
		}()
	}

	router := server.NewRouter(cfg, server.Deps{
		Registry:  reg,
		Store:     store,
		Validator: validator,
		Broker:    brk,
		Backend:   backend.New(reg, store, composer, cfg.ComposeMaxBytes),
		IdP:       idp.New(idpOrigin, cfg.PublicOrigin),
		Composer:  composer,
		Prefs:     prefsClient,
		Health: health.NewChecker(cfg.ServiceName, []health.Dependency{
			{Name: "core", URL: cfg.AuthServiceURL},
			{Name: "idp", URL: idpOrigin.String()},
		}),
	})

	srv, err := server.New(cfg, router)
	if err != nil {
		return err
	}

	info := versions.GetVersionInfo()
	logger.Infow("starting nexus",
		"version", info.Version,
		"commit", info.Commit,
		"listen_addr", cfg.ListenAddr,
		"services", reg.Current().Len(),
	)

	return srv.Run(ctx)
}

// idpTarget resolves the server-reachable IdP origin the /idp proxy
// forwards to: the scheme+authority of the token endpoint, or of the
// issuer when only discovery is configured.
func idpTarget(cfg *config.Config) (*url.URL, error) {
	source := cfg.IdP.TokenURL
	if source == "" {
		source = cfg.IdP.IssuerURL
	}
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("cannot derive IdP origin from %q", source)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}
