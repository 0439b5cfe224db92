// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server runs the gateway's HTTP(S) entrypoint: one listener,
// the chi route table, graceful shutdown, and SIGHUP certificate
// reloads.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivematrix/nexus/pkg/config"
	"github.com/hivematrix/nexus/pkg/logger"
)

// Startup failure modes. The command layer maps these onto exit codes.
var (
	ErrBind    = errors.New("cannot bind listen address")
	ErrTLSLoad = errors.New("cannot load TLS materials")
)

// Timeouts on the listener side.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server is the gateway's HTTP entrypoint.
type Server struct {
	cfg      *config.Config
	handler  http.Handler
	reloader *certReloader
}

// New prepares the server. TLS materials are loaded eagerly so a bad
// keypair fails startup instead of the first connection.
func New(cfg *config.Config, handler http.Handler) (*Server, error) {
	s := &Server{cfg: cfg, handler: handler}

	if cfg.UseTLS() {
		reloader, err := newCertReloader(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSLoad, err)
		}
		s.reloader = reloader
	}
	return s, nil
}

// Run serves until the context is cancelled, then drains connections.
// SIGHUP reloads the TLS certificate in place.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.reloader != nil {
		httpServer.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.reloader.GetCertificate,
		}
		ln = tls.NewListener(ln, httpServer.TLSConfig)
		s.watchSIGHUP(ctx)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	logger.Infow("gateway listening",
		"addr", s.cfg.ListenAddr,
		"tls", s.reloader != nil,
	)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}

// watchSIGHUP reloads the certificate on SIGHUP until ctx ends.
func (s *Server) watchSIGHUP(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				if err := s.reloader.Reload(); err != nil {
					logger.Errorw("TLS reload failed, keeping previous certificate",
						"error", err.Error(),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
