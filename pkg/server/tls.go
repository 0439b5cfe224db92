// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/tls"
	"fmt"
	"sync/atomic"

	"github.com/hivematrix/nexus/pkg/logger"
)

// certReloader serves the TLS certificate through an atomic pointer so
// the keypair can be swapped on SIGHUP without restarting the listener.
type certReloader struct {
	certFile string
	keyFile  string
	current  atomic.Pointer[tls.Certificate]
}

func newCertReloader(certFile, keyFile string) (*certReloader, error) {
	r := &certReloader{certFile: certFile, keyFile: keyFile}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload loads the keypair from disk and swaps it in. A failing reload
// keeps the previous certificate serving.
func (r *certReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS keypair: %w", err)
	}
	r.current.Store(&cert)
	logger.Infow("TLS certificate loaded", "cert", r.certFile)
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.current.Load(), nil
}
