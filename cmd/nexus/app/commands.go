// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the nexus command-line
// application.
package app

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/hivematrix/nexus/pkg/logger"
	"github.com/hivematrix/nexus/pkg/server"
)

// Exit codes. The serve command distinguishes the startup failures an
// operator can act on.
const (
	exitFailure   = 1
	exitBadConfig = 2
	exitBindError = 3
	exitTLSError  = 4
)

// errBadConfig marks configuration failures for exit-code mapping.
var errBadConfig = errors.New("invalid configuration")

var rootCmd = &cobra.Command{
	Use:               "nexus",
	DisableAutoGenTag: true,
	Short:             "Nexus is the HiveMatrix edge gateway",
	Long: `Nexus is the single entry point into a HiveMatrix deployment.
It terminates TLS, brokers browser logins against the identity provider,
validates access tokens with the Core auth service, and reverse-proxies
each /{service}/ path prefix to the matching backend, stitching the shared
navigation chrome into every HTML page on the way through.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the nexus CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// ExitCode maps an Execute error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, errBadConfig):
		return exitBadConfig
	case errors.Is(err, server.ErrBind):
		return exitBindError
	case errors.Is(err, server.ErrTLSLoad):
		return exitTLSError
	default:
		return exitFailure
	}
}
