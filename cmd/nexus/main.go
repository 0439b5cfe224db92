// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the nexus gateway.
package main

import (
	"os"

	"github.com/hivematrix/nexus/cmd/nexus/app"
	"github.com/hivematrix/nexus/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(app.ExitCode(err))
	}
}
