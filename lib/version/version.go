// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build identity of sandboxd binaries.
package version

import "fmt"

// These are overridden at build time via -ldflags, e.g.:
//
//	go build -ldflags "-X github.com/sandboxd/sandboxd/lib/version.gitCommit=$(git rev-parse --short HEAD)"
var (
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Info returns a one-line human-readable version string for --version
// flags and startup log lines.
func Info() string {
	return fmt.Sprintf("commit=%s built=%s", gitCommit, buildDate)
}
