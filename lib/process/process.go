// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the standard binary entrypoint error handler.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
