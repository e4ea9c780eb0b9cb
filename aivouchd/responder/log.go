// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package responder

import "github.com/decred/slog"

// log is a package level logger.  The default is a no-op; the real logger
// is injected by the caller during setup.
var log = slog.Disabled

// UseLogger sets the package logger.  This should be used in preference to
// SetLogWriter if the caller is also using slog.
func UseLogger(logger slog.Logger) {
	log = logger
}
