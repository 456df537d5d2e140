package errs

import (
	"fmt"
	"os"
)

// LogDebug writes a debug line to stderr when built with -tags=debug.
// It is a no-op (and its arguments are never formatted) in release
// builds, so callers may pass expensive-to-format values freely.
func LogDebug(v ...any) {
	if !DebugLoggingEnabled {
		return
	}
	fmt.Fprintln(os.Stderr, append([]any{"[tls13]"}, v...)...)
}
