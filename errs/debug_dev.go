//go:build debug

package errs

// DebugLoggingEnabled is true in debug builds.
// Build with -tags=debug to enable this.
const DebugLoggingEnabled = true
