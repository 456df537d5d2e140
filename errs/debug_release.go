//go:build !debug

package errs

// DebugLoggingEnabled is false in release builds.
// Build with -tags=debug to enable debug logging.
const DebugLoggingEnabled = false
