package tls13

import "crypto/rand"

// cryptoRandReader defers to crypto/rand.Reader; kept as a named type
// (rather than using rand.Reader directly as the io.Reader default) so
// Config.Rand can be nil without requiring callers to special-case it
// at every call site.
type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}
