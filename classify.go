package tls13

import (
	"crypto/sha256"

	"github.com/refraction-networking/tls13client/errs"
)

// helloRetryRequestRandom is the fixed magic random value that
// identifies a HelloRetryRequest per RFC 8446 §4.1.3: SHA-256 of the
// ASCII string "HelloRetryRequest".
var helloRetryRequestRandom = sha256.Sum256([]byte("HelloRetryRequest"))

// downgradeRandomTLS12Suffix and downgradeRandomTLS11OrBelowSuffix are
// the last 8 bytes of ServerHello.random RFC 8446 §4.1.3 mandates
// TLS 1.2/1.1-and-below servers set to warn a downgrade-capable client
// of an active attack.
var (
	downgradeRandomTLS12Suffix       = [8]byte{0x44, 0x4f, 0x57, 0x4e, 0x47, 0x52, 0x44, 0x01}
	downgradeRandomTLS11OrBelowSuffix = [8]byte{0x44, 0x4f, 0x57, 0x4e, 0x47, 0x52, 0x44, 0x00}
)

// ClassifyResult is the outcome of the ServerHello classifier (C5).
type ClassifyResult int

const (
	ClassifyTLS13Full ClassifyResult = iota
	ClassifyHelloRetryRequest
	ClassifyTLS12Handoff
)

// ClassifyServerHello implements §4.6. It only inspects the fields
// needed for classification (supportedVersion presence, random, and
// the caller-supplied information about what we offered); it does not
// otherwise validate the message. minVersion alone determines whether a
// TLS 1.2-or-below handoff is acceptable: a caller unwilling to accept
// anything below TLS 1.3 passes VersionTLS13, which makes any handoff
// fail the LegacyVersion < minVersion check below.
func ClassifyServerHello(sh *ParsedServerHello, offeredTLS13 bool, minVersion uint16) (ClassifyResult, error) {
	if sh.SupportedVersion == 0 {
		// Peer selected <= TLS 1.2 via the legacy_version field alone.
		var suffix [8]byte
		copy(suffix[:], sh.Random[24:32])
		if offeredTLS13 && (suffix == downgradeRandomTLS12Suffix || suffix == downgradeRandomTLS11OrBelowSuffix) {
			return 0, errs.New(errs.KindIllegalParameter, "downgrade attack detected (RFC 8446 §4.1.3 magic random)")
		}
		if sh.LegacyVersion < minVersion {
			return 0, errs.New(errs.KindIllegalParameter, "server selected a version below the configured minimum")
		}
		return ClassifyTLS12Handoff, nil
	}

	if sh.Random == helloRetryRequestRandom {
		return ClassifyHelloRetryRequest, nil
	}
	return ClassifyTLS13Full, nil
}
