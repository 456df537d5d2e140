// Package tls13 implements the client-side TLS 1.3 handshake state
// machine described in RFC 8446, driven message-by-message against an
// externally supplied record layer, transcript-hash engine, and
// cryptographic backend. See SPEC_FULL.md for the full component
// breakdown; doc comments in this package reference component IDs
// (C1..C7) from that breakdown where useful.
package tls13

import (
	"crypto"
	"crypto/x509"
	"io"
	"time"
)

// CurveID identifies a named group for (EC)DHE key exchange.
type CurveID uint16

const (
	CurveP256 CurveID = 23
	CurveP384 CurveID = 24
	CurveP521 CurveID = 25
	X25519    CurveID = 29
)

// CipherSuite identifies a TLS 1.3 AEAD/hash pairing.
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

// SignatureScheme identifies a signature algorithm/hash pairing as used
// in signature_algorithms and CertificateVerify.
type SignatureScheme uint16

const (
	ECDSAWithP256AndSHA256 SignatureScheme = 0x0403
	ECDSAWithP384AndSHA384 SignatureScheme = 0x0503
	ECDSAWithP521AndSHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
	PSSWithSHA256          SignatureScheme = 0x0804
	PSSWithSHA384          SignatureScheme = 0x0805
	PSSWithSHA512          SignatureScheme = 0x0806
)

// PSKMode is one of the two key-exchange modes a client may enable for
// PSK offering, per RFC 8446 §4.2.9.
type PSKMode uint8

const (
	PSKModeKE       PSKMode = 0 // psk_ke: PSK without (EC)DHE
	PSKModeDHEKE    PSKMode = 1 // psk_dhe_ke: PSK with (EC)DHE
	PSKModeEphem            = 2 // internal: ephemeral-only, no PSK offered at all
)

// TLS version numbers as they appear on the wire (legacy_version field
// and supported_versions entries).
const (
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// Credentials is the client's own certificate chain and private key,
// used only if the server sends a CertificateRequest.
type Credentials struct {
	Certificate [][]byte
	PrivateKey  crypto.Signer
	SupportedSignatureSchemes []SignatureScheme
}

// StaticPSK is an out-of-band pre-shared key, identified by an opaque
// identity and hashed under a specific cipher suite (§4.3: "hashed with
// SHA-256 by convention").
type StaticPSK struct {
	Identity []byte
	Secret   []byte
	Suite    CipherSuite
}

// Config is the read-only connection configuration handed to the
// handshake state machine. It is never mutated during a handshake;
// HandshakeState holds a borrowed reference to it for the handshake's
// lifetime (SPEC_FULL.md / spec.md §9, "cyclic/back references").
type Config struct {
	MinVersion uint16
	MaxVersion uint16

	CipherSuites    []CipherSuite
	SupportedGroups []CurveID
	SignatureSchemes []SignatureScheme

	PSKModesEnabled []PSKMode // subset of {PSKModeKE, PSKModeDHEKE}; PSKModeEphem is implicit
	StaticPSK       *StaticPSK

	ALPNProtocols []string
	ServerName    string

	Credentials *Credentials
	RootCAs     *x509.CertPool

	EarlyDataEnabled bool

	// SessionTicketsEnabled controls whether the client offers a
	// configured resumption ticket and whether it stores tickets
	// received post-handshake (C7).
	SessionTicketsEnabled bool

	// MiddleboxCompatDisabled turns off the dummy ChangeCipherSpec
	// records RFC 8446 Appendix D.4 allows at the two points a
	// middlebox-compatible client emits them (before the second
	// ClientHello, and after the server's Finished). Middlebox
	// compatibility is on by default — matching mbedTLS's
	// MBEDTLS_SSL_TLS1_3_COMPATIBILITY_MODE build default and the
	// teacher's own default-on, opt-out flags (SessionTicketsDisabled,
	// DynamicRecordSizingDisabled) — so a caller constructing a bare
	// Config{} gets the interoperable default. Suppressed entirely when
	// QUIC is true regardless of this flag, matching the teacher's gate
	// in sendDummyChangeCipherSpec (never sent over QUIC).
	MiddleboxCompatDisabled bool
	QUIC                    bool

	// Rand supplies randomness for ClientHello.random and ephemeral
	// key generation. Defaults to crypto/rand.Reader if nil.
	Rand io.Reader

	// Time returns the current wall-clock time, used for ticket-age
	// obfuscation (§4.3) and ticket_received stamping (§3). A nil Time
	// means no clock is available; obfuscated ticket age is then
	// always 0, per spec.md §6 ("Clock... optional").
	Time func() time.Time
}

func (c *Config) time() time.Time {
	if c.Time == nil {
		return time.Time{}
	}
	return c.Time()
}

func (c *Config) hasClock() bool {
	return c.Time != nil
}

// middleboxCompatEnabled reports whether dummy ChangeCipherSpec records
// should be emitted. Middlebox compatibility defaults to on; QUIC
// transports never use it regardless of MiddleboxCompatDisabled.
func (c *Config) middleboxCompatEnabled() bool {
	return !c.MiddleboxCompatDisabled && !c.QUIC
}

// pskModeEnabled reports whether mode is present in PSKModesEnabled.
func (c *Config) pskModeEnabled(mode PSKMode) bool {
	for _, m := range c.PSKModesEnabled {
		if m == mode {
			return true
		}
	}
	return false
}
