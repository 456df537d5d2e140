package tls13

import (
	"crypto"
	"crypto/x509"
	"io"
)

// MessageType identifies a TLS handshake message type (the
// HandshakeType enum of RFC 8446 §4).
type MessageType uint8

const (
	MsgClientHello         MessageType = 1
	MsgServerHello         MessageType = 2
	MsgNewSessionTicket    MessageType = 4
	MsgEncryptedExtensions MessageType = 8
	MsgCertificate         MessageType = 11
	MsgCertificateRequest  MessageType = 13
	MsgCertificateVerify   MessageType = 15
	MsgFinished            MessageType = 20
	MsgMessageHash         MessageType = 254 // synthetic, §4.4.1
)

// Direction distinguishes the two record-layer transform slots a
// handshake installs independently (spec.md §3, transform_handshake /
// transform_application).
type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// Transform is an opaque handle to a record-layer encryption/decryption
// state installed at one of the key-schedule transition points of
// spec.md §4.7. The handshake state machine never inspects a
// Transform's contents; it only asks the RecordLayer to install one.
type Transform interface{}

// RecordLayer is the downward collaborator that frames, encrypts, and
// transports handshake messages (spec.md §6, out of scope per §1).
// The handshake state machine is the only caller; all methods operate
// on a single connection and are not safe for concurrent use, matching
// the single-threaded, cooperative model of spec.md §5.
type RecordLayer interface {
	// FetchHandshakeMessage blocks (or returns a want-I/O sentinel
	// error, per the caller's own step() re-invocation contract) until
	// a complete handshake message is available, and returns its raw
	// bytes including the four-byte handshake header. expected is a
	// hint for error messages only; the caller is responsible for type
	// dispatch on the returned bytes.
	FetchHandshakeMessage(expected MessageType) ([]byte, error)

	// StartMessage returns a buffer of at least the given capacity
	// that the caller fills with a serialized handshake message body
	// (header included), and FinishMessage flushes exactly n bytes of
	// it as one handshake message.
	StartMessage(capacity int) ([]byte, error)
	FinishMessage(n int) error

	// SetTransform installs a Transform for the given direction. Per
	// spec.md invariant 7, the caller installs the inbound transform
	// before decoding EncryptedExtensions and the outbound transform
	// before sending the client's Certificate (or Finished).
	SetTransform(dir Direction, t Transform) error

	// WriteChangeCipherSpec emits a single middlebox-compatibility
	// dummy ChangeCipherSpec record. A no-op collaborator is expected
	// to ignore this in QUIC mode; the state machine itself already
	// gates on Config.QUIC before calling it.
	WriteChangeCipherSpec() error

	// PendFatalAlert queues a fatal alert of the given code to be
	// serialized on the next write. It does not itself terminate the
	// connection; the state machine returns an error immediately
	// after calling it.
	PendFatalAlert(alert Alert, cause error)
}

// TranscriptHash is the running hash over the handshake byte stream
// (spec.md §6, out of scope per §1). AddMessageHeader must be called
// with the same four-byte header the message was (or will be) framed
// with; AddBytes appends the message body.
type TranscriptHash interface {
	AddMessageHeader(t MessageType, length int)
	AddBytes(b []byte)

	// Snapshot returns the current running hash without disturbing
	// further updates (used mid-ClientHello to compute PSK binders,
	// spec.md §4.5).
	Snapshot() []byte

	// ResetForHRR rehashes a synthetic message_hash record of the
	// prior transcript per RFC 8446 §4.4.1, replacing the running hash
	// state with Hash(message_hash_header || Hash(ClientHello1)).
	ResetForHRR()

	// Clone returns an independent copy of the current hash state,
	// used when a snapshot must be taken without disturbing the
	// canonical running transcript (e.g. computing a PSK binder while
	// the real transcript continues past the binders field).
	Clone() TranscriptHash
}

// EphemeralKey is a generated (EC)DHE private key bound to one named
// group, opaque to the state machine beyond its public key bytes.
type EphemeralKey interface {
	Group() CurveID
	PublicKeyBytes() []byte
}

// Crypto is the cryptographic backend (spec.md §6, out of scope per
// §1): ECDHE, HKDF, AEAD key derivation, signature verification, and
// certificate chain validation. See defaultcrypto for a concrete
// implementation built on crypto/ecdh, golang.org/x/crypto/hkdf and
// golang.org/x/crypto/chacha20poly1305.
type Crypto interface {
	GenerateEphemeral(rand io.Reader, group CurveID) (EphemeralKey, error)
	SharedSecret(priv EphemeralKey, peerPublic []byte) ([]byte, error)

	HKDFExtract(hash HashID, salt, ikm []byte) []byte
	ExpandLabel(hash HashID, secret []byte, label string, context []byte, length int) []byte
	HMAC(hash HashID, key, message []byte) []byte

	// EmptyHash returns Hash(""), the transcript-hash input RFC 8446
	// §7.1's Derive-Secret uses for the "derived" and PSK-binder-key
	// derivations, which happen before any handshake bytes exist.
	EmptyHash(hash HashID) []byte

	// DeriveTrafficKeys derives the AEAD key/IV pair for a traffic
	// secret and returns an AEAD-backed Transform for it; the caller
	// installs it with RecordLayer.SetTransform.
	DeriveTrafficKeys(suite CipherSuite, trafficSecret []byte) (Transform, error)

	VerifySignature(scheme SignatureScheme, pub any, message, sig []byte) error
	VerifyCertificateChain(chain [][]byte, roots *x509.CertPool, serverName string) error

	// Sign produces a CertificateVerify signature over message (the
	// RFC 8446 §4.4.3 signature-content, already framed by the caller)
	// under the given scheme, hashing message first when the scheme
	// requires a pre-hashed digest (everything but Ed25519).
	Sign(scheme SignatureScheme, signer crypto.Signer, rand io.Reader, message []byte) ([]byte, error)

	ConstantTimeCompare(a, b []byte) bool
	HashSize(hash HashID) int
}

// HashID names the hash function backing a cipher suite's key schedule.
type HashID uint8

const (
	HashSHA256 HashID = iota
	HashSHA384
)

// Alert is the RFC 8446 §6 alert description number, re-exported here
// (rather than only in package errs) because RecordLayer.PendFatalAlert
// is part of this package's public surface.
type Alert = uint8
