// Package defaultcrypto is the default Crypto collaborator (spec.md
// §6) implementation, built on crypto/ecdh for key exchange,
// golang.org/x/crypto/hkdf for the key schedule, and
// golang.org/x/crypto/chacha20poly1305 alongside the standard
// library's AES-GCM for record protection.
package defaultcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	tls13 "github.com/refraction-networking/tls13client"
	"github.com/refraction-networking/tls13client/errs"
)

// New returns the default Crypto backend.
func New() tls13.Crypto {
	return backend{}
}

type backend struct{}

func hashFunc(h tls13.HashID) func() hash.Hash {
	if h == tls13.HashSHA384 {
		return sha512.New384
	}
	return sha256.New
}

func (backend) HashSize(h tls13.HashID) int {
	if h == tls13.HashSHA384 {
		return 48
	}
	return 32
}

func (b backend) EmptyHash(h tls13.HashID) []byte {
	hh := hashFunc(h)()
	return hh.Sum(nil)
}

func (b backend) HKDFExtract(h tls13.HashID, salt, ikm []byte) []byte {
	return hkdf.Extract(hashFunc(h), ikm, salt)
}

// ExpandLabel implements RFC 8446 §7.1's HKDF-Expand-Label, building
// the HkdfLabel structure by hand (cryptobyte would be overkill for a
// four-field fixed structure) and reading exactly length bytes from
// the resulting HKDF-Expand stream.
func (b backend) ExpandLabel(h tls13.HashID, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	r := hkdf.Expand(hashFunc(h), secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("defaultcrypto: HKDF-Expand-Label exhausted (length too large for hash): " + err.Error())
	}
	return out
}

func (b backend) HMAC(h tls13.HashID, key, message []byte) []byte {
	mac := hmac.New(hashFunc(h), key)
	mac.Write(message)
	return mac.Sum(nil)
}

func (backend) ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ephemeralKey adapts a crypto/ecdh private key to tls13.EphemeralKey.
type ephemeralKey struct {
	group tls13.CurveID
	priv  *ecdh.PrivateKey
}

func (k *ephemeralKey) Group() tls13.CurveID     { return k.group }
func (k *ephemeralKey) PublicKeyBytes() []byte { return k.priv.PublicKey().Bytes() }

func ecdhCurve(group tls13.CurveID) (ecdh.Curve, bool) {
	switch group {
	case tls13.X25519:
		return ecdh.X25519(), true
	case tls13.CurveP256:
		return ecdh.P256(), true
	case tls13.CurveP384:
		return ecdh.P384(), true
	case tls13.CurveP521:
		return ecdh.P521(), true
	default:
		return nil, false
	}
}

func (b backend) GenerateEphemeral(rand io.Reader, group tls13.CurveID) (tls13.EphemeralKey, error) {
	curve, ok := ecdhCurve(group)
	if !ok {
		return nil, errs.New(errs.KindFeatureUnavailable, "unsupported key-exchange group")
	}
	priv, err := curve.GenerateKey(rand)
	if err != nil {
		return nil, errs.New(errs.KindInternalError, "ECDHE key generation failed").Base(err)
	}
	return &ephemeralKey{group: group, priv: priv}, nil
}

func (b backend) SharedSecret(priv tls13.EphemeralKey, peerPublic []byte) ([]byte, error) {
	k, ok := priv.(*ephemeralKey)
	if !ok {
		return nil, errs.New(errs.KindInternalError, "SharedSecret called with a foreign EphemeralKey")
	}
	curve, ok := ecdhCurve(k.group)
	if !ok {
		return nil, errs.New(errs.KindFeatureUnavailable, "unsupported key-exchange group")
	}
	pub, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, errs.New(errs.KindDecodeError, "malformed peer key_share").Base(err)
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, errs.New(errs.KindHandshakeFailure, "ECDH computation failed").Base(err)
	}
	return secret, nil
}

// aeadKeyLen/aeadIVLen follow RFC 8446 §5.3's key/IV lengths for the
// three mandatory TLS 1.3 cipher suites.
func aeadKeyLen(suite tls13.CipherSuite) int {
	if suite == tls13.TLS_AES_256_GCM_SHA384 {
		return 32
	}
	return 16
}

const aeadIVLen = 12

func newAEAD(suite tls13.CipherSuite, key []byte) (cipher.AEAD, error) {
	if suite == tls13.TLS_CHACHA20_POLY1305_SHA256 {
		return chacha20poly1305.New(key)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Transform is the concrete Transform this backend installs: an AEAD
// plus its fixed IV and a strictly increasing 64-bit sequence number,
// combined per RFC 8446 §5.3 (nonce = IV XOR left-padded seq).
type Transform struct {
	AEAD cipher.AEAD
	IV   []byte
	seq  uint64
}

// Seal encrypts one record's plaintext (with the inner content-type
// byte already appended by the record layer) using and then advancing
// the sequence number.
func (t *Transform) Seal(dst, additionalData, plaintext []byte) []byte {
	nonce := t.nonce()
	t.seq++
	return t.AEAD.Seal(dst, nonce, plaintext, additionalData)
}

// Open decrypts and authenticates one record, advancing the sequence
// number on success.
func (t *Transform) Open(dst, additionalData, ciphertext []byte) ([]byte, error) {
	nonce := t.nonce()
	out, err := t.AEAD.Open(dst, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, err
	}
	t.seq++
	return out, nil
}

func (t *Transform) nonce() []byte {
	nonce := make([]byte, aeadIVLen)
	copy(nonce, t.IV)
	for i := 0; i < 8; i++ {
		nonce[aeadIVLen-1-i] ^= byte(t.seq >> (8 * i))
	}
	return nonce
}

func (b backend) DeriveTrafficKeys(suite tls13.CipherSuite, trafficSecret []byte) (tls13.Transform, error) {
	hashID := tls13.HashSHA256
	if suite == tls13.TLS_AES_256_GCM_SHA384 {
		hashID = tls13.HashSHA384
	}
	key := b.ExpandLabel(hashID, trafficSecret, "key", nil, aeadKeyLen(suite))
	iv := b.ExpandLabel(hashID, trafficSecret, "iv", nil, aeadIVLen)

	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, errs.New(errs.KindInternalError, "AEAD construction failed").Base(err)
	}
	return &Transform{AEAD: aead, IV: iv}, nil
}

// signatureHash returns the pre-hash function for a scheme, or nil for
// Ed25519 which signs the message directly.
func signatureHash(scheme tls13.SignatureScheme) (crypto.Hash, hash.Hash) {
	switch scheme {
	case tls13.ECDSAWithP256AndSHA256, tls13.PSSWithSHA256:
		return crypto.SHA256, sha256.New()
	case tls13.ECDSAWithP384AndSHA384, tls13.PSSWithSHA384:
		return crypto.SHA384, sha512.New384()
	case tls13.ECDSAWithP521AndSHA512, tls13.PSSWithSHA512:
		return crypto.SHA512, sha512.New()
	default:
		return 0, nil
	}
}

func (b backend) Sign(scheme tls13.SignatureScheme, signer crypto.Signer, rand io.Reader, message []byte) ([]byte, error) {
	if scheme == tls13.Ed25519 {
		return signer.Sign(rand, message, crypto.Hash(0))
	}
	h, hh := signatureHash(scheme)
	if hh == nil {
		return nil, errs.New(errs.KindFeatureUnavailable, "unsupported signature scheme")
	}
	hh.Write(message)
	digest := hh.Sum(nil)

	opts := crypto.SignerOpts(h)
	switch scheme {
	case tls13.PSSWithSHA256, tls13.PSSWithSHA384, tls13.PSSWithSHA512:
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	return signer.Sign(rand, digest, opts)
}

func (b backend) VerifySignature(scheme tls13.SignatureScheme, pub any, message, sig []byte) error {
	leafDER, ok := pub.([]byte)
	if !ok {
		return errs.New(errs.KindInternalError, "VerifySignature expects the leaf certificate's raw DER bytes")
	}
	cert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return errs.New(errs.KindDecodeError, "malformed leaf certificate").Base(err)
	}

	if scheme == tls13.Ed25519 {
		key, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errs.New(errs.KindHandshakeFailure, "certificate key type does not match Ed25519 scheme")
		}
		if !ed25519.Verify(key, message, sig) {
			return errs.New(errs.KindHandshakeFailure, "Ed25519 signature verification failed")
		}
		return nil
	}

	h, hh := signatureHash(scheme)
	if hh == nil {
		return errs.New(errs.KindFeatureUnavailable, "unsupported signature scheme")
	}
	hh.Write(message)
	digest := hh.Sum(nil)

	switch scheme {
	case tls13.ECDSAWithP256AndSHA256, tls13.ECDSAWithP384AndSHA384, tls13.ECDSAWithP521AndSHA512:
		key, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return errs.New(errs.KindHandshakeFailure, "certificate key type does not match ECDSA scheme")
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errs.New(errs.KindHandshakeFailure, "ECDSA signature verification failed")
		}
		return nil
	case tls13.PSSWithSHA256, tls13.PSSWithSHA384, tls13.PSSWithSHA512:
		key, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return errs.New(errs.KindHandshakeFailure, "certificate key type does not match RSA-PSS scheme")
		}
		return rsa.VerifyPSS(key, h, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h})
	default:
		return errs.New(errs.KindFeatureUnavailable, "unsupported signature scheme")
	}
}

func (b backend) VerifyCertificateChain(chain [][]byte, roots *x509.CertPool, serverName string) error {
	if len(chain) == 0 {
		return errs.New(errs.KindDecodeError, "empty certificate chain")
	}
	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return errs.New(errs.KindDecodeError, "malformed certificate in chain").Base(err)
		}
		certs[i] = c
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err := certs[0].Verify(x509.VerifyOptions{
		DNSName:       serverName,
		Roots:         roots,
		Intermediates: intermediates,
	})
	if err != nil {
		return errs.New(errs.KindHandshakeFailure, "certificate chain verification failed").Base(err)
	}
	return nil
}
