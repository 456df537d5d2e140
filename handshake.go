package tls13

import (
	"bytes"
	"errors"
	"io"

	"golang.org/x/crypto/cryptobyte"

	"github.com/refraction-networking/tls13client/errs"
)

// ErrWantIO is returned by Step (via a collaborator) when the record
// layer could not complete a blocking operation immediately; the
// caller re-invokes Step once more I/O has happened, per spec.md §5's
// cooperative suspension model. It never appears wrapped: callers
// should compare with errors.Is directly.
var ErrWantIO = errors.New("tls13: step wants more I/O")

// StepResult is the non-error outcome of one Step call (spec.md §6,
// "Upward" interface: ok / want_io / received_new_session_ticket).
// want_io is represented as ErrWantIO instead, since Go idiomatically
// signals blocking via an error rather than a distinguished success
// value.
type StepResult int

const (
	StepOK StepResult = iota
	StepDone
	StepReceivedNewSessionTicket
)

// NewHandshake constructs a client HandshakeState bound to the given
// collaborators. resumption, when non-nil and accepted by
// collectOfferablePSKs, is offered as a PSK ahead of any configured
// static PSK (§4.3's ordering rule).
func NewHandshake(config *Config, rec RecordLayer, crypto Crypto, transcript TranscriptHash, resumption *Ticket) *HandshakeState {
	hs := &HandshakeState{
		config:           config,
		rec:              rec,
		crypto:           crypto,
		transcript:       transcript,
		resumptionTicket: resumption,
		usingPSKIdx:      -1,
		minVersion:       config.MinVersion,
		maxVersion:       config.MaxVersion,
		step:             stepStart,
	}
	if hs.minVersion == 0 {
		hs.minVersion = VersionTLS13
	}
	if hs.maxVersion == 0 {
		hs.maxVersion = VersionTLS13
	}
	return hs
}

// Step drives the handshake forward by exactly one message per
// spec.md §4.7/§5: it produces one outbound message or consumes and
// processes one inbound message, then returns (a HelloRetryRequest is
// answered with the retry ClientHello in the same call). Callers loop
// on Step until it returns StepDone or a fatal error. Post-handshake
// NewSessionTicket messages are handled by StepPostHandshake, not Step.
func (hs *HandshakeState) Step() (StepResult, error) {
	switch hs.step {
	case stepStart:
		return hs.sendClientHello()
	case stepAwaitServerHello:
		return hs.recvServerHello()
	case stepAwaitEncryptedExtensions:
		return hs.recvEncryptedExtensions()
	case stepAwaitCertificateRequestOrCertificate:
		return hs.recvCertificateRequestOrCertificate()
	case stepAwaitCertificate:
		return hs.recvCertificate()
	case stepAwaitCertificateVerify:
		return hs.recvCertificateVerify()
	case stepAwaitFinished:
		return hs.recvServerFinished()
	case stepSendClientCertificate:
		return hs.sendClientCertificate()
	case stepSendClientCertificateVerify:
		return hs.sendClientCertificateVerify()
	case stepSendClientFinished:
		return hs.sendClientFinished()
	case stepDone:
		return StepDone, nil
	case stepFailed:
		return 0, errs.New(errs.KindInternalError, "Step called again after a fatal error")
	default:
		return 0, errs.New(errs.KindInternalError, "unknown handshake step")
	}
}

// StepPostHandshake processes one post-handshake NewSessionTicket
// message (C7). It is separate from Step because ticket receipt is not
// part of the state diagram of §4.7 — the caller invokes it whenever
// the record layer reports a post-handshake message is available, any
// number of times after Step reaches StepDone.
func (hs *HandshakeState) StepPostHandshake() (StepResult, error) {
	if hs.step != stepDone {
		return 0, errs.New(errs.KindInternalError, "StepPostHandshake called before the handshake completed")
	}
	raw, err := hs.fetch(MsgNewSessionTicket)
	if err != nil {
		return 0, err
	}
	if err := hs.ingestNewSessionTicket(raw); err != nil {
		return hs.fail(err)
	}
	return StepReceivedNewSessionTicket, nil
}

// fail queues a fatal alert (mapped from the error's Kind, or
// internal_error for anything else) and moves the state machine to
// stepFailed, from which no further progress is possible.
func (hs *HandshakeState) fail(err error) (StepResult, error) {
	failedAt := hs.step
	hs.step = stepFailed
	var e *errs.Error
	if errors.As(err, &e) {
		errs.LogDebug("handshake failed at step", int(failedAt), "kind", e.Kind, "err", err)
		hs.rec.PendFatalAlert(Alert(e.Kind.Alert()), err)
	} else {
		errs.LogDebug("handshake failed at step", int(failedAt), "err", err)
		hs.rec.PendFatalAlert(Alert(errs.AlertInternalError), err)
	}
	return 0, err
}

// fetch retrieves the next handshake message, distinguishing a
// would-block signal (propagated verbatim, no alert) from every other
// error (fatal, alerted and terminal).
func (hs *HandshakeState) fetch(expected MessageType) ([]byte, error) {
	raw, err := hs.rec.FetchHandshakeMessage(expected)
	if err != nil {
		if errors.Is(err, ErrWantIO) {
			return nil, err
		}
		_, ferr := hs.fail(err)
		return nil, ferr
	}
	return raw, nil
}

// flushMessage hands a fully framed handshake message (four-byte
// header included) to the record layer.
func (hs *HandshakeState) flushMessage(framed []byte) error {
	buf, err := hs.rec.StartMessage(len(framed))
	if err != nil {
		return err
	}
	n := copy(buf, framed)
	return hs.rec.FinishMessage(n)
}

// sendClientHello builds and sends the first ClientHello (invariant 1:
// offered_group_id is set here whenever an ephemeral mode is enabled).
func (hs *HandshakeState) sendClientHello() (StepResult, error) {
	if err := hs.initializeClientHello(); err != nil {
		return hs.fail(err)
	}
	if err := hs.buildAndSendClientHello(); err != nil {
		return hs.fail(err)
	}
	hs.step = stepAwaitServerHello
	return StepOK, nil
}

// initializeClientHello sets the once-per-connection fields of the
// first ClientHello: client_random and legacy_session_id are generated
// once and reused verbatim in any HRR retry (RFC 8446 §4.1.2).
func (hs *HandshakeState) initializeClientHello() error {
	if _, err := hs.randSource().Read(hs.clientRandom[:]); err != nil {
		return errs.New(errs.KindInternalError, "failed to generate client random").Base(err)
	}
	sessionID := make([]byte, 32)
	if _, err := hs.randSource().Read(sessionID); err != nil {
		return errs.New(errs.KindInternalError, "failed to generate legacy session id").Base(err)
	}
	hs.sessionID = sessionID
	hs.collectOfferablePSKs()
	return nil
}

// buildAndSendClientHello implements §4.3/§4.5: it encodes every
// extension, then — if any PSK is offered — feeds the transcript the
// truncated prefix, computes binders from that snapshot, patches them
// in, and feeds the remainder. It is used for both the first
// ClientHello and the post-HRR retry (encodeKeyShare always generates
// a fresh ephemeral key, satisfying invariant 3).
func (hs *HandshakeState) buildAndSendClientHello() error {
	now := hs.config.time()
	hs.sentExtensions = 0

	var pskExt []byte
	var reservations []pskBinderReservation
	var pskBindersOffset int
	if len(hs.offeredPSKs) > 0 {
		var err error
		pskExt, reservations, pskBindersOffset, err = encodePreSharedKeyIdentities(hs, now)
		if err != nil {
			return err
		}
	}

	var b cryptobyte.Builder
	b.AddUint8(uint8(MsgClientHello))
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(VersionTLS12) // legacy_version is always 0x0303 (§6)
		b.AddBytes(hs.clientRandom[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(hs.sessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cs := range hs.config.CipherSuites {
				b.AddUint16(uint16(cs))
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0) // legacy_compression_methods: null only
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, w := range []extWriter{
				encodeSupportedVersions,
				encodeCookie,
				encodeKeyShare,
				encodeSupportedGroups,
				encodeSignatureAlgorithms,
				encodeServerName,
				encodeALPN,
				encodePSKKeyExchangeModes,
				encodeEarlyData,
			} {
				if err := w(hs, b); err != nil {
					b.SetError(err)
					return
				}
			}
			// pre_shared_key must be the last extension (invariant 4).
			if pskExt != nil {
				b.AddBytes(pskExt)
			}
		})
	})

	out, err := b.Bytes()
	if err != nil {
		return errs.New(errs.KindInternalError, "failed to encode ClientHello").Base(err)
	}

	if pskExt != nil {
		// pskExt was appended last, so it occupies exactly the trailing
		// len(pskExt) bytes of the finished buffer.
		pskAbsOffset := len(out) - len(pskExt)
		truncateAt := pskAbsOffset + pskBindersOffset + 2 // include the binders-vector length prefix

		hs.transcript.AddMessageHeader(MsgClientHello, len(out)-4)
		hs.transcript.AddBytes(out[4:truncateAt])
		snapshot := hs.transcript.Snapshot()

		absReservations := make([]pskBinderReservation, len(reservations))
		for i, r := range reservations {
			absReservations[i] = pskBinderReservation{offset: pskAbsOffset + r.offset, length: r.length}
		}
		if err := computeAndPatchBinders(hs, out, absReservations, snapshot); err != nil {
			return err
		}
		hs.transcript.AddBytes(out[truncateAt:])
	} else {
		hs.transcript.AddMessageHeader(MsgClientHello, len(out)-4)
		hs.transcript.AddBytes(out[4:])
	}

	return hs.flushMessage(out)
}

// recvServerHello fetches the first server message and dispatches on
// the ServerHello classifier (C5).
func (hs *HandshakeState) recvServerHello() (StepResult, error) {
	raw, err := hs.fetch(MsgServerHello)
	if err != nil {
		return 0, err
	}
	if MessageType(raw[0]) != MsgServerHello {
		return hs.fail(errs.New(errs.KindUnexpectedMessage, "expected ServerHello"))
	}

	sh, received, err := ParseServerHello(raw[4:])
	if err != nil {
		return hs.fail(err)
	}
	if sh.LegacyVersion != VersionTLS12 {
		return hs.fail(errs.New(errs.KindBadProtocolVersion, "ServerHello legacy_version is not 0x0303"))
	}
	if sh.Compression != 0 {
		return hs.fail(errs.New(errs.KindIllegalParameter, "ServerHello legacy_compression_method is not null"))
	}
	if !hs.crypto.ConstantTimeCompare(sh.SessionID, hs.sessionID) {
		return hs.fail(errs.New(errs.KindIllegalParameter, "ServerHello session id echo mismatch"))
	}

	result, err := ClassifyServerHello(sh, true, hs.minVersion)
	if err != nil {
		return hs.fail(err)
	}

	switch result {
	case ClassifyTLS12Handoff:
		hs.ephemeral = nil
		return hs.fail(errs.New(errs.KindFeatureUnavailable, "server negotiated TLS 1.2 or below; handoff is out of scope"))
	case ClassifyHelloRetryRequest:
		return hs.processHelloRetryRequest(raw, sh, received)
	default:
		return hs.processServerHello(raw, sh, received)
	}
}

// processHelloRetryRequest implements §4.4's HRR key_share/cookie
// parsing and §4.7's single retry, followed immediately by the second
// ClientHello.
func (hs *HandshakeState) processHelloRetryRequest(raw []byte, sh *ParsedServerHello, received extensionSet) (StepResult, error) {
	if hs.hrrCount >= 1 {
		return hs.fail(errs.New(errs.KindUnexpectedMessage, "second HelloRetryRequest in one connection"))
	}
	hs.hrrCount++

	if !received.has(extSupportedVersions) || sh.SupportedVersion != VersionTLS13 {
		return hs.fail(errs.New(errs.KindIllegalParameter, "HelloRetryRequest missing or wrong supported_versions"))
	}
	cs, ok := mutualCipherSuite(hs.config.CipherSuites, sh.CipherSuite)
	if !ok {
		return hs.fail(errs.New(errs.KindHandshakeFailure, "HelloRetryRequest selected a cipher suite we did not offer"))
	}
	hash, ok := suiteHash(cs)
	if !ok {
		return hs.fail(errs.New(errs.KindHandshakeFailure, "unsupported cipher suite in HelloRetryRequest"))
	}
	hs.suite = cs
	hs.suiteHash = hash

	changed := false
	if received.has(extKeyShare) {
		if sh.SelectedGroup == hs.offeredGroup {
			return hs.fail(errs.New(errs.KindIllegalParameter, "HelloRetryRequest re-selected the group we already offered"))
		}
		found := false
		for _, g := range hs.config.SupportedGroups {
			if g == sh.SelectedGroup {
				found = true
				break
			}
		}
		if !found {
			return hs.fail(errs.New(errs.KindIllegalParameter, "HelloRetryRequest selected a group we do not support"))
		}
		hs.ephemeral = nil // destroy the pre-HRR key before the retry key-share is generated (invariant 3)
		hs.offeredGroup = sh.SelectedGroup
		changed = true
	}
	if received.has(extCookie) {
		hs.cookie = sh.Cookie
		changed = true
	}
	if !changed {
		return hs.fail(errs.New(errs.KindIllegalParameter, "HelloRetryRequest changed nothing from the first ClientHello"))
	}

	hs.transcript.ResetForHRR()
	hs.transcript.AddMessageHeader(MsgServerHello, len(raw)-4)
	hs.transcript.AddBytes(raw[4:])

	if hs.config.middleboxCompatEnabled() {
		if err := hs.rec.WriteChangeCipherSpec(); err != nil {
			return hs.fail(err)
		}
	}

	if err := hs.buildAndSendClientHello(); err != nil {
		return hs.fail(err)
	}
	hs.step = stepAwaitServerHello
	return StepOK, nil
}

// processServerHello implements §4.4's ServerHello parsing, the mode
// decision table of §8 property 8, and the first key-schedule
// transition point of §4.7.
func (hs *HandshakeState) processServerHello(raw []byte, sh *ParsedServerHello, received extensionSet) (StepResult, error) {
	if !received.has(extSupportedVersions) || sh.SupportedVersion != VersionTLS13 {
		return hs.fail(errs.New(errs.KindIllegalParameter, "ServerHello missing or wrong supported_versions"))
	}
	cs, ok := mutualCipherSuite(hs.config.CipherSuites, sh.CipherSuite)
	if !ok {
		return hs.fail(errs.New(errs.KindHandshakeFailure, "ServerHello selected a cipher suite we did not offer"))
	}
	hash, ok := suiteHash(cs)
	if !ok {
		return hs.fail(errs.New(errs.KindHandshakeFailure, "unsupported cipher suite in ServerHello"))
	}
	hs.suite = cs
	hs.suiteHash = hash

	pskPresent := received.has(extPreSharedKey)
	keySharePresent := received.has(extKeyShare)

	switch {
	case !pskPresent && !keySharePresent:
		return hs.fail(errs.New(errs.KindHandshakeFailure, "ServerHello offers neither pre_shared_key nor key_share"))
	case pskPresent && !keySharePresent:
		if !hs.config.pskModeEnabled(PSKModeKE) {
			return hs.fail(errs.New(errs.KindHandshakeFailure, "psk_ke mode not enabled locally"))
		}
		hs.keyExchangeMode = ModePSK
	case !pskPresent && keySharePresent:
		hs.keyExchangeMode = ModeEphemeral
	default:
		if !hs.config.pskModeEnabled(PSKModeDHEKE) {
			return hs.fail(errs.New(errs.KindHandshakeFailure, "psk_dhe_ke mode not enabled locally"))
		}
		hs.keyExchangeMode = ModePSKEphemeral
	}

	if pskPresent {
		if _, err := hs.selectPSKByIndex(int(sh.SelectedIdentity)); err != nil {
			return hs.fail(err)
		}
		hs.usingPSKIdx = int(sh.SelectedIdentity)
	}

	var sharedSecret []byte
	if keySharePresent {
		if sh.KeyShareGroup != hs.offeredGroup {
			return hs.fail(errs.New(errs.KindHandshakeFailure, "ServerHello key_share group does not match what we offered"))
		}
		secret, err := hs.crypto.SharedSecret(hs.ephemeral, sh.KeyShareData)
		if err != nil {
			return hs.fail(errs.New(errs.KindHandshakeFailure, "ECDHE shared secret computation failed").Base(err))
		}
		sharedSecret = secret
		hs.ephemeral = nil
	}

	hs.serverRandom = sh.Random

	hs.transcript.AddMessageHeader(MsgServerHello, len(raw)-4)
	hs.transcript.AddBytes(raw[4:])
	transcriptAtSH := hs.transcript.Snapshot()

	if err := hs.establishHandshakeSecrets(sharedSecret, transcriptAtSH); err != nil {
		return hs.fail(err)
	}

	hs.step = stepAwaitEncryptedExtensions
	return StepOK, nil
}

// recvEncryptedExtensions implements §4.4's EncryptedExtensions
// parsing and the PSK-only shortcut of §4.7's state diagram (skip
// straight to SERVER_FINISHED when no certificate exchange happens).
func (hs *HandshakeState) recvEncryptedExtensions() (StepResult, error) {
	raw, err := hs.fetch(MsgEncryptedExtensions)
	if err != nil {
		return 0, err
	}
	if MessageType(raw[0]) != MsgEncryptedExtensions {
		return hs.fail(errs.New(errs.KindUnexpectedMessage, "expected EncryptedExtensions"))
	}

	ee, err := ParseEncryptedExtensions(raw[4:], hs.config.ALPNProtocols)
	if err != nil {
		return hs.fail(err)
	}
	if ee.EarlyData {
		if !hs.earlyDataOffered {
			return hs.fail(errs.New(errs.KindUnsupportedExtension, "server accepted early data we did not offer"))
		}
		// A server that accepts early_data expects an EndOfEarlyData
		// message sent under the early traffic key before Certificate,
		// per RFC 8446 §4.5/§4.7. This client never sends 0-RTT
		// application data or derives an early traffic key for it
		// (spec.md §1 Non-goals: 0-RTT application-data plumbing beyond
		// status tracking), so it cannot honor an acceptance and fails
		// cleanly instead of mis-sequencing the transcript.
		return hs.fail(errs.New(errs.KindFeatureUnavailable, "server accepted early data, which this client does not implement"))
	}

	hs.session = &NegotiatedSession{
		Version:     VersionTLS13,
		CipherSuite: hs.suite,
		ALPN:        ee.ALPN,
	}

	hs.transcript.AddMessageHeader(MsgEncryptedExtensions, len(raw)-4)
	hs.transcript.AddBytes(raw[4:])

	if hs.keyExchangeMode == ModePSK {
		hs.step = stepAwaitFinished
	} else {
		hs.step = stepAwaitCertificateRequestOrCertificate
	}
	return StepOK, nil
}

// recvCertificateRequestOrCertificate fetches the next server message
// and dispatches on its actual handshake type, since CertificateRequest
// is optional and both share this position in the state diagram.
func (hs *HandshakeState) recvCertificateRequestOrCertificate() (StepResult, error) {
	raw, err := hs.fetch(MsgCertificate)
	if err != nil {
		return 0, err
	}
	switch MessageType(raw[0]) {
	case MsgCertificateRequest:
		if err := hs.handleCertificateRequest(raw); err != nil {
			return hs.fail(err)
		}
		hs.step = stepAwaitCertificate
		return StepOK, nil
	case MsgCertificate:
		if err := hs.handleCertificate(raw); err != nil {
			return hs.fail(err)
		}
		hs.step = stepAwaitCertificateVerify
		return StepOK, nil
	default:
		return hs.fail(errs.New(errs.KindUnexpectedMessage, "expected CertificateRequest or Certificate"))
	}
}

func (hs *HandshakeState) recvCertificate() (StepResult, error) {
	raw, err := hs.fetch(MsgCertificate)
	if err != nil {
		return 0, err
	}
	if MessageType(raw[0]) != MsgCertificate {
		return hs.fail(errs.New(errs.KindUnexpectedMessage, "expected Certificate"))
	}
	if err := hs.handleCertificate(raw); err != nil {
		return hs.fail(err)
	}
	hs.step = stepAwaitCertificateVerify
	return StepOK, nil
}

func (hs *HandshakeState) handleCertificateRequest(raw []byte) error {
	cr, err := ParseCertificateRequest(raw[4:])
	if err != nil {
		return err
	}
	hs.clientAuth = true
	hs.certificateRequestContext = cr.Context
	hs.peerSignatureSchemes = cr.SignatureSchemes

	hs.transcript.AddMessageHeader(MsgCertificateRequest, len(raw)-4)
	hs.transcript.AddBytes(raw[4:])
	return nil
}

// handleCertificate decodes the Certificate message (RFC 8446 §4.4.2)
// and validates the chain via the crypto collaborator.
func (hs *HandshakeState) handleCertificate(raw []byte) error {
	s := cryptobyte.String(raw[4:])
	var ctx cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&ctx) {
		return errs.New(errs.KindDecodeError, "malformed Certificate: certificate_request_context")
	}
	if len(ctx) != 0 {
		return errs.New(errs.KindIllegalParameter, "non-empty certificate_request_context in server Certificate")
	}

	var certList cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&certList) || !s.Empty() {
		return errs.New(errs.KindDecodeError, "malformed Certificate: certificate_list")
	}
	if certList.Empty() {
		return errs.New(errs.KindDecodeError, "empty certificate_list in server Certificate")
	}

	var chain [][]byte
	for !certList.Empty() {
		var certData, extensions cryptobyte.String
		if !certList.ReadUint24LengthPrefixed(&certData) || certData.Empty() ||
			!certList.ReadUint16LengthPrefixed(&extensions) {
			return errs.New(errs.KindDecodeError, "malformed CertificateEntry")
		}
		chain = append(chain, []byte(certData))
	}

	if err := hs.crypto.VerifyCertificateChain(chain, hs.config.RootCAs, hs.config.ServerName); err != nil {
		return errs.New(errs.KindHandshakeFailure, "certificate chain validation failed").Base(err)
	}
	hs.peerCertificateChain = chain

	hs.transcript.AddMessageHeader(MsgCertificate, len(raw)-4)
	hs.transcript.AddBytes(raw[4:])
	return nil
}

// allowedServerSignatureScheme rejects PKCS#1v1.5 and SHA-1 based
// schemes, which RFC 8446 §4.2.3 forbids for TLS 1.3 CertificateVerify
// (the teacher's handshake_client_tls13.go performs the identical
// check: sigType == signaturePKCS1v15 || sigHash == crypto.SHA1).
func allowedServerSignatureScheme(scheme SignatureScheme) bool {
	switch uint16(scheme) {
	case 0x0201, 0x0203, 0x0401, 0x0501, 0x0601:
		return false
	}
	return true
}

// certificateVerifySignedContent builds the RFC 8446 §4.4.3 signed
// content: 64 spaces, a direction-specific context string, a zero
// byte, and the transcript hash.
func certificateVerifySignedContent(transcriptHash []byte, serverContext bool) []byte {
	context := "TLS 1.3, client CertificateVerify"
	if serverContext {
		context = "TLS 1.3, server CertificateVerify"
	}
	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte{0x20}, 64))
	buf.WriteString(context)
	buf.WriteByte(0)
	buf.Write(transcriptHash)
	return buf.Bytes()
}

func (hs *HandshakeState) recvCertificateVerify() (StepResult, error) {
	raw, err := hs.fetch(MsgCertificateVerify)
	if err != nil {
		return 0, err
	}
	if MessageType(raw[0]) != MsgCertificateVerify {
		return hs.fail(errs.New(errs.KindUnexpectedMessage, "expected CertificateVerify"))
	}

	s := cryptobyte.String(raw[4:])
	var scheme uint16
	var sig cryptobyte.String
	if !s.ReadUint16(&scheme) || !s.ReadUint16LengthPrefixed(&sig) || !s.Empty() {
		return hs.fail(errs.New(errs.KindDecodeError, "malformed CertificateVerify"))
	}
	if !allowedServerSignatureScheme(SignatureScheme(scheme)) {
		return hs.fail(errs.New(errs.KindIllegalParameter, "server selected a PKCS#1v1.5 or SHA-1 signature scheme"))
	}

	signed := certificateVerifySignedContent(hs.transcript.Snapshot(), true)
	if err := hs.crypto.VerifySignature(SignatureScheme(scheme), hs.peerCertificateChain[0], signed, []byte(sig)); err != nil {
		return hs.fail(errs.New(errs.KindHandshakeFailure, "server CertificateVerify signature invalid").Base(err))
	}

	hs.transcript.AddMessageHeader(MsgCertificateVerify, len(raw)-4)
	hs.transcript.AddBytes(raw[4:])

	hs.step = stepAwaitFinished
	return StepOK, nil
}

// recvServerFinished verifies the server's Finished MAC, installs the
// application inbound transform and the handshake outbound transform
// (the second and third transition points of §4.7), and emits the
// CCS_AFTER_SERVER_FINISHED dummy record in middlebox-compat mode.
func (hs *HandshakeState) recvServerFinished() (StepResult, error) {
	raw, err := hs.fetch(MsgFinished)
	if err != nil {
		return 0, err
	}
	if MessageType(raw[0]) != MsgFinished {
		return hs.fail(errs.New(errs.KindUnexpectedMessage, "expected Finished"))
	}

	finishedKey := deriveFinishedKey(hs.crypto, hs.suiteHash, hs.pendingServerHandshakeSecret)
	expected := hs.crypto.HMAC(hs.suiteHash, finishedKey, hs.transcript.Snapshot())
	if !hs.crypto.ConstantTimeCompare(raw[4:], expected) {
		return hs.fail(errs.New(errs.KindHandshakeFailure, "server Finished verify_data mismatch"))
	}

	hs.transcript.AddMessageHeader(MsgFinished, len(raw)-4)
	hs.transcript.AddBytes(raw[4:])
	transcriptAtServerFinished := hs.transcript.Snapshot()

	if err := hs.establishApplicationSecrets(transcriptAtServerFinished); err != nil {
		return hs.fail(err)
	}
	if err := hs.installHandshakeOutbound(); err != nil {
		return hs.fail(err)
	}

	if hs.config.middleboxCompatEnabled() {
		if err := hs.rec.WriteChangeCipherSpec(); err != nil {
			return hs.fail(err)
		}
	}

	if hs.clientAuth {
		hs.step = stepSendClientCertificate
	} else {
		hs.step = stepSendClientFinished
	}
	return StepOK, nil
}

// sendClientCertificate sends the client's Certificate message,
// possibly empty (an empty certificate_list is a valid response to a
// CertificateRequest the client cannot satisfy).
func (hs *HandshakeState) sendClientCertificate() (StepResult, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(MsgCertificate))
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(hs.certificateRequestContext)
		})
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			if hs.config.Credentials != nil {
				for _, cert := range hs.config.Credentials.Certificate {
					b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes(cert)
					})
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {})
				}
			}
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return hs.fail(errs.New(errs.KindInternalError, "failed to encode client Certificate").Base(err))
	}

	hs.transcript.AddMessageHeader(MsgCertificate, len(out)-4)
	hs.transcript.AddBytes(out[4:])

	if err := hs.flushMessage(out); err != nil {
		return hs.fail(err)
	}

	if hs.config.Credentials == nil || len(hs.config.Credentials.Certificate) == 0 {
		hs.step = stepSendClientFinished
	} else {
		hs.step = stepSendClientCertificateVerify
	}
	return StepOK, nil
}

// pickClientSignatureScheme chooses a scheme mutually acceptable to
// our credentials and the server's CertificateRequest preferences (if
// any were sent — see spec.md §4.4's signature_algorithms handling).
func pickClientSignatureScheme(creds *Credentials, peerAllowed []SignatureScheme) (SignatureScheme, error) {
	if creds == nil || len(creds.SupportedSignatureSchemes) == 0 {
		return 0, errs.New(errs.KindInternalError, "no client signature scheme configured for CertificateVerify")
	}
	if len(peerAllowed) == 0 {
		return creds.SupportedSignatureSchemes[0], nil
	}
	for _, s := range creds.SupportedSignatureSchemes {
		for _, p := range peerAllowed {
			if s == p {
				return s, nil
			}
		}
	}
	return 0, errs.New(errs.KindHandshakeFailure, "no mutually supported signature scheme for client CertificateVerify")
}

func (hs *HandshakeState) sendClientCertificateVerify() (StepResult, error) {
	scheme, err := pickClientSignatureScheme(hs.config.Credentials, hs.peerSignatureSchemes)
	if err != nil {
		return hs.fail(err)
	}

	signed := certificateVerifySignedContent(hs.transcript.Snapshot(), false)
	sig, err := hs.crypto.Sign(scheme, hs.config.Credentials.PrivateKey, hs.randSourceReader(), signed)
	if err != nil {
		return hs.fail(errs.New(errs.KindInternalError, "client CertificateVerify signing failed").Base(err))
	}

	var b cryptobyte.Builder
	b.AddUint8(uint8(MsgCertificateVerify))
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(uint16(scheme))
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(sig)
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return hs.fail(errs.New(errs.KindInternalError, "failed to encode client CertificateVerify").Base(err))
	}

	hs.transcript.AddMessageHeader(MsgCertificateVerify, len(out)-4)
	hs.transcript.AddBytes(out[4:])

	if err := hs.flushMessage(out); err != nil {
		return hs.fail(err)
	}
	hs.step = stepSendClientFinished
	return StepOK, nil
}

// randSourceReader adapts randSource's structural io.Reader to a named
// io.Reader value for call sites that want the concrete type spelled
// out (Crypto.Sign's signature).
func (hs *HandshakeState) randSourceReader() io.Reader {
	return hs.randSource()
}

// sendClientFinished sends the client's Finished, installs the
// application outbound transform (completing the third transition
// point), and derives the resumption master secret (the fourth).
func (hs *HandshakeState) sendClientFinished() (StepResult, error) {
	finishedKey := deriveFinishedKey(hs.crypto, hs.suiteHash, hs.pendingClientHandshakeSecret)
	verifyData := hs.crypto.HMAC(hs.suiteHash, finishedKey, hs.transcript.Snapshot())

	var b cryptobyte.Builder
	b.AddUint8(uint8(MsgFinished))
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(verifyData)
	})
	out, err := b.Bytes()
	if err != nil {
		return hs.fail(errs.New(errs.KindInternalError, "failed to encode client Finished").Base(err))
	}

	hs.transcript.AddMessageHeader(MsgFinished, len(out)-4)
	hs.transcript.AddBytes(out[4:])
	transcriptAtClientFinished := hs.transcript.Snapshot()

	if err := hs.flushMessage(out); err != nil {
		return hs.fail(err)
	}
	if err := hs.installApplicationOutbound(); err != nil {
		return hs.fail(err)
	}
	hs.finalizeResumptionSecret(transcriptAtClientFinished)

	hs.step = stepDone
	return StepDone, nil
}
