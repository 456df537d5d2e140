package tls13

import "github.com/refraction-networking/tls13client/errs"

// RFC 8446 §7.1 key-schedule labels used by the transitions below.
const (
	labelDerived                       = "derived"
	labelClientHandshakeTrafficSecret  = "c hs traffic"
	labelServerHandshakeTrafficSecret  = "s hs traffic"
	labelClientApplicationTrafficSecret = "c ap traffic"
	labelServerApplicationTrafficSecret = "s ap traffic"
	labelExporterMasterSecret          = "exp master"
	labelResumptionMasterSecret        = "res master"
)

// deriveSecret implements RFC 8446 §7.1's Derive-Secret(Secret, Label,
// Messages) = ExpandLabel(Secret, Label, Transcript-Hash(Messages),
// Hash.length).
func deriveSecret(crypto Crypto, hash HashID, secret []byte, label string, transcriptHash []byte) []byte {
	return crypto.ExpandLabel(hash, secret, label, transcriptHash, crypto.HashSize(hash))
}

// establishHandshakeSecrets implements the first key-schedule
// transition of spec.md §4.7: after ServerHello is fully parsed and the
// key-exchange mode decided, compute the early secret (from PSK or
// zero) and the handshake secret (mixing in the ECDHE shared secret if
// applicable), then install the handshake inbound transform.
func (hs *HandshakeState) establishHandshakeSecrets(sharedSecret []byte, transcriptAtSH []byte) error {
	hash := hs.suiteHash

	pskInput := make([]byte, hs.crypto.HashSize(hash))
	if hs.keyExchangeMode == ModePSK || hs.keyExchangeMode == ModePSKEphemeral {
		psk, err := hs.selectPSKByIndex(hs.usingPSKIdx)
		if err != nil {
			return err
		}
		pskInput = psk.secret
	}
	earlySecret := hs.crypto.HKDFExtract(hash, nil, pskInput)

	if sharedSecret == nil {
		sharedSecret = make([]byte, hs.crypto.HashSize(hash))
	}
	derivedSalt := deriveSecret(hs.crypto, hash, earlySecret, labelDerived, hs.crypto.EmptyHash(hash))
	handshakeSecret := hs.crypto.HKDFExtract(hash, derivedSalt, sharedSecret)

	clientHSSecret := deriveSecret(hs.crypto, hash, handshakeSecret, labelClientHandshakeTrafficSecret, transcriptAtSH)
	serverHSSecret := deriveSecret(hs.crypto, hash, handshakeSecret, labelServerHandshakeTrafficSecret, transcriptAtSH)

	inTransform, err := hs.crypto.DeriveTrafficKeys(hs.suite, serverHSSecret)
	if err != nil {
		return errs.New(errs.KindInternalError, "failed to derive handshake traffic keys").Base(err)
	}
	if err := hs.rec.SetTransform(DirectionInbound, inTransform); err != nil {
		return errs.New(errs.KindInternalError, "failed to install handshake inbound transform").Base(err)
	}
	hs.transformHandshakeIn = inTransform

	hs.pendingClientHandshakeSecret = clientHSSecret
	hs.pendingServerHandshakeSecret = serverHSSecret
	hs.pendingHandshakeSecret = handshakeSecret
	hs.pendingEarlySecret = earlySecret
	return nil
}

// installHandshakeOutbound implements the second transition point:
// before writing the client's Certificate (or Finished if no client
// cert), install the handshake outbound transform.
func (hs *HandshakeState) installHandshakeOutbound() error {
	outTransform, err := hs.crypto.DeriveTrafficKeys(hs.suite, hs.pendingClientHandshakeSecret)
	if err != nil {
		return errs.New(errs.KindInternalError, "failed to derive client handshake traffic keys").Base(err)
	}
	if err := hs.rec.SetTransform(DirectionOutbound, outTransform); err != nil {
		return errs.New(errs.KindInternalError, "failed to install handshake outbound transform").Base(err)
	}
	hs.transformHandshakeOut = outTransform
	return nil
}

// establishApplicationSecrets implements the third transition point:
// after the server Finished is accepted, compute the master secret, the
// application traffic secrets and the exporter master secret, and
// install the application inbound transform immediately. The
// resumption master secret is derived later, by
// finalizeResumptionSecret after the client Finished.
func (hs *HandshakeState) establishApplicationSecrets(transcriptAtServerFinished []byte) error {
	hash := hs.suiteHash
	derivedSalt := deriveSecret(hs.crypto, hash, hs.pendingHandshakeSecret, labelDerived, hs.crypto.EmptyHash(hash))
	zeros := make([]byte, hs.crypto.HashSize(hash))
	masterSecret := hs.crypto.HKDFExtract(hash, derivedSalt, zeros)

	hs.pendingMasterSecret = masterSecret
	hs.pendingClientAppSecret = deriveSecret(hs.crypto, hash, masterSecret, labelClientApplicationTrafficSecret, transcriptAtServerFinished)
	serverAppSecret := deriveSecret(hs.crypto, hash, masterSecret, labelServerApplicationTrafficSecret, transcriptAtServerFinished)

	inTransform, err := hs.crypto.DeriveTrafficKeys(hs.suite, serverAppSecret)
	if err != nil {
		return errs.New(errs.KindInternalError, "failed to derive server application traffic keys").Base(err)
	}
	if err := hs.rec.SetTransform(DirectionInbound, inTransform); err != nil {
		return errs.New(errs.KindInternalError, "failed to install application inbound transform").Base(err)
	}
	hs.transformAppIn = inTransform

	if hs.session == nil {
		hs.session = &NegotiatedSession{}
	}
	hs.session.ExporterMasterSecret = deriveSecret(hs.crypto, hash, masterSecret, labelExporterMasterSecret, transcriptAtServerFinished)
	return nil
}

// installApplicationOutbound implements the "application outbound
// immediately after the server Finished" half of the third transition
// point. The state machine never reaches this call with early data
// accepted (recvEncryptedExtensions fails the handshake first, since
// EndOfEarlyData's own encryption key is out of scope), so no
// EndOfEarlyData gating is needed here.
func (hs *HandshakeState) installApplicationOutbound() error {
	outTransform, err := hs.crypto.DeriveTrafficKeys(hs.suite, hs.pendingClientAppSecret)
	if err != nil {
		return errs.New(errs.KindInternalError, "failed to derive client application traffic keys").Base(err)
	}
	if err := hs.rec.SetTransform(DirectionOutbound, outTransform); err != nil {
		return errs.New(errs.KindInternalError, "failed to install application outbound transform").Base(err)
	}
	hs.transformAppOut = outTransform
	return nil
}

// finalizeResumptionSecret implements the fourth transition point:
// after the client Finished, compute the resumption master secret (if
// not already computed).
func (hs *HandshakeState) finalizeResumptionSecret(transcriptAtClientFinished []byte) {
	if hs.session.ResumptionMasterSecret != nil {
		return
	}
	hash := hs.suiteHash
	hs.session.ResumptionMasterSecret = deriveSecret(hs.crypto, hash, hs.pendingMasterSecret, labelResumptionMasterSecret, transcriptAtClientFinished)
}
