package tls13

import (
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/refraction-networking/tls13client/errs"
	"github.com/refraction-networking/tls13client/wire"
)

// hkdfExpandLabelString mirrors the label constants used throughout
// RFC 8446's key schedule (§7.1); binder keys are derived from the
// early secret with these exact labels.
const (
	labelExternalPSKBinderKey    = "ext binder"
	labelResumptionPSKBinderKey  = "res binder"
)

// derivePSKBinderKey computes the binder key for one offerable PSK per
// RFC 8446 §7.1: Derive-Secret(EarlySecret(psk), label, "") where
// EarlySecret(psk) = HKDF-Extract(0, psk) and the derive-secret input
// transcript is the hash of the empty string, folded into ExpandLabel
// by the crypto backend (mirroring key_schedule.go's tls13.EarlySecret
// helper, kept behind the Crypto/TranscriptHash interfaces here since
// the concrete HKDF machinery is an out-of-scope collaborator).
func derivePSKBinderKey(crypto Crypto, hash HashID, psk []byte, external bool) []byte {
	earlySecret := crypto.HKDFExtract(hash, nil, psk)
	label := labelResumptionPSKBinderKey
	if external {
		label = labelExternalPSKBinderKey
	}
	// Derive-Secret(Secret, Label, "") = ExpandLabel(Secret, Label,
	// Hash(""), Hash.length).
	return crypto.ExpandLabel(hash, earlySecret, label, crypto.EmptyHash(hash), crypto.HashSize(hash))
}

// ticketOfferable reports whether t's flags (seeded at receipt time
// from the modes locally enabled then) permit at least one PSK mode
// locally enabled now, per spec.md §4.3's "its flags permit at least
// one of the locally-enabled PSK modes" gate. A ticket received under
// one locally-enabled-mode set is not reoffered under a different one.
func (hs *HandshakeState) ticketOfferable(t *Ticket) bool {
	if t.Flags&TicketAllowPSKKE != 0 && hs.config.pskModeEnabled(PSKModeKE) {
		return true
	}
	if t.Flags&TicketAllowPSKDHEKE != 0 && hs.config.pskModeEnabled(PSKModeDHEKE) {
		return true
	}
	return false
}

// collectOfferablePSKs enumerates PSKs in the order fixed by §4.3 and
// the Open Question resolution in DESIGN.md: (1) a configured
// resumption ticket if resumption is enabled, non-empty, its flags
// permit a locally-enabled mode, and its cipher suite is known; (2) a
// configured static external PSK.
func (hs *HandshakeState) collectOfferablePSKs() {
	hs.offeredPSKs = nil

	if hs.config.SessionTicketsEnabled && hs.resumptionTicket != nil && len(hs.resumptionTicket.Ticket) > 0 {
		t := hs.resumptionTicket
		if hash, ok := suiteHash(t.CipherSuite); ok {
			if hs.ticketOfferable(t) {
				binderKey := derivePSKBinderKey(hs.crypto, hash, t.ResumptionKey, false)
				hs.offeredPSKs = append(hs.offeredPSKs, offeredPSK{
					identity:  t.Ticket,
					secret:    t.ResumptionKey,
					suite:     t.CipherSuite,
					isTicket:  true,
					binderKey: binderKey,
				})
			}
		}
	}

	if hs.config.StaticPSK != nil {
		hash, ok := suiteHash(hs.config.StaticPSK.Suite)
		if !ok {
			hash = HashSHA256 // §4.3: "hashed with SHA-256 by convention"
		}
		binderKey := derivePSKBinderKey(hs.crypto, hash, hs.config.StaticPSK.Secret, true)
		hs.offeredPSKs = append(hs.offeredPSKs, offeredPSK{
			identity:  hs.config.StaticPSK.Identity,
			secret:    hs.config.StaticPSK.Secret,
			suite:     hs.config.StaticPSK.Suite,
			isTicket:  false,
			binderKey: binderKey,
		})
	}
}

// obfuscatedTicketAge implements §4.3's obfuscated-age formula:
// ((now-ticket_received)_seconds - 1, floored at 0) * 1000 + ageAdd,
// truncated to 32 bits. External PSKs always use age 0.
func obfuscatedTicketAge(t *Ticket, now time.Time) uint32 {
	if !t.HasClock {
		return 0
	}
	ageSeconds := int64(now.Sub(t.ReceivedAt) / time.Second)
	ageSeconds--
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	return uint32((uint64(ageSeconds)*1000 + uint64(t.AgeAdd)) & 0xffffffff)
}

// pskBinderReservation records where each binder was reserved so
// computeAndPatchBinders can patch the real HMAC values back in after the
// truncated transcript has been hashed.
type pskBinderReservation struct {
	offset int // byte offset of this binder within the full message buffer
	length int
}

// encodePreSharedKeyIdentities implements the identities half of §4.3's
// pre_shared_key extension: writes each offerable PSK's identity and
// obfuscated age, and reserves (zeroed) space for the binders that can
// only be computed once the rest of the ClientHello is known. It
// returns the byte reservations for each binder in offer order, and the
// offset within out at which the binders list itself begins (needed so
// the caller can feed the truncated prefix into the transcript hash per
// §4.5 step 2).
//
// Per invariant 4, this must be the last extension written into the
// ClientHello; callers enforce ordering, not this function.
func encodePreSharedKeyIdentities(hs *HandshakeState, now time.Time) ([]byte, []pskBinderReservation, int, error) {
	if len(hs.offeredPSKs) == 0 {
		return nil, nil, 0, nil
	}

	var b cryptobyte.Builder
	wire.AddExtension(&b, uint16(extPreSharedKey), func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { // identities
			for i, psk := range hs.offeredPSKs {
				var age uint32
				if psk.isTicket && hs.config.hasClock() {
					age = obfuscatedTicketAge(hs.resumptionTicket, now)
				} else {
					age = 0
				}
				_ = i
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(psk.identity)
				})
				b.AddUint32(age)
			}
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { // binders, zeroed for now
			for _, psk := range hs.offeredPSKs {
				n, ok := binderLenForSuiteHint(psk)
				if !ok {
					b.SetError(errs.New(errs.KindInternalError, "unknown PSK hash length"))
					return
				}
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(make([]byte, n))
				})
			}
		})
	})
	hs.sentExtensions.mark(extPreSharedKey)

	out, err := b.Bytes()
	if err != nil {
		return nil, nil, 0, errs.New(errs.KindInternalError, "failed to encode pre_shared_key").Base(err)
	}

	// Locate the binders-list offset by re-walking the encoded bytes:
	// 2 (type) + 2 (ext len) + 2 (identities len) + identities bytes,
	// then + 2 (binders vector len).
	pos := 4
	// identities vector
	idLen := int(out[pos])<<8 | int(out[pos+1])
	pos += 2 + idLen
	bindersListStart := pos
	pos += 2 // binders vector length prefix

	reservations := make([]pskBinderReservation, len(hs.offeredPSKs))
	for i, psk := range hs.offeredPSKs {
		n, _ := binderLenForSuiteHint(psk)
		reservations[i] = pskBinderReservation{offset: pos + 1, length: n}
		pos += 1 + n
	}

	return out, reservations, bindersListStart, nil
}

// binderLenForSuiteHint returns the binder length (= hash output
// length) for a PSK's associated cipher suite, defaulting to SHA-256
// for a static PSK whose suite doesn't name a known TLS 1.3 suite.
func binderLenForSuiteHint(psk offeredPSK) (int, bool) {
	if h, ok := suiteHash(psk.suite); ok {
		if h == HashSHA384 {
			return 48, true
		}
		return 32, true
	}
	return 32, true
}

// computeAndPatchBinders implements §4.5 steps 2-4: it is handed the
// raw ClientHello bytes with binders zeroed (already fed into the
// transcript by the caller up through the binders-vector length
// prefix), computes each binder from the transcript snapshot taken at
// that point, and writes the real HMAC values into chBytes in place.
func computeAndPatchBinders(hs *HandshakeState, chBytes []byte, reservations []pskBinderReservation, snapshot []byte) error {
	for i, psk := range hs.offeredPSKs {
		hash, ok := suiteHash(psk.suite)
		if !ok {
			hash = HashSHA256
		}
		binder := hs.crypto.HMAC(hash, deriveFinishedKey(hs.crypto, hash, psk.binderKey), snapshot)
		r := reservations[i]
		if r.length != len(binder) {
			return errs.New(errs.KindInternalError, "binder length mismatch")
		}
		copy(chBytes[r.offset:r.offset+r.length], binder)
	}
	return nil
}

// deriveFinishedKey computes finished_key = HKDF-Expand-Label(BaseKey,
// "finished", "", Hash.length) per RFC 8446 §4.4.4, shared between PSK
// binders and the Finished MAC.
func deriveFinishedKey(crypto Crypto, hash HashID, baseKey []byte) []byte {
	return crypto.ExpandLabel(hash, baseKey, "finished", nil, crypto.HashSize(hash))
}

// selectPSKByIndex implements §4.4's pre_shared_key (ServerHello)
// parser semantics: it range-checks selected_identity (illegal_parameter
// when out of range) and resolves it purely by position in the offer
// order fixed by collectOfferablePSKs. There is no special fallback for
// selected_identity=0 when no ticket is configured (see DESIGN.md).
func (hs *HandshakeState) selectPSKByIndex(idx int) (*offeredPSK, error) {
	if idx < 0 || idx >= len(hs.offeredPSKs) {
		return nil, errs.New(errs.KindIllegalParameter, "selected_identity out of range")
	}
	return &hs.offeredPSKs[idx], nil
}
