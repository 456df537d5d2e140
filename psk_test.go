package tls13

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/refraction-networking/tls13client/defaultcrypto"
)

func TestObfuscatedTicketAgeFormula(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	ticket := &Ticket{
		HasClock:   true,
		ReceivedAt: base,
		AgeAdd:     0x11223344,
	}
	got := obfuscatedTicketAge(ticket, base.Add(5*time.Second))
	want := uint32(0x112242E4) // (5-1)*1000 + 0x11223344
	if got != want {
		t.Errorf("obfuscatedTicketAge = %#x, want %#x", got, want)
	}
}

func TestObfuscatedTicketAgeFloorsAtZero(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	ticket := &Ticket{HasClock: true, ReceivedAt: base, AgeAdd: 7}
	// now is before received (clock skew, or the "less than one second
	// elapsed" case the -1 floor guards against).
	got := obfuscatedTicketAge(ticket, base)
	if got != 7 {
		t.Errorf("obfuscatedTicketAge = %d, want 7 (0*1000+ageAdd)", got)
	}
}

func TestObfuscatedTicketAgeZeroWithoutClock(t *testing.T) {
	ticket := &Ticket{HasClock: false, AgeAdd: 999}
	if got := obfuscatedTicketAge(ticket, time.Now()); got != 0 {
		t.Errorf("obfuscatedTicketAge without a clock = %d, want 0", got)
	}
}

func TestCollectOfferablePSKsTicketBeforeStatic(t *testing.T) {
	hs := newTestHandshakeState(&Config{
		SessionTicketsEnabled: true,
		PSKModesEnabled:       []PSKMode{PSKModeDHEKE},
		StaticPSK: &StaticPSK{
			Identity: []byte("static-id"),
			Secret:   []byte("static-secret"),
			Suite:    TLS_AES_128_GCM_SHA256,
		},
	})
	hs.resumptionTicket = &Ticket{
		Ticket:        []byte("ticket-id"),
		ResumptionKey: []byte("resumption-key"),
		CipherSuite:   TLS_AES_128_GCM_SHA256,
		Flags:         TicketAllowPSKDHEKE,
	}

	hs.collectOfferablePSKs()

	if len(hs.offeredPSKs) != 2 {
		t.Fatalf("len(offeredPSKs) = %d, want 2", len(hs.offeredPSKs))
	}
	if !hs.offeredPSKs[0].isTicket {
		t.Error("ticket PSK must be offered first (§4.3 ordering)")
	}
	if hs.offeredPSKs[1].isTicket {
		t.Error("static PSK must be offered second")
	}
}

func TestCollectOfferablePSKsSkipsTicketWithoutEnabledMode(t *testing.T) {
	hs := newTestHandshakeState(&Config{
		SessionTicketsEnabled: true,
		// no PSK modes enabled at all
	})
	hs.resumptionTicket = &Ticket{
		Ticket:        []byte("ticket-id"),
		ResumptionKey: []byte("resumption-key"),
		CipherSuite:   TLS_AES_128_GCM_SHA256,
		Flags:         TicketAllowPSKKE | TicketAllowPSKDHEKE,
	}
	hs.collectOfferablePSKs()
	if len(hs.offeredPSKs) != 0 {
		t.Errorf("expected no PSKs offered when no PSK mode is enabled, got %d", len(hs.offeredPSKs))
	}
}

func TestCollectOfferablePSKsSkipsTicketFlagsMismatch(t *testing.T) {
	hs := newTestHandshakeState(&Config{
		SessionTicketsEnabled: true,
		PSKModesEnabled:       []PSKMode{PSKModeDHEKE},
	})
	hs.resumptionTicket = &Ticket{
		Ticket:        []byte("ticket-id"),
		ResumptionKey: []byte("resumption-key"),
		CipherSuite:   TLS_AES_128_GCM_SHA256,
		Flags:         TicketAllowPSKKE, // ticket was only ever valid for psk_ke
	}
	hs.collectOfferablePSKs()
	if len(hs.offeredPSKs) != 0 {
		t.Errorf("expected the ticket to be skipped when its flags don't permit the locally-enabled mode, got %d PSKs", len(hs.offeredPSKs))
	}
}

func TestCollectOfferablePSKsSkipsUnknownTicketSuite(t *testing.T) {
	hs := newTestHandshakeState(&Config{
		SessionTicketsEnabled: true,
		PSKModesEnabled:       []PSKMode{PSKModeKE},
	})
	hs.resumptionTicket = &Ticket{
		Ticket:        []byte("ticket-id"),
		ResumptionKey: []byte("resumption-key"),
		CipherSuite:   0xffff, // not a recognized TLS 1.3 suite
		Flags:         TicketAllowPSKKE,
	}
	hs.collectOfferablePSKs()
	if len(hs.offeredPSKs) != 0 {
		t.Errorf("expected the ticket to be skipped for an unknown cipher suite, got %d PSKs", len(hs.offeredPSKs))
	}
}

// TestPreSharedKeyBinderCorrectness drives a full ClientHello build
// with an external PSK offered and checks spec.md §8 property 7: the
// patched binder equals an independently computed
// HMAC(finished_key, transcript-hash-of-truncated-ClientHello), and
// mutating any byte of the identities portion changes it.
func TestPreSharedKeyBinderCorrectness(t *testing.T) {
	crypto := defaultcrypto.New()
	rec := &fakeRecordLayer{}
	pskIdentity := []byte("external-psk-identity")
	pskSecret := []byte("a shared secret known to both sides")
	cfg := &Config{
		MinVersion:       VersionTLS13,
		MaxVersion:       VersionTLS13,
		CipherSuites:     []CipherSuite{TLS_AES_128_GCM_SHA256},
		SupportedGroups:  []CurveID{X25519},
		SignatureSchemes: []SignatureScheme{ECDSAWithP256AndSHA256},
		PSKModesEnabled:  []PSKMode{PSKModeDHEKE},
		StaticPSK: &StaticPSK{
			Identity: pskIdentity,
			Secret:   pskSecret,
			Suite:    TLS_AES_128_GCM_SHA256,
		},
	}
	hs := NewHandshake(cfg, rec, crypto, newFakeTranscript(HashSHA256), nil)

	if res, err := hs.Step(); err != nil || res != StepOK {
		t.Fatalf("sendClientHello: res=%v err=%v", res, err)
	}
	if len(rec.sent) != 1 {
		t.Fatalf("expected one sent ClientHello, got %d", len(rec.sent))
	}
	ch := rec.sent[0]

	exts := parseClientHelloExtensions(t, ch)
	pskBody, ok := exts[extPreSharedKey]
	if !ok {
		t.Fatal("ClientHello did not offer pre_shared_key")
	}
	pskExtStart := len(ch) - (4 + len(pskBody)) // pre_shared_key is always last (invariant 4)

	s := cryptobyte.String(pskBody)
	var identitiesRaw cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&identitiesRaw) {
		t.Fatalf("malformed pre_shared_key identities")
	}
	idLen := len(identitiesRaw)
	identities := identitiesRaw
	var identity cryptobyte.String
	var age uint32
	if !identities.ReadUint16LengthPrefixed(&identity) || !identities.ReadUint32(&age) || !identities.Empty() {
		t.Fatalf("malformed pre_shared_key identity entry")
	}
	if !bytes.Equal([]byte(identity), pskIdentity) {
		t.Errorf("offered identity = %q, want %q", identity, pskIdentity)
	}
	if age != 0 {
		t.Errorf("external PSK age = %d, want 0 (no ticket clock)", age)
	}

	var binders cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&binders) || !s.Empty() {
		t.Fatalf("malformed pre_shared_key binders")
	}
	var actualBinder cryptobyte.String
	if !binders.ReadUint8LengthPrefixed(&actualBinder) || !binders.Empty() {
		t.Fatalf("malformed binder entry")
	}

	// truncateAt mirrors buildAndSendClientHello's own math: the
	// transcript is hashed up through the binders-vector length prefix,
	// never into the binder bytes themselves.
	truncateAt := pskExtStart + 4 + 2 + idLen + 2
	transcriptPrefix := ch[4:truncateAt]

	financeKey := deriveFinishedKey(crypto, HashSHA256, derivePSKBinderKey(crypto, HashSHA256, pskSecret, true))

	indep := newFakeTranscript(HashSHA256)
	indep.AddMessageHeader(MsgClientHello, len(ch)-4)
	indep.AddBytes(transcriptPrefix)
	expectedBinder := crypto.HMAC(HashSHA256, financeKey, indep.Snapshot())

	if !bytes.Equal(expectedBinder, []byte(actualBinder)) {
		t.Errorf("binder = % x, want % x (independently computed)", actualBinder, expectedBinder)
	}

	// Property 7: mutating any byte of the identities portion changes
	// the binder. Flip a byte inside the offered identity itself.
	identityAbsStart := pskExtStart + 4 + 2 + 2 // ext header + identities-vec len + this entry's identity len prefix
	mutateIdx := identityAbsStart - 4           // relative to transcriptPrefix, which starts at ch[4:]
	mutated := append([]byte(nil), transcriptPrefix...)
	mutated[mutateIdx] ^= 0xff

	indepMutated := newFakeTranscript(HashSHA256)
	indepMutated.AddMessageHeader(MsgClientHello, len(ch)-4)
	indepMutated.AddBytes(mutated)
	mutatedBinder := crypto.HMAC(HashSHA256, financeKey, indepMutated.Snapshot())

	if bytes.Equal(mutatedBinder, expectedBinder) {
		t.Error("mutating a byte of the identities portion did not change the binder")
	}
}

func TestSelectPSKByIndexBounds(t *testing.T) {
	hs := newTestHandshakeState(&Config{})
	hs.offeredPSKs = []offeredPSK{{identity: []byte("only")}}

	if _, err := hs.selectPSKByIndex(0); err != nil {
		t.Errorf("unexpected error for a valid index: %v", err)
	}
	if _, err := hs.selectPSKByIndex(1); err == nil {
		t.Error("expected an error for an out-of-range selected_identity")
	}
	if _, err := hs.selectPSKByIndex(-1); err == nil {
		t.Error("expected an error for a negative index")
	}
}
