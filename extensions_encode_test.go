package tls13

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/cryptobyte"

	"github.com/refraction-networking/tls13client/defaultcrypto"
)

func newTestHandshakeState(cfg *Config) *HandshakeState {
	return &HandshakeState{
		config:     cfg,
		crypto:     defaultcrypto.New(),
		minVersion: cfg.MinVersion,
		maxVersion: cfg.MaxVersion,
		usingPSKIdx: -1,
	}
}

func encodeOne(t *testing.T, hs *HandshakeState, w extWriter) []byte {
	t.Helper()
	var b cryptobyte.Builder
	if err := w(hs, &b); err != nil {
		t.Fatalf("encoder returned error: %v", err)
	}
	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return out
}

func TestEncodeSupportedVersionsTLS13Only(t *testing.T) {
	hs := newTestHandshakeState(&Config{MinVersion: VersionTLS13, MaxVersion: VersionTLS13})
	out := encodeOne(t, hs, encodeSupportedVersions)
	want := []byte{0x00, 0x2b, 0x00, 0x03, 0x02, 0x03, 0x04}
	if !bytes.Equal(out, want) {
		t.Errorf("got % x, want % x", out, want)
	}
	if !hs.sentExtensions.has(extSupportedVersions) {
		t.Error("extSupportedVersions not marked sent")
	}
}

func TestEncodeSupportedVersionsWithTLS12Fallback(t *testing.T) {
	hs := newTestHandshakeState(&Config{MinVersion: VersionTLS12, MaxVersion: VersionTLS13})
	out := encodeOne(t, hs, encodeSupportedVersions)
	want := []byte{0x00, 0x2b, 0x00, 0x05, 0x04, 0x03, 0x04, 0x03, 0x03}
	if !bytes.Equal(out, want) {
		t.Errorf("got % x, want % x", out, want)
	}
}

func TestEncodeCookieOmittedWhenAbsent(t *testing.T) {
	hs := newTestHandshakeState(&Config{})
	out := encodeOne(t, hs, encodeCookie)
	if len(out) != 0 {
		t.Errorf("expected no bytes written, got % x", out)
	}
	if hs.sentExtensions.has(extCookie) {
		t.Error("extCookie should not be marked sent when omitted")
	}
}

func TestEncodeCookieEchoedWhenPresent(t *testing.T) {
	hs := newTestHandshakeState(&Config{})
	hs.cookie = []byte("opaque-cookie")
	out := encodeOne(t, hs, encodeCookie)
	if len(out) == 0 {
		t.Fatal("expected cookie bytes to be written")
	}
	if !hs.sentExtensions.has(extCookie) {
		t.Error("extCookie should be marked sent")
	}
	if !bytes.Contains(out, []byte("opaque-cookie")) {
		t.Error("encoded cookie does not contain the configured value")
	}
}

func TestEncodeKeyShareGeneratesEphemeralForConfiguredGroup(t *testing.T) {
	hs := newTestHandshakeState(&Config{SupportedGroups: []CurveID{X25519, CurveP256}})
	out := encodeOne(t, hs, encodeKeyShare)
	if hs.offeredGroup != X25519 {
		t.Errorf("offeredGroup = %v, want X25519 (first supported group)", hs.offeredGroup)
	}
	if hs.ephemeral == nil {
		t.Fatal("expected an ephemeral key to be generated")
	}
	if len(out) == 0 {
		t.Error("expected key_share bytes to be written")
	}
	if !hs.sentExtensions.has(extKeyShare) {
		t.Error("extKeyShare should be marked sent")
	}
}

func TestEncodeKeyShareHonorsHRRRegeneratedGroup(t *testing.T) {
	hs := newTestHandshakeState(&Config{SupportedGroups: []CurveID{X25519, CurveP256}})
	hs.offeredGroup = CurveP256 // as if HRR selected P-256 after an X25519 first offer
	encodeOne(t, hs, encodeKeyShare)
	if hs.offeredGroup != CurveP256 {
		t.Errorf("offeredGroup changed unexpectedly: got %v, want CurveP256", hs.offeredGroup)
	}
}

func TestEncodeServerNameNormalizesAndOmitsEmpty(t *testing.T) {
	hs := newTestHandshakeState(&Config{ServerName: "example.com."})
	out := encodeOne(t, hs, encodeServerName)
	if !bytes.Contains(out, []byte("example.com")) {
		t.Errorf("expected ASCII hostname in output, got % x", out)
	}

	hsEmpty := newTestHandshakeState(&Config{ServerName: ""})
	out = encodeOne(t, hsEmpty, encodeServerName)
	if len(out) != 0 {
		t.Errorf("expected no bytes for empty server name, got % x", out)
	}
}

func TestEncodeALPNOmittedWhenNoProtocols(t *testing.T) {
	hs := newTestHandshakeState(&Config{})
	out := encodeOne(t, hs, encodeALPN)
	if len(out) != 0 {
		t.Errorf("expected no bytes, got % x", out)
	}
}

func TestEncodeALPNListsEachProtocol(t *testing.T) {
	hs := newTestHandshakeState(&Config{ALPNProtocols: []string{"h2", "http/1.1"}})
	out := encodeOne(t, hs, encodeALPN)
	if !bytes.Contains(out, []byte("h2")) || !bytes.Contains(out, []byte("http/1.1")) {
		t.Errorf("expected both protocols present, got % x", out)
	}
}

func TestEncodePSKKeyExchangeModesOrderAndOmission(t *testing.T) {
	hs := newTestHandshakeState(&Config{})
	out := encodeOne(t, hs, encodePSKKeyExchangeModes)
	if len(out) != 0 {
		t.Errorf("expected omission when no PSK mode is enabled, got % x", out)
	}

	hs = newTestHandshakeState(&Config{PSKModesEnabled: []PSKMode{PSKModeKE, PSKModeDHEKE}})
	out = encodeOne(t, hs, encodePSKKeyExchangeModes)
	// psk_dhe_ke must be listed before psk_ke regardless of config order.
	// The mode list starts after the 4-byte extension header and its
	// 1-byte length prefix.
	modes := out[5:]
	dheIdx := bytes.IndexByte(modes, byte(PSKModeDHEKE))
	keIdx := bytes.IndexByte(modes, byte(PSKModeKE))
	if dheIdx == -1 || keIdx == -1 || dheIdx > keIdx {
		t.Errorf("expected psk_dhe_ke before psk_ke in % x", out)
	}
}

func TestEncodeEarlyDataRequiresPSK(t *testing.T) {
	hs := newTestHandshakeState(&Config{EarlyDataEnabled: true})
	out := encodeOne(t, hs, encodeEarlyData)
	if len(out) != 0 || hs.earlyDataOffered {
		t.Error("early_data must not be offered without an offered PSK")
	}

	hs = newTestHandshakeState(&Config{EarlyDataEnabled: true})
	hs.offeredPSKs = []offeredPSK{{identity: []byte("id")}}
	out = encodeOne(t, hs, encodeEarlyData)
	if len(out) == 0 || !hs.earlyDataOffered {
		t.Error("early_data should be offered when enabled and a PSK is present")
	}
}
