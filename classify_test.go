package tls13

import "testing"

func shWithRandomSuffix(suffix [8]byte) *ParsedServerHello {
	sh := &ParsedServerHello{LegacyVersion: VersionTLS12}
	copy(sh.Random[24:32], suffix[:])
	return sh
}

func TestClassifyDowngradeTLS12Detected(t *testing.T) {
	sh := shWithRandomSuffix(downgradeRandomTLS12Suffix)
	_, err := ClassifyServerHello(sh, true, VersionTLS12)
	if err == nil {
		t.Fatal("expected downgrade detection to fail the handshake")
	}
}

func TestClassifyDowngradeTLS11Detected(t *testing.T) {
	sh := shWithRandomSuffix(downgradeRandomTLS11OrBelowSuffix)
	_, err := ClassifyServerHello(sh, true, VersionTLS12)
	if err == nil {
		t.Fatal("expected downgrade detection to fail the handshake")
	}
}

func TestClassifyDowngradeIgnoredWhenTLS13NotOffered(t *testing.T) {
	sh := shWithRandomSuffix(downgradeRandomTLS12Suffix)
	result, err := ClassifyServerHello(sh, false, VersionTLS12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ClassifyTLS12Handoff {
		t.Errorf("result = %v, want ClassifyTLS12Handoff", result)
	}
}

func TestClassifyTLS12HandoffBelowMinVersionRejected(t *testing.T) {
	sh := &ParsedServerHello{LegacyVersion: 0x0301} // TLS 1.0
	_, err := ClassifyServerHello(sh, true, VersionTLS12)
	if err == nil {
		t.Fatal("expected a version-below-minimum error")
	}
}

func TestClassifyHelloRetryRequest(t *testing.T) {
	sh := &ParsedServerHello{SupportedVersion: VersionTLS13, Random: helloRetryRequestRandom}
	result, err := ClassifyServerHello(sh, true, VersionTLS13)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ClassifyHelloRetryRequest {
		t.Errorf("result = %v, want ClassifyHelloRetryRequest", result)
	}
}

func TestClassifyFullTLS13(t *testing.T) {
	sh := &ParsedServerHello{SupportedVersion: VersionTLS13}
	sh.Random[0] = 0x01 // anything other than the HRR magic value
	result, err := ClassifyServerHello(sh, true, VersionTLS13)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ClassifyTLS13Full {
		t.Errorf("result = %v, want ClassifyTLS13Full", result)
	}
}
