package tls13

// suiteHash returns the key-schedule hash for a TLS 1.3 cipher suite,
// mirroring the teacher's cipherSuiteTLS13 table in common.go.
func suiteHash(cs CipherSuite) (HashID, bool) {
	switch cs {
	case TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256:
		return HashSHA256, true
	case TLS_AES_256_GCM_SHA384:
		return HashSHA384, true
	default:
		return 0, false
	}
}

// mutualCipherSuite returns the first suite in offered that also
// appears in serverChoice's singleton set, or 0 if there is no match —
// used to validate the server's ServerHello.cipher_suite against what
// the client actually sent.
func mutualCipherSuite(offered []CipherSuite, serverChoice CipherSuite) (CipherSuite, bool) {
	for _, cs := range offered {
		if cs == serverChoice {
			return cs, true
		}
	}
	return 0, false
}
