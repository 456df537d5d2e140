package tls13

import "github.com/refraction-networking/tls13client/errs"

// allowMask is a per-message-type allow-list of extension codes,
// keyed by MessageType (spec.md §4.2). It intentionally does not cover
// extensions the parser ignores by design (e.g. compress_certificate,
// renegotiation_info): those are simply never looked up, so an unknown
// code reaching checkAllowed is always rejected rather than silently
// accepted.
var allowMask = map[MessageType]map[extCode]bool{
	MsgServerHello: {
		extSupportedVersions: true,
		extKeyShare:          true,
		extPreSharedKey:      true,
	},
	// HelloRetryRequest reuses MsgServerHello on the wire (it is a
	// ServerHello-shaped message per RFC 8446 §4.1.4); the classifier
	// (C5) distinguishes it before extension parsing. Its mask is not
	// kept under this key but separately in hrrAllowMask below;
	// ParseServerHello picks between the two by the random value.
	MsgEncryptedExtensions: {
		extServerName: true,
		extALPN:       true,
		extEarlyData:  true,
	},
	MsgCertificateRequest: {
		extSignatureAlgorithms: true,
	},
	MsgNewSessionTicket: {
		extEarlyData: true,
	},
}

// hrrAllowMask is the HelloRetryRequest-specific mask; it is
// distinguished from a true ServerHello by the classifier and checked
// separately since key_share carries a different body shape in each.
var hrrAllowMask = map[extCode]bool{
	extSupportedVersions: true,
	extKeyShare:          true,
	extCookie:            true,
}

// checkAllowed enforces spec.md §4.2: an extension code not present in
// the message's allow-mask is a fatal unsupported_extension, and a
// duplicate code within one message is a fatal illegal_parameter. It
// marks the code in *received as a side effect so callers get both
// checks from one call site, mirroring the original's single
// bitmap-check routine reused for every message type (SPEC_FULL.md §C.2).
func checkAllowed(mask map[extCode]bool, code extCode, received *extensionSet) error {
	if !mask[code] {
		return errs.New(errs.KindUnsupportedExtension, "extension not permitted in this message")
	}
	if received.mark(code) {
		return errs.New(errs.KindIllegalParameter, "duplicate extension in message")
	}
	return nil
}

// clientHelloSentMask lists the extensions this module ever writes
// into a ClientHello, used only to validate sentExtensions bookkeeping
// in tests; the encoders in extensions_encode.go are the source of
// truth for what is actually written.
var clientHelloSentMask = map[extCode]bool{
	extSupportedVersions:   true,
	extKeyShare:            true,
	extSupportedGroups:     true,
	extSignatureAlgorithms: true,
	extServerName:          true,
	extALPN:                true,
	extCookie:              true,
	extPSKKeyExchangeModes: true,
	extPreSharedKey:        true,
	extEarlyData:           true,
}
