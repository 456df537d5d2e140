package tls13

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/refraction-networking/tls13client/errs"
	"github.com/refraction-networking/tls13client/wire"
)

// ParsedServerHello holds the fields extracted from a ServerHello or
// HelloRetryRequest wire message, before the state machine (C6) has
// decided which of the two it is looking at.
type ParsedServerHello struct {
	LegacyVersion uint16
	Random        [32]byte
	SessionID     []byte
	CipherSuite   CipherSuite
	Compression   uint8

	SupportedVersion uint16 // from supported_versions, 0 if absent
	KeyShareGroup    CurveID
	KeyShareData     []byte
	SelectedGroup    CurveID // HRR key_share form
	Cookie           []byte
	SelectedIdentityPresent bool
	SelectedIdentity        uint16
}

// ParseServerHello decodes the fixed fields and extensions of a
// ServerHello/HRR-shaped message (they share a wire format per RFC
// 8446 §4.1.3-4). It picks the allow-mask to enforce from the random
// value alone (the same signal ClassifyServerHello uses): a message
// whose random matches the HelloRetryRequest magic is checked against
// hrrAllowMask (which permits cookie), everything else against
// allowMask[MsgServerHello].
func ParseServerHello(raw []byte) (*ParsedServerHello, extensionSet, error) {
	s := cryptobyte.String(raw)
	sh := &ParsedServerHello{}

	if !s.ReadUint16(&sh.LegacyVersion) {
		return nil, 0, errs.New(errs.KindDecodeError, "truncated ServerHello: legacy_version")
	}
	var random cryptobyte.String
	if !s.ReadBytes((*[]byte)(&random), 32) {
		return nil, 0, errs.New(errs.KindDecodeError, "truncated ServerHello: random")
	}
	copy(sh.Random[:], random)

	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return nil, 0, errs.New(errs.KindDecodeError, "truncated ServerHello: session_id")
	}
	sh.SessionID = []byte(sessionID)

	var cs uint16
	if !s.ReadUint16(&cs) {
		return nil, 0, errs.New(errs.KindDecodeError, "truncated ServerHello: cipher_suite")
	}
	sh.CipherSuite = CipherSuite(cs)

	var compression uint8
	if !s.ReadUint8(&compression) {
		return nil, 0, errs.New(errs.KindDecodeError, "truncated ServerHello: compression_method")
	}
	sh.Compression = compression

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return nil, 0, errs.New(errs.KindDecodeError, "truncated ServerHello: extensions")
	}
	if !s.Empty() {
		return nil, 0, errs.New(errs.KindDecodeError, "trailing bytes after ServerHello")
	}

	mask := allowMask[MsgServerHello]
	if sh.Random == helloRetryRequestRandom {
		mask = hrrAllowMask
	}

	var received extensionSet
	for !extensions.Empty() {
		hdr, body, ok := wire.ReadExtensionHeader(&extensions)
		if !ok {
			return nil, 0, errs.New(errs.KindDecodeError, "truncated extension in ServerHello")
		}
		code := extCode(hdr.Type)
		if err := checkAllowed(mask, code, &received); err != nil {
			return nil, 0, err
		}
		switch code {
		case extSupportedVersions:
			if len(body) != 2 {
				return nil, 0, errs.New(errs.KindDecodeError, "malformed supported_versions in ServerHello")
			}
			sh.SupportedVersion = uint16(body[0])<<8 | uint16(body[1])
		case extKeyShare:
			// Ambiguous between ServerHello (KeyShareEntry) and HRR
			// (bare selected_group); disambiguate on body length: HRR's
			// body is exactly 2 bytes.
			if len(body) == 2 {
				sh.SelectedGroup = CurveID(uint16(body[0])<<8 | uint16(body[1]))
			} else {
				var group uint16
				var data cryptobyte.String
				if !body.ReadUint16(&group) || !body.ReadUint16LengthPrefixed(&data) || !body.Empty() {
					return nil, 0, errs.New(errs.KindDecodeError, "malformed key_share in ServerHello")
				}
				sh.KeyShareGroup = CurveID(group)
				sh.KeyShareData = []byte(data)
			}
		case extCookie:
			var cookie cryptobyte.String
			if !body.ReadUint16LengthPrefixed(&cookie) || !body.Empty() {
				return nil, 0, errs.New(errs.KindDecodeError, "malformed cookie in HelloRetryRequest")
			}
			sh.Cookie = []byte(cookie)
		case extPreSharedKey:
			var id uint16
			if !body.ReadUint16(&id) || !body.Empty() {
				return nil, 0, errs.New(errs.KindDecodeError, "malformed pre_shared_key in ServerHello")
			}
			sh.SelectedIdentityPresent = true
			sh.SelectedIdentity = id
		}
	}

	return sh, received, nil
}

// ParsedEncryptedExtensions holds the fields extracted from an
// EncryptedExtensions message.
type ParsedEncryptedExtensions struct {
	ServerName bool // ack-only per RFC 8446 §4.2.10 style; no data carried
	ALPN       string
	EarlyData  bool
}

// ParseEncryptedExtensions decodes and allow-mask-checks an
// EncryptedExtensions message body (the vector of extensions only; the
// caller has already stripped the four-byte handshake header).
func ParseEncryptedExtensions(raw []byte, offeredALPN []string) (*ParsedEncryptedExtensions, error) {
	s := cryptobyte.String(raw)
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return nil, errs.New(errs.KindDecodeError, "malformed EncryptedExtensions")
	}

	ee := &ParsedEncryptedExtensions{}
	var received extensionSet
	for !extensions.Empty() {
		hdr, body, ok := wire.ReadExtensionHeader(&extensions)
		if !ok {
			return nil, errs.New(errs.KindDecodeError, "truncated extension in EncryptedExtensions")
		}
		code := extCode(hdr.Type)
		switch code {
		case extServerName:
			if err := checkAllowed(allowMask[MsgEncryptedExtensions], code, &received); err != nil {
				return nil, err
			}
			if len(body) != 0 {
				return nil, errs.New(errs.KindDecodeError, "non-empty server_name ack in EncryptedExtensions")
			}
			ee.ServerName = true
		case extALPN:
			if err := checkAllowed(allowMask[MsgEncryptedExtensions], code, &received); err != nil {
				return nil, err
			}
			proto, err := parseALPNSingle(body)
			if err != nil {
				return nil, err
			}
			if !stringInList(offeredALPN, proto) {
				return nil, errs.New(errs.KindHandshakeFailure, "server selected an ALPN protocol we did not offer")
			}
			ee.ALPN = proto
		case extEarlyData:
			if err := checkAllowed(allowMask[MsgEncryptedExtensions], code, &received); err != nil {
				return nil, err
			}
			if len(body) != 0 {
				return nil, errs.New(errs.KindDecodeError, "non-empty early_data in EncryptedExtensions")
			}
			ee.EarlyData = true
		default:
			// A code this module tracks (extBit) but that is not in the
			// EncryptedExtensions mask, such as key_share, is rejected.
			if _, tracked := extBit[code]; tracked {
				if err := checkAllowed(allowMask[MsgEncryptedExtensions], code, &received); err != nil {
					return nil, err
				}
			}
		}
		// Untracked extensions are ignored per §4.2 ("others ignored" for
		// EncryptedExtensions); duplicates of the three above are still
		// caught by checkAllowed.
	}
	return ee, nil
}

func parseALPNSingle(body cryptobyte.String) (string, error) {
	var list cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&list) || !body.Empty() {
		return "", errs.New(errs.KindDecodeError, "malformed ALPN extension")
	}
	var proto cryptobyte.String
	if !list.ReadUint8LengthPrefixed(&proto) || proto.Empty() || !list.Empty() {
		return "", errs.New(errs.KindDecodeError, "ALPN extension must contain exactly one protocol")
	}
	return string(proto), nil
}

func stringInList(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParsedCertificateRequest holds the negotiation-relevant fields of a
// CertificateRequest.
type ParsedCertificateRequest struct {
	Context                []byte
	SignatureSchemes       []SignatureScheme
	SignatureSchemesPresent bool
}

// ParseCertificateRequest decodes a CertificateRequest message body
// (post handshake-header). §4.2: signature_algorithms MUST be present.
func ParseCertificateRequest(raw []byte) (*ParsedCertificateRequest, error) {
	s := cryptobyte.String(raw)
	cr := &ParsedCertificateRequest{}

	var ctx cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&ctx) {
		return nil, errs.New(errs.KindDecodeError, "malformed CertificateRequest: context")
	}
	cr.Context = []byte(ctx)

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return nil, errs.New(errs.KindDecodeError, "malformed CertificateRequest: extensions")
	}

	var received extensionSet
	for !extensions.Empty() {
		hdr, body, ok := wire.ReadExtensionHeader(&extensions)
		if !ok {
			return nil, errs.New(errs.KindDecodeError, "truncated extension in CertificateRequest")
		}
		code := extCode(hdr.Type)
		if code == extSignatureAlgorithms {
			if err := checkAllowed(allowMask[MsgCertificateRequest], code, &received); err != nil {
				return nil, err
			}
			var list cryptobyte.String
			if !body.ReadUint16LengthPrefixed(&list) || !body.Empty() || list.Empty() {
				return nil, errs.New(errs.KindDecodeError, "malformed signature_algorithms in CertificateRequest")
			}
			for !list.Empty() {
				var scheme uint16
				if !list.ReadUint16(&scheme) {
					return nil, errs.New(errs.KindDecodeError, "malformed signature_algorithms in CertificateRequest")
				}
				cr.SignatureSchemes = append(cr.SignatureSchemes, SignatureScheme(scheme))
			}
			cr.SignatureSchemesPresent = true
		}
		// All other extensions are ignored per §4.2, but duplicates of
		// signature_algorithms are still caught by checkAllowed above.
	}

	if !cr.SignatureSchemesPresent {
		return nil, errs.New(errs.KindDecodeError, "CertificateRequest missing required signature_algorithms")
	}
	return cr, nil
}

// ParsedNewSessionTicket holds the decoded fields of a NewSessionTicket
// message (§4.8).
type ParsedNewSessionTicket struct {
	Lifetime      uint32
	AgeAdd        uint32
	Nonce         []byte
	Ticket        []byte
	EarlyDataMax  uint32
	EarlyDataSeen bool
}

// ParseNewSessionTicket decodes a NewSessionTicket message body per
// §4.8's field layout.
func ParseNewSessionTicket(raw []byte) (*ParsedNewSessionTicket, error) {
	s := cryptobyte.String(raw)
	nst := &ParsedNewSessionTicket{}

	if !s.ReadUint32(&nst.Lifetime) || !s.ReadUint32(&nst.AgeAdd) {
		return nil, errs.New(errs.KindDecodeError, "truncated NewSessionTicket header")
	}
	var nonce cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&nonce) {
		return nil, errs.New(errs.KindDecodeError, "truncated NewSessionTicket: ticket_nonce")
	}
	nst.Nonce = []byte(nonce)

	var ticket cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&ticket) || ticket.Empty() {
		return nil, errs.New(errs.KindDecodeError, "truncated or empty NewSessionTicket: ticket")
	}
	nst.Ticket = []byte(ticket)

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return nil, errs.New(errs.KindDecodeError, "truncated NewSessionTicket: extensions")
	}

	var received extensionSet
	for !extensions.Empty() {
		hdr, body, ok := wire.ReadExtensionHeader(&extensions)
		if !ok {
			return nil, errs.New(errs.KindDecodeError, "truncated extension in NewSessionTicket")
		}
		code := extCode(hdr.Type)
		if err := checkAllowed(allowMask[MsgNewSessionTicket], code, &received); err != nil {
			return nil, err
		}
		if code == extEarlyData {
			if len(body) != 4 {
				return nil, errs.New(errs.KindDecodeError, "malformed early_data in NewSessionTicket")
			}
			nst.EarlyDataMax = uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
			nst.EarlyDataSeen = true
		}
	}

	return nst, nil
}
