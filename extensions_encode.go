package tls13

import (
	"net"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/net/idna"

	"github.com/refraction-networking/tls13client/errs"
	"github.com/refraction-networking/tls13client/wire"
)

// extWriter appends one extension under its own code to b and marks it
// sent, or writes nothing when the extension does not apply; it
// returns only an error, not a byte count. Mirrors the
// teacher's TLSExtension.Read pattern (u_tls_extensions.go) but built
// on cryptobyte.Builder instead of a raw cursor.
type extWriter func(hs *HandshakeState, b *cryptobyte.Builder) error

// encodeSupportedVersions implements §4.3 supported_versions: lists
// 0x0304 first, and 0x0303 additionally iff min_tls_version <= TLS1.2.
func encodeSupportedVersions(hs *HandshakeState, b *cryptobyte.Builder) error {
	wire.AddExtension(b, uint16(extSupportedVersions), func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(VersionTLS13)
			if hs.minVersion <= VersionTLS12 {
				b.AddUint16(VersionTLS12)
			}
		})
	})
	hs.sentExtensions.mark(extSupportedVersions)
	return nil
}

// encodeCookie implements §4.3 cookie: emitted only if a cookie was
// received in an HRR.
func encodeCookie(hs *HandshakeState, b *cryptobyte.Builder) error {
	if hs.cookie == nil {
		return nil
	}
	wire.AddExtension(b, uint16(extCookie), func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(hs.cookie)
		})
	})
	hs.sentExtensions.mark(extCookie)
	return nil
}

// pickKeyShareGroup implements the group-selection fallback of §4.3:
// use offeredGroup if set and supported, else the first
// ECDHE-and-crypto-capable entry in SupportedGroups.
func pickKeyShareGroup(hs *HandshakeState) (CurveID, error) {
	if hs.offeredGroup != 0 {
		for _, g := range hs.config.SupportedGroups {
			if g == hs.offeredGroup {
				return g, nil
			}
		}
	}
	for _, g := range hs.config.SupportedGroups {
		switch g {
		case CurveP256, CurveP384, CurveP521, X25519:
			return g, nil
		}
	}
	return 0, errs.New(errs.KindHandshakeFailure, "no supported key-exchange group configured")
}

// encodeKeyShare implements §4.3 key_share: exactly one entry, for
// offeredGroup (regenerating the fallback group choice if unset).
func encodeKeyShare(hs *HandshakeState, b *cryptobyte.Builder) error {
	group, err := pickKeyShareGroup(hs)
	if err != nil {
		return err
	}
	key, err := hs.crypto.GenerateEphemeral(hs.randSource(), group)
	if err != nil {
		return errs.New(errs.KindInternalError, "ephemeral key generation failed").Base(err)
	}
	hs.offeredGroup = group
	hs.ephemeral = key

	wire.AddExtension(b, uint16(extKeyShare), func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { // client_shares
			b.AddUint16(uint16(group))
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(key.PublicKeyBytes())
			})
		})
	})
	hs.sentExtensions.mark(extKeyShare)
	return nil
}

// encodeSupportedGroups implements the supported_groups extension.
func encodeSupportedGroups(hs *HandshakeState, b *cryptobyte.Builder) error {
	if len(hs.config.SupportedGroups) == 0 {
		return errs.New(errs.KindHandshakeFailure, "no supported groups configured")
	}
	wire.AddExtension(b, uint16(extSupportedGroups), func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, g := range hs.config.SupportedGroups {
				b.AddUint16(uint16(g))
			}
		})
	})
	hs.sentExtensions.mark(extSupportedGroups)
	return nil
}

// encodeSignatureAlgorithms implements the signature_algorithms extension.
func encodeSignatureAlgorithms(hs *HandshakeState, b *cryptobyte.Builder) error {
	if len(hs.config.SignatureSchemes) == 0 {
		return errs.New(errs.KindHandshakeFailure, "no signature schemes configured")
	}
	wire.AddExtension(b, uint16(extSignatureAlgorithms), func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, s := range hs.config.SignatureSchemes {
				b.AddUint16(uint16(s))
			}
		})
	})
	hs.sentExtensions.mark(extSignatureAlgorithms)
	return nil
}

// hostnameInSNI strips a trailing dot and rejects literal IP addresses
// and the empty string, mirroring the teacher's hostnameInSNI/SNIExtension.
func hostnameInSNI(name string) string {
	host := name
	for len(host) > 0 && host[len(host)-1] == '.' {
		host = host[:len(host)-1]
	}
	if net.ParseIP(host) != nil {
		return ""
	}
	return host
}

// encodeServerName implements the server_name (SNI) extension,
// normalizing the hostname via IDNA the same way the teacher does in
// u_sni_validation.go / handshake_client.go.
func encodeServerName(hs *HandshakeState, b *cryptobyte.Builder) error {
	host := hostnameInSNI(hs.config.ServerName)
	if host == "" {
		return nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return errs.New(errs.KindInternalError, "invalid server name").Base(err)
	}
	wire.AddExtension(b, uint16(extServerName), func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { // server_name_list
			b.AddUint8(0) // host_name
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(ascii))
			})
		})
	})
	hs.sentExtensions.mark(extServerName)
	return nil
}

// encodeALPN implements the application_layer_protocol_negotiation extension.
func encodeALPN(hs *HandshakeState, b *cryptobyte.Builder) error {
	if len(hs.config.ALPNProtocols) == 0 {
		return nil
	}
	wire.AddExtension(b, uint16(extALPN), func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { // ProtocolNameList
			for _, p := range hs.config.ALPNProtocols {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(p))
				})
			}
		})
	})
	hs.sentExtensions.mark(extALPN)
	return nil
}

// encodePSKKeyExchangeModes implements §4.3 psk_key_exchange_modes:
// omitted entirely if no PSK mode is enabled.
func encodePSKKeyExchangeModes(hs *HandshakeState, b *cryptobyte.Builder) error {
	var modes []PSKMode
	if hs.config.pskModeEnabled(PSKModeDHEKE) {
		modes = append(modes, PSKModeDHEKE)
	}
	if hs.config.pskModeEnabled(PSKModeKE) {
		modes = append(modes, PSKModeKE)
	}
	if len(modes) == 0 {
		return nil
	}
	wire.AddExtension(b, uint16(extPSKKeyExchangeModes), func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, m := range modes {
				b.AddUint8(uint8(m))
			}
		})
	})
	hs.sentExtensions.mark(extPSKKeyExchangeModes)
	return nil
}

// encodeEarlyData implements the early_data extension in ClientHello:
// an empty body, sent only when early data is both configured and a
// PSK is being offered.
func encodeEarlyData(hs *HandshakeState, b *cryptobyte.Builder) error {
	if !hs.config.EarlyDataEnabled || len(hs.offeredPSKs) == 0 {
		return nil
	}
	wire.AddExtension(b, uint16(extEarlyData), func(b *cryptobyte.Builder) {})
	hs.earlyDataOffered = true
	hs.sentExtensions.mark(extEarlyData)
	return nil
}

func (hs *HandshakeState) randSource() interface{ Read([]byte) (int, error) } {
	if hs.config.Rand != nil {
		return hs.config.Rand
	}
	return cryptoRandReader{}
}
