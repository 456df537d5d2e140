package tls13

import "time"

// extensionSet is a bit-set of extension codes seen or sent within one
// message, indexed by the ordinal in extBit (not the wire code
// directly, to keep the set small and allocation-free).
type extensionSet uint32

// extBit assigns each extension considered by this module a stable bit
// position within an extensionSet. Extensions absent from this table
// cannot be tracked in received_extensions/sent_extensions and are
// therefore also absent from every allow-mask (§4.2). The ServerHello,
// HelloRetryRequest and NewSessionTicket parsers reject an untracked
// code as unsupported_extension; the EncryptedExtensions and
// CertificateRequest parsers ignore it.
type extCode uint16

const (
	extServerName          extCode = 0
	extSupportedGroups     extCode = 10
	extSignatureAlgorithms extCode = 13
	extALPN                extCode = 16
	extPreSharedKey        extCode = 41
	extEarlyData           extCode = 42
	extSupportedVersions   extCode = 43
	extCookie              extCode = 44
	extPSKKeyExchangeModes extCode = 45
	extKeyShare            extCode = 51
)

var extBit = map[extCode]extensionSet{
	extServerName:          1 << 0,
	extSupportedGroups:     1 << 1,
	extSignatureAlgorithms: 1 << 2,
	extALPN:                1 << 3,
	extPreSharedKey:        1 << 4,
	extEarlyData:           1 << 5,
	extSupportedVersions:   1 << 6,
	extCookie:              1 << 7,
	extPSKKeyExchangeModes: 1 << 8,
	extKeyShare:            1 << 9,
}

func (s *extensionSet) mark(c extCode) (alreadySet bool) {
	bit, ok := extBit[c]
	if !ok {
		return false
	}
	alreadySet = *s&bit != 0
	*s |= bit
	return alreadySet
}

func (s extensionSet) has(c extCode) bool {
	return s&extBit[c] != 0
}

// KeyExchangeMode is the finalized mode decided from the mode-decision
// table of spec.md §8 property 8, after ServerHello is parsed.
type KeyExchangeMode uint8

const (
	ModeUnknown KeyExchangeMode = iota
	ModePSK
	ModeEphemeral
	ModePSKEphemeral
)

// offeredPSK is one entry the PSK selector (C4) enumerated while
// building ClientHello, kept around so ServerHello processing can
// recover which PSK (if any) the server selected by index.
type offeredPSK struct {
	identity  []byte
	secret    []byte
	suite     CipherSuite
	isTicket  bool
	binderKey []byte
}

// HandshakeState is the per-connection mutable state of spec.md §3. It
// borrows Config and the collaborators for the lifetime of one
// handshake and is discarded when the handshake ends (successfully or
// not). It has no explicit teardown method: its owned buffers are
// released together with the value once the caller drops it.
type HandshakeState struct {
	config *Config
	rec    RecordLayer
	crypto Crypto

	minVersion, maxVersion uint16

	offeredGroup CurveID
	ephemeral    EphemeralKey

	cookie []byte

	clientRandom [32]byte
	serverRandom [32]byte

	sessionID []byte

	sentExtensions extensionSet

	hrrCount int

	keyExchangeMode KeyExchangeMode
	suite           CipherSuite
	suiteHash       HashID

	clientAuth                 bool
	certificateRequestContext []byte
	peerSignatureSchemes      []SignatureScheme

	// peerCertificateChain holds the server's Certificate message chain,
	// leaf first, once received and validated.
	peerCertificateChain [][]byte

	transcript TranscriptHash

	transformHandshakeIn   Transform
	transformHandshakeOut  Transform
	transformAppIn         Transform
	transformAppOut        Transform

	offeredPSKs []offeredPSK
	usingPSKIdx int // index into offeredPSKs of the selected PSK, -1 if none

	earlyDataOffered bool

	session *NegotiatedSession

	// resumptionTicket, when non-nil, is the ticket offered as PSK #0
	// (ahead of the static external PSK per §4.3's ordering rule).
	resumptionTicket *Ticket

	// pending* hold key-schedule secrets between the transition points
	// of spec.md §4.7, from the moment they are derived to the moment
	// the corresponding transform is installed or the secret is folded
	// into the next stage.
	pendingEarlySecret           []byte
	pendingHandshakeSecret       []byte
	pendingClientHandshakeSecret []byte
	pendingServerHandshakeSecret []byte
	pendingMasterSecret          []byte
	pendingClientAppSecret       []byte

	step handshakeStep
}

// handshakeStep names the state-machine position of spec.md §4.7. It is
// unexported: callers drive the handshake purely through Step(), never
// by inspecting or setting this directly.
type handshakeStep int

const (
	stepStart handshakeStep = iota
	stepAwaitServerHello
	stepAwaitEncryptedExtensions
	stepAwaitCertificateRequestOrCertificate
	stepAwaitCertificate
	stepAwaitCertificateVerify
	stepAwaitFinished
	stepSendClientCertificate
	stepSendClientCertificateVerify
	stepSendClientFinished
	stepDone
	stepFailed
)

// NegotiatedSession is the subset of handshake outcome that survives
// the handshake itself (spec.md §3, "Negotiated session").
type NegotiatedSession struct {
	Version     uint16
	CipherSuite CipherSuite
	ALPN        string

	ResumptionMasterSecret []byte
	ExporterMasterSecret   []byte

	Ticket *Ticket
}

// TicketFlags is a bit-field on a stored ticket (spec.md §3). The two
// PSK-mode bits are seeded at receipt time from the PSK key-exchange
// modes locally enabled on the connection that received the ticket
// (spec.md §4.8), not from anything the server signals; a later
// connection may only offer the ticket as a PSK for a mode both the
// ticket's own flags and that connection's live config agree on.
type TicketFlags uint8

const (
	TicketAllowEarlyData TicketFlags = 1 << 0
	TicketAllowPSKKE     TicketFlags = 1 << 1
	TicketAllowPSKDHEKE  TicketFlags = 1 << 2
)

// Ticket is a stored NewSessionTicket plus the local bookkeeping needed
// to offer it as a PSK on a later connection (spec.md §3, §4.8).
type Ticket struct {
	Ticket     []byte
	Lifetime   uint32
	AgeAdd     uint32
	Nonce      []byte
	Flags      TicketFlags
	ReceivedAt time.Time // zero if no clock was available (§3)
	HasClock   bool

	CipherSuite CipherSuite

	// ResumptionKey is HKDF-Expand-Label(resumption_master_secret,
	// "resumption", ticket_nonce, Hash.length), computed at receipt
	// time per §4.8.
	ResumptionKey []byte
}
