package tls13

import "github.com/refraction-networking/tls13client/errs"

// labelResumption is the RFC 8446 §4.6.1 key-schedule label used to
// derive a ticket's resumption key from the connection's resumption
// master secret.
const labelResumption = "resumption"

// ingestNewSessionTicket implements §4.8: decode, derive the
// resumption key, initialize flags, and, when Config.SessionTicketsEnabled
// is set, replace any previously stored ticket. Ticket storage itself (persistence across connections) is
// the caller's responsibility, signaled by StepReceivedNewSessionTicket.
func (hs *HandshakeState) ingestNewSessionTicket(raw []byte) error {
	nst, err := ParseNewSessionTicket(raw[4:])
	if err != nil {
		return err
	}
	if hs.session == nil || hs.session.ResumptionMasterSecret == nil {
		return errs.New(errs.KindInternalError, "NewSessionTicket received before resumption_master_secret was derived")
	}

	resumptionKey := hs.crypto.ExpandLabel(hs.suiteHash, hs.session.ResumptionMasterSecret, labelResumption, nst.Nonce, hs.crypto.HashSize(hs.suiteHash))

	// Flags are seeded from the PSK key-exchange modes locally enabled on
	// this connection at the moment the ticket is received (spec.md
	// §4.8), not from anything the server signals in the ticket itself.
	var flags TicketFlags
	if hs.config.pskModeEnabled(PSKModeKE) {
		flags |= TicketAllowPSKKE
	}
	if hs.config.pskModeEnabled(PSKModeDHEKE) {
		flags |= TicketAllowPSKDHEKE
	}
	if nst.EarlyDataSeen {
		flags |= TicketAllowEarlyData
	}

	ticket := &Ticket{
		Ticket:        nst.Ticket,
		Lifetime:      nst.Lifetime,
		AgeAdd:        nst.AgeAdd,
		Nonce:         nst.Nonce,
		Flags:         flags,
		HasClock:      hs.config.hasClock(),
		CipherSuite:   hs.suite,
		ResumptionKey: resumptionKey,
	}
	if ticket.HasClock {
		ticket.ReceivedAt = hs.config.time()
	}

	if !hs.config.SessionTicketsEnabled {
		return nil
	}
	hs.resumptionTicket = ticket
	hs.session.Ticket = ticket
	return nil
}
