package tls13

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding"
	"hash"
)

// fakeTranscript is a real running hash (not a stub), so tests that
// exercise the key schedule or HRR replay get genuine, checkable
// transcript-hash behavior instead of a hand-waved double.
type fakeTranscript struct {
	newHash func() hash.Hash
	h       hash.Hash
}

func newFakeTranscript(id HashID) *fakeTranscript {
	nh := sha256.New
	if id == HashSHA384 {
		nh = sha512.New384
	}
	return &fakeTranscript{newHash: nh, h: nh()}
}

func (f *fakeTranscript) AddMessageHeader(t MessageType, length int) {
	f.h.Write([]byte{byte(t), byte(length >> 16), byte(length >> 8), byte(length)})
}

func (f *fakeTranscript) AddBytes(b []byte) {
	f.h.Write(b)
}

// Snapshot returns the digest of the current running state. hash.Hash's
// Sum does not mutate that state, so this is safe to call mid-stream
// (e.g. to compute a PSK binder before the rest of ClientHello is fed
// in) without disturbing later writes.
func (f *fakeTranscript) Snapshot() []byte {
	return f.h.Sum(nil)
}

func (f *fakeTranscript) ResetForHRR() {
	ch1 := f.h.Sum(nil)
	f.h = f.newHash()
	f.h.Write([]byte{byte(MsgMessageHash), 0, 0, byte(len(ch1))})
	f.h.Write(ch1)
}

// Clone is unused by this package's production code (transcript
// snapshotting works directly off Snapshot's non-mutating Sum) but is
// still part of the TranscriptHash interface for other collaborator
// implementations to use.
func (f *fakeTranscript) Clone() TranscriptHash {
	h := f.newHash()
	state, err := f.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err == nil {
		err = h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state)
	}
	if err != nil {
		panic("fakeTranscript: cannot copy hash state: " + err.Error())
	}
	return &fakeTranscript{newHash: f.newHash, h: h}
}

// fakeRecordLayer queues pre-scripted incoming messages and records
// everything the handshake state machine sends, so tests can assert on
// wire output without a real transport.
type fakeRecordLayer struct {
	incoming    [][]byte
	sent        [][]byte
	transforms  map[Direction]Transform
	ccsWrites   int
	lastAlert   Alert
	alertCause  error
	buf         []byte
}

func (r *fakeRecordLayer) FetchHandshakeMessage(expected MessageType) ([]byte, error) {
	if len(r.incoming) == 0 {
		return nil, ErrWantIO
	}
	msg := r.incoming[0]
	r.incoming = r.incoming[1:]
	return msg, nil
}

func (r *fakeRecordLayer) StartMessage(capacity int) ([]byte, error) {
	r.buf = make([]byte, capacity)
	return r.buf, nil
}

func (r *fakeRecordLayer) FinishMessage(n int) error {
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.sent = append(r.sent, out)
	return nil
}

func (r *fakeRecordLayer) SetTransform(dir Direction, t Transform) error {
	if r.transforms == nil {
		r.transforms = make(map[Direction]Transform)
	}
	r.transforms[dir] = t
	return nil
}

func (r *fakeRecordLayer) WriteChangeCipherSpec() error {
	r.ccsWrites++
	return nil
}

func (r *fakeRecordLayer) PendFatalAlert(alert Alert, cause error) {
	r.lastAlert = alert
	r.alertCause = cause
}
