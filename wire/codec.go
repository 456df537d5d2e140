// Package wire implements the length-checked binary codec used by every
// handshake message and extension in this module (component C1 of
// SPEC_FULL.md). All reads and writes go through
// golang.org/x/crypto/cryptobyte, the same codec library the teacher
// uses for its own handshake messages, session tickets, and ECH
// structures.
//
// Every helper here is total: given a cryptobyte.String or
// cryptobyte.Builder it never reads or writes outside the buffer it
// was handed. Read failures return ok=false rather than panicking, so
// callers can turn any adversarial input into a decode_error.
package wire

import (
	"golang.org/x/crypto/cryptobyte"
)

// ReadUint8Vector reads a <len:u8><data> vector.
func ReadUint8Vector(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return false
	}
	*out = []byte(v)
	return true
}

// ReadUint16Vector reads a <len:u16><data> vector.
func ReadUint16Vector(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return false
	}
	*out = []byte(v)
	return true
}

// ReadUint24Vector reads a <len:u24><data> vector.
func ReadUint24Vector(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&v) {
		return false
	}
	*out = []byte(v)
	return true
}

// ReadUint64 reads a big-endian 64-bit integer as two 32-bit halves,
// since cryptobyte.String has no native ReadUint64.
func ReadUint64(s *cryptobyte.String, out *uint64) bool {
	var hi, lo uint32
	if !s.ReadUint32(&hi) || !s.ReadUint32(&lo) {
		return false
	}
	*out = uint64(hi)<<32 | uint64(lo)
	return true
}

// AddUint64 appends a big-endian 64-bit integer as two 32-bit halves.
func AddUint64(b *cryptobyte.Builder, v uint64) {
	b.AddUint32(uint32(v >> 32))
	b.AddUint32(uint32(v))
}

// VectorBounds checks a decoded vector length against the TLS
// presentation-language min/max bounds for its declared type. Codec
// operations otherwise only enforce the length prefix's own width; this
// enforces the semantic bound layered on top (e.g. opaque<1..2^16-1>
// forbids the empty vector even though a u16 length prefix could
// encode it).
func VectorBounds(n, min, max int) bool {
	return n >= min && n <= max
}

// ExtensionHeader is the <type:u16><len:u16> header shared by every
// TLS extension.
type ExtensionHeader struct {
	Type   uint16
	Length uint16
}

// ReadExtensionHeader reads the four-byte type+length header of one
// extension and returns the header plus a cryptobyte.String scoped to
// exactly its body, so parsers cannot accidentally read into the next
// extension.
func ReadExtensionHeader(s *cryptobyte.String) (hdr ExtensionHeader, body cryptobyte.String, ok bool) {
	if !s.ReadUint16(&hdr.Type) || !s.ReadUint16(&hdr.Length) {
		return hdr, nil, false
	}
	if !s.ReadBytes((*[]byte)(&body), int(hdr.Length)) {
		return hdr, nil, false
	}
	return hdr, body, true
}

// AddExtension appends one extension's <type:u16><len:u16> header
// followed by the body built by fn, the write-side mirror of
// ReadExtensionHeader.
func AddExtension(b *cryptobyte.Builder, extType uint16, fn func(b *cryptobyte.Builder)) {
	b.AddUint16(extType)
	b.AddUint16LengthPrefixed(fn)
}
