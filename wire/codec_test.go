package wire

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/cryptobyte"
)

func TestReadVectors(t *testing.T) {
	tests := []struct {
		name string
		read func(s *cryptobyte.String, out *[]byte) bool
		in   []byte
		want []byte
		ok   bool
	}{
		{"uint8 exact", ReadUint8Vector, []byte{0x03, 'a', 'b', 'c'}, []byte("abc"), true},
		{"uint8 empty", ReadUint8Vector, []byte{0x00}, []byte{}, true},
		{"uint8 truncated", ReadUint8Vector, []byte{0x03, 'a'}, nil, false},
		{"uint16 exact", ReadUint16Vector, []byte{0x00, 0x02, 'h', 'i'}, []byte("hi"), true},
		{"uint16 truncated", ReadUint16Vector, []byte{0x00, 0x05, 'h', 'i'}, nil, false},
		{"uint24 exact", ReadUint24Vector, []byte{0x00, 0x00, 0x01, 'x'}, []byte("x"), true},
		{"uint24 truncated", ReadUint24Vector, []byte{0x00, 0x00, 0x02, 'x'}, nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := cryptobyte.String(tc.in)
			var out []byte
			ok := tc.read(&s, &out)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && !bytes.Equal(out, tc.want) {
				t.Errorf("out = %x, want %x", out, tc.want)
			}
		})
	}
}

func TestReadWriteUint64RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0xffffffff, 0x1122334455667788, ^uint64(0)}
	for _, v := range values {
		var b cryptobyte.Builder
		AddUint64(&b, v)
		out, err := b.Bytes()
		if err != nil {
			t.Fatalf("Bytes: %v", err)
		}
		if len(out) != 8 {
			t.Fatalf("encoded length = %d, want 8", len(out))
		}
		s := cryptobyte.String(out)
		var got uint64
		if !ReadUint64(&s, &got) {
			t.Fatalf("ReadUint64 failed on %x", out)
		}
		if got != v {
			t.Errorf("round trip: got %#x, want %#x", got, v)
		}
	}
}

func TestVectorBounds(t *testing.T) {
	tests := []struct {
		n, min, max int
		want        bool
	}{
		{0, 1, 65535, false},
		{1, 1, 65535, true},
		{65535, 1, 65535, true},
		{65536, 1, 65535, false},
		{0, 0, 255, true},
	}
	for _, tc := range tests {
		if got := VectorBounds(tc.n, tc.min, tc.max); got != tc.want {
			t.Errorf("VectorBounds(%d, %d, %d) = %v, want %v", tc.n, tc.min, tc.max, got, tc.want)
		}
	}
}

func TestReadExtensionHeader(t *testing.T) {
	raw := []byte{0x00, 0x2b, 0x00, 0x03, 0x02, 0x03, 0x04}
	s := cryptobyte.String(raw)
	hdr, body, ok := ReadExtensionHeader(&s)
	if !ok {
		t.Fatal("ReadExtensionHeader failed")
	}
	if hdr.Type != 0x002b || hdr.Length != 3 {
		t.Errorf("hdr = %+v, want Type=0x2b Length=3", hdr)
	}
	if !bytes.Equal(body, []byte{0x02, 0x03, 0x04}) {
		t.Errorf("body = %x, want 020304", []byte(body))
	}
	if !s.Empty() {
		t.Error("expected no trailing bytes")
	}
}

func TestReadExtensionHeaderTruncated(t *testing.T) {
	raw := []byte{0x00, 0x2b, 0x00, 0x05, 0x02, 0x03}
	s := cryptobyte.String(raw)
	if _, _, ok := ReadExtensionHeader(&s); ok {
		t.Fatal("expected failure on truncated extension body")
	}
}
