package usms

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeKnownBytes(t *testing.T) {
	// "abc" packs to 000001 000010 000011 + 6 pad bits.
	got, err := Encode("abc")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x04, 0x20, 0xC0}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(abc) = %x, want %x", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"a",
		"hello world",
		"the quick brown fox jumps over 42 lazy dogs",
		",?;.:/\\()[]!&|@#'\"%*-_+=<> ",
		strings.Repeat("z", MaxChars),
	}
	for _, s := range cases {
		enc, err := Encode(s)
		if err != nil {
			t.Fatalf("Encode(%q): %v", s, err)
		}
		wantLen := (len(s)*6 + 7) / 8
		if len(enc) != wantLen {
			t.Fatalf("Encode(%q): %d bytes, want %d", s, len(enc), wantLen)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(Encode(%q)): %v", s, err)
		}
		if dec != s {
			t.Fatalf("round trip of %q gave %q", s, dec)
		}
	}
}

func TestEncodeCharacterOutOfRange(t *testing.T) {
	for _, s := range []string{"A", "hello$", "café"} {
		_, err := Encode(s)
		var oor *UsmsCharacterOutOfRange
		if !errors.As(err, &oor) {
			t.Fatalf("Encode(%q): expected UsmsCharacterOutOfRange, got %v", s, err)
		}
	}
}

func TestDecodeDropsNullCodes(t *testing.T) {
	// 'a' (000001) is followed by a null code (000000) in the next 6 bits;
	// the null code decodes to nothing and the trailing 4 bits are too few
	// for another code.
	dec, err := Decode([]byte{0x04, 0x00})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec != "a" {
		t.Fatalf("Decode = %q, want %q", dec, "a")
	}
}
