package main

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestHexInt4RoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 0x1d00ffff, 0x20000000, 0xffffffff, 0xe0001000}
	for _, v := range cases {
		s := hexInt4(v)
		if len(s) != 8 {
			t.Fatalf("hexInt4(%08x) = %q; want 8 hex chars", v, s)
		}
		got, err := parseHexInt4(s, "value")
		if err != nil {
			t.Fatalf("parseHexInt4(%q): %v", s, err)
		}
		if got != v {
			t.Fatalf("round trip %08x -> %q -> %08x", v, s, got)
		}
	}
}

func TestParseHexInt4Rejects(t *testing.T) {
	for _, s := range []string{"", "00", "0011223", "001122334455", "zzzzzzzz"} {
		if _, err := parseHexInt4(s, "value"); err == nil {
			t.Errorf("parseHexInt4(%q) accepted", s)
		}
	}
}

func TestParseUint256(t *testing.T) {
	h := hashFromByte(0xab)
	got, err := parseUint256(hashHex(h), "hash")
	if err != nil {
		t.Fatalf("parseUint256: %v", err)
	}
	if got != h {
		t.Fatalf("parseUint256 round trip mismatch")
	}
	if _, err := parseUint256("abcd", "hash"); err == nil {
		t.Error("short input accepted")
	}
	if _, err := parseUint256("xy", "hash"); err == nil {
		t.Error("non-hex input accepted")
	}
}

func TestSwapPrevHashWordsInvolution(t *testing.T) {
	var h chainhash.Hash
	for i := range h {
		h[i] = byte(i * 7)
	}
	swapped := swapPrevHashWords(h)
	if swapped == h {
		t.Fatal("swap is identity on a non-palindromic hash")
	}
	if got := swapPrevHashWords(swapped); got != h {
		t.Fatalf("double swap is not identity: %v", got)
	}
	// Each 32-bit word is byte reversed in place.
	for w := 0; w < 8; w++ {
		for i := 0; i < 4; i++ {
			if swapped[w*4+i] != h[w*4+3-i] {
				t.Fatalf("word %d byte %d not swapped", w, i)
			}
		}
	}
}

func TestSerVarIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 0x7f, 0x80, 0xff, 0x100, 0x407f, 0x4080, 1<<32 - 1, 1 << 40}
	for _, v := range cases {
		enc := appendSerVarInt(nil, v)
		got, n, err := readSerVarInt(enc)
		if err != nil {
			t.Fatalf("readSerVarInt(%x): %v", enc, err)
		}
		if n != len(enc) || got != v {
			t.Fatalf("round trip %d -> %x -> %d (n=%d)", v, enc, got, n)
		}
	}
	// Canonical single-byte encodings.
	if !bytes.Equal(appendSerVarInt(nil, 0), []byte{0x00}) {
		t.Error("0 should encode to a single zero byte")
	}
	if !bytes.Equal(appendSerVarInt(nil, 0x7f), []byte{0x7f}) {
		t.Error("0x7f should encode to a single byte")
	}
	// Two-byte boundary: 0x80 encodes as 80 00.
	if !bytes.Equal(appendSerVarInt(nil, 0x80), []byte{0x80, 0x00}) {
		t.Errorf("0x80 encoding = %x", appendSerVarInt(nil, 0x80))
	}
}

func TestReadVarIntCompact(t *testing.T) {
	cases := []struct {
		raw  []byte
		want uint64
		n    int
	}{
		{[]byte{0x2a}, 42, 1},
		{[]byte{0xfd, 0x01, 0x02}, 0x0201, 3},
		{[]byte{0xfe, 0x01, 0x02, 0x03, 0x04}, 0x04030201, 5},
	}
	for _, tc := range cases {
		got, n, err := readVarInt(tc.raw)
		if err != nil {
			t.Fatalf("readVarInt(%x): %v", tc.raw, err)
		}
		if got != tc.want || n != tc.n {
			t.Fatalf("readVarInt(%x) = (%d, %d); want (%d, %d)", tc.raw, got, n, tc.want, tc.n)
		}
	}
	if _, _, err := readVarInt(nil); err == nil {
		t.Error("empty varint accepted")
	}
}
