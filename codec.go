package main

import (
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// hexInt4 renders a 32-bit value as 8 hex characters, big-endian. Stratum
// sends nVersion, nBits and nTime in this form.
func hexInt4(v uint32) string {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	return hex.EncodeToString(buf[:])
}

func parseHexInt4(s, name string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, errInvalidParams("%s must be hexadecimal", name)
	}
	if len(b) != 4 {
		return 0, errInvalidParams("%s must be exactly 4 bytes / 8 hex", name)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// parseUint256 decodes a 64-character hex string into a hash without the
// byte-reversal chainhash.NewHashFromStr performs. Stratum job ids and
// merge-mining roots travel in natural byte order.
func parseUint256(s, name string) (chainhash.Hash, error) {
	var h chainhash.Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errInvalidParams("%s must be a hexadecimal string", name)
	}
	if len(b) != 32 {
		return h, errInvalidParams("%s must be exactly 32 bytes / 64 hex", name)
	}
	copy(h[:], b)
	return h, nil
}

func parseHexBytes(s, name string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errInvalidParams("%s must be a hexadecimal string", name)
	}
	return b, nil
}

func hashHex(h chainhash.Hash) string {
	return hex.EncodeToString(h[:])
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// swapPrevHashWords byte-swaps each 32-bit chunk of a hash. Stratum encodes
// hashPrevBlock this way; applying the swap twice restores the original.
func swapPrevHashWords(h chainhash.Hash) chainhash.Hash {
	var out chainhash.Hash
	for i := 0; i < 32; i += 4 {
		out[i] = h[i+3]
		out[i+1] = h[i+2]
		out[i+2] = h[i+1]
		out[i+3] = h[i]
	}
	return out
}

func doubleSHA256(b []byte) chainhash.Hash {
	first := sha256Sum(b)
	return chainhash.Hash(sha256Sum(first[:]))
}

func reverseBytes(in []byte) []byte {
	out := append([]byte(nil), in...)
	slices.Reverse(out)
	return out
}

func readVarInt(raw []byte) (uint64, int, error) {
	if len(raw) == 0 {
		return 0, 0, fmt.Errorf("varint empty")
	}
	switch raw[0] {
	case 0xff:
		if len(raw) < 9 {
			return 0, 0, fmt.Errorf("varint 0xff missing bytes")
		}
		var v uint64
		for i := 8; i >= 1; i-- {
			v = v<<8 | uint64(raw[i])
		}
		return v, 9, nil
	case 0xfe:
		if len(raw) < 5 {
			return 0, 0, fmt.Errorf("varint 0xfe missing bytes")
		}
		v := uint64(raw[4])<<24 | uint64(raw[3])<<16 | uint64(raw[2])<<8 | uint64(raw[1])
		return v, 5, nil
	case 0xfd:
		if len(raw) < 3 {
			return 0, 0, fmt.Errorf("varint 0xfd missing bytes")
		}
		return uint64(raw[2])<<8 | uint64(raw[1]), 3, nil
	default:
		return uint64(raw[0]), 1, nil
	}
}

// appendSerVarInt appends v in the base-128 serialization used by the share
// chain records (every byte but the last has the high bit set, and each
// non-final byte is offset by one so the encoding is bijective).
func appendSerVarInt(dst []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	for {
		b := byte(v & 0x7f)
		if n > 0 {
			b |= 0x80
		}
		tmp[n] = b
		n++
		if v <= 0x7f {
			break
		}
		v = v>>7 - 1
	}
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, tmp[i])
	}
	return dst
}

func readSerVarInt(raw []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if v > (^uint64(0))>>7 {
			return 0, 0, fmt.Errorf("varint overflow")
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		if v == ^uint64(0) {
			return 0, 0, fmt.Errorf("varint overflow")
		}
		v++
	}
	return 0, 0, fmt.Errorf("varint truncated")
}

func appendUint32LE(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readUint32LE(raw []byte) (uint32, error) {
	if len(raw) < 4 {
		return 0, fmt.Errorf("uint32 truncated")
	}
	return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24, nil
}
