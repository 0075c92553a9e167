package main

import "math/bits"

// Streaming SHA-256 with access to the internal chaining state.  The
// merge-mining proof format ships the midstate of a partially hashed
// block-final transaction, and the fast Merkle tree node function is a single
// compression of the two child hashes, so we need the raw compression
// function here; neither crypto/sha256 nor sha256-simd exposes it.

var sha256K = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

var sha256IV = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

func sha256Compress(state *[8]uint32, block []byte) {
	var w [64]uint32
	for i := 0; i < 16; i++ {
		j := i * 4
		w[i] = uint32(block[j])<<24 | uint32(block[j+1])<<16 | uint32(block[j+2])<<8 | uint32(block[j+3])
	}
	for i := 16; i < 64; i++ {
		v1 := w[i-2]
		t1 := bits.RotateLeft32(v1, -17) ^ bits.RotateLeft32(v1, -19) ^ (v1 >> 10)
		v2 := w[i-15]
		t2 := bits.RotateLeft32(v2, -7) ^ bits.RotateLeft32(v2, -18) ^ (v2 >> 3)
		w[i] = t1 + w[i-7] + t2 + w[i-16]
	}

	a, b, c, d, e, f, g, h := state[0], state[1], state[2], state[3], state[4], state[5], state[6], state[7]
	for i := 0; i < 64; i++ {
		t1 := h + (bits.RotateLeft32(e, -6) ^ bits.RotateLeft32(e, -11) ^ bits.RotateLeft32(e, -25)) +
			((e & f) ^ (^e & g)) + sha256K[i] + w[i]
		t2 := (bits.RotateLeft32(a, -2) ^ bits.RotateLeft32(a, -13) ^ bits.RotateLeft32(a, -22)) +
			((a & b) ^ (a & c) ^ (b & c))
		h = g
		g = f
		f = e
		e = d + t1
		d = c
		c = b
		b = a
		a = t1 + t2
	}
	state[0] += a
	state[1] += b
	state[2] += c
	state[3] += d
	state[4] += e
	state[5] += f
	state[6] += g
	state[7] += h
}

type sha256Stream struct {
	state  [8]uint32
	buf    [64]byte
	buflen int
	length uint64 // total bytes written
}

func newSHA256Stream() *sha256Stream {
	s := &sha256Stream{state: sha256IV}
	return s
}

func (s *sha256Stream) Write(p []byte) (int, error) {
	n := len(p)
	s.length += uint64(n)
	if s.buflen > 0 {
		take := 64 - s.buflen
		if take > len(p) {
			take = len(p)
		}
		copy(s.buf[s.buflen:], p[:take])
		s.buflen += take
		p = p[take:]
		if s.buflen == 64 {
			sha256Compress(&s.state, s.buf[:])
			s.buflen = 0
		}
	}
	for len(p) >= 64 {
		sha256Compress(&s.state, p[:64])
		p = p[64:]
	}
	if len(p) > 0 {
		copy(s.buf[:], p)
		s.buflen = len(p)
	}
	return n, nil
}

// Midstate returns the chaining state after all complete blocks, the buffered
// remainder that has not yet been compressed, and the number of bytes
// consumed into the state.
func (s *sha256Stream) Midstate() (state [32]byte, buffered []byte, processed uint64) {
	for i, v := range s.state {
		state[i*4] = byte(v >> 24)
		state[i*4+1] = byte(v >> 16)
		state[i*4+2] = byte(v >> 8)
		state[i*4+3] = byte(v)
	}
	buffered = append([]byte(nil), s.buf[:s.buflen]...)
	return state, buffered, s.length - uint64(s.buflen)
}

func (s *sha256Stream) Sum() [32]byte {
	st := s.state
	padlen := int(64 - s.length%64)
	if padlen < 9 {
		padlen += 64
	}
	pad := make([]byte, padlen)
	pad[0] = 0x80
	bitlen := s.length * 8
	for i := 0; i < 8; i++ {
		pad[padlen-1-i] = byte(bitlen >> (8 * i))
	}
	var tail []byte
	tail = append(tail, s.buf[:s.buflen]...)
	tail = append(tail, pad...)
	for len(tail) >= 64 {
		sha256Compress(&st, tail[:64])
		tail = tail[64:]
	}
	var out [32]byte
	for i, v := range st {
		out[i*4] = byte(v >> 24)
		out[i*4+1] = byte(v >> 16)
		out[i*4+2] = byte(v >> 8)
		out[i*4+3] = byte(v)
	}
	return out
}
