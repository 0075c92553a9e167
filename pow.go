package main

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var diff1Target = func() *big.Int {
	n, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return n
}()

var maxUint256 = func() *big.Int {
	n := new(big.Int).Lsh(big.NewInt(1), 256)
	return n.Sub(n, big.NewInt(1))
}()

// compactToBig expands a compact difficulty encoding into the full target.
func compactToBig(bits uint32) *big.Int {
	mantissa := int64(bits & 0x007fffff)
	exponent := uint(bits >> 24)
	if bits&0x00800000 != 0 {
		mantissa = -mantissa
	}
	n := big.NewInt(mantissa)
	if exponent <= 3 {
		return n.Rsh(n, 8*(3-exponent))
	}
	return n.Lsh(n, 8*(exponent-3))
}

// hashToBig interprets a block hash as the little-endian integer proof-of-work
// comparisons are defined over.
func hashToBig(hash *chainhash.Hash) *big.Int {
	buf := reverseBytes(hash[:])
	return new(big.Int).SetBytes(buf)
}

// checkProofOfWork reports whether hash satisfies the compact target. The
// bias widens the target by whole powers of two; auxiliary chains run at an
// offset from the compact difficulty they advertise.
func checkProofOfWork(hash chainhash.Hash, bits uint32, bias uint8) bool {
	target := compactToBig(bits)
	if target.Sign() <= 0 {
		return false
	}
	if bias > 0 {
		target.Lsh(target, uint(bias))
	}
	if target.Cmp(maxUint256) > 0 {
		target.Set(maxUint256)
	}
	return hashToBig(&hash).Cmp(target) <= 0
}

func difficultyFromBits(bits uint32) float64 {
	target := compactToBig(bits)
	if target.Sign() <= 0 {
		return 0
	}
	f := new(big.Float).SetPrec(256).SetInt(diff1Target)
	d := new(big.Float).SetPrec(256).SetInt(target)
	f.Quo(f, d)
	val, _ := f.Float64()
	return val
}

// updateBlockTime freshens a header timestamp to the present without moving
// it behind the tip, and returns the applied delta in seconds.
func updateBlockTime(hdr *wire.BlockHeader, tip *BlockIndex) int64 {
	old := hdr.Timestamp.Unix()
	now := time.Now().Unix()
	min := int64(tip.Time) + 1
	if now < min {
		now = min
	}
	if now > old {
		hdr.Timestamp = time.Unix(now, 0)
	}
	return hdr.Timestamp.Unix() - old
}
